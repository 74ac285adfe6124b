package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadNodeListParsesAllGroups(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "nodelist.json", `{
		"id": "tree",
		"timestamp": 1,
		"self": {"id": "mid", "host": "mid.example.com", "port": 7420, "protocol": "ws"},
		"upstream": [{"id": "root", "host": "root.example.com", "port": 7420, "protocol": "ws"}],
		"peers": [{"id": "peer1", "host": "peer1.example.com", "port": 7420, "protocol": "ws"}],
		"downstream": [{"id": "leaf1", "host": "leaf1.example.com", "port": 7420, "protocol": "ws", "inetMask": "10.0.0.0/24"}]
	}`)

	nl, err := LoadNodeList(path)
	if err != nil {
		t.Fatalf("LoadNodeList: %v", err)
	}
	if nl.Self.ID != "mid" {
		t.Fatalf("expected self id mid, got %s", nl.Self.ID)
	}
	if _, ok := nl.Upstream.Get("root"); !ok {
		t.Fatal("expected upstream entry root")
	}
	if _, ok := nl.Peers.Get("peer1"); !ok {
		t.Fatal("expected peer entry peer1")
	}
	leaf, ok := nl.Downstream.Get("leaf1")
	if !ok {
		t.Fatal("expected downstream entry leaf1")
	}
	if !leaf.InetMask.IsValid() {
		t.Fatal("expected leaf1 inetMask to be parsed")
	}
}

func TestLoadNodeListAcceptsYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "nodelist.yaml", `
id: tree
timestamp: 1
self:
  id: mid
  host: mid.example.com
  port: 7420
  protocol: ws
upstream:
  - id: root
    host: root.example.com
    port: 7420
    protocol: ws
`)

	nl, err := LoadNodeList(path)
	if err != nil {
		t.Fatalf("LoadNodeList: %v", err)
	}
	if nl.Self.ID != "mid" {
		t.Fatalf("expected self id mid, got %s", nl.Self.ID)
	}
	if _, ok := nl.Upstream.Get("root"); !ok {
		t.Fatal("expected upstream entry root")
	}
}

func TestLoadNodeListRejectsInvalidMask(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "nodelist.json", `{
		"id": "tree", "timestamp": 1,
		"self": {"id": "mid"},
		"downstream": [{"id": "leaf1", "inetMask": "not-a-cidr"}]
	}`)
	if _, err := LoadNodeList(path); err == nil {
		t.Fatal("expected error for invalid inetMask")
	}
}

func TestLoadSchemaBuildsGraphAndValidates(t *testing.T) {
	dir := t.TempDir()
	colPath := writeFile(t, dir, "columns.json", `{
		"listId": "cols", "timestamp": 1,
		"columns": [
			{"id": "c1", "description": "base", "ownerId": "<self>", "sendMatcher": "all", "receiveMatcher": "all"},
			{"id": "c2", "description": "derived", "ownerId": "<self>", "sendMatcher": "all", "receiveMatcher": "all"}
		]
	}`)
	rowPath := writeFile(t, dir, "rows.json", `{
		"c1": {
			"listId": "rows-c1", "timestamp": 1,
			"rows": [
				{"id": "r1", "cellType": "Long", "ownerId": "<self>", "sendMatcher": "all", "receiveMatcher": "all", "undefined": {"long": 0}}
			]
		},
		"c2": {
			"listId": "rows-c2", "timestamp": 1,
			"rows": [
				{"id": "r1", "cellType": "Long", "ownerId": "<self>", "sendMatcher": "all", "receiveMatcher": "all",
				 "undefined": {"long": 0}, "formula": "isum(/c1//r1, 1)"}
			]
		}
	}`)

	schema, graph, err := LoadSchema(colPath, rowPath, 64)
	if err != nil {
		t.Fatalf("LoadSchema: %v", err)
	}
	if schema.Columns.Columns.Len() != 2 {
		t.Fatalf("expected 2 columns, got %d", schema.Columns.Columns.Len())
	}
	if graph == nil {
		t.Fatal("expected non-nil dependency graph")
	}
	row, ok := schema.RowLists["c2"].Rows.Get("r1")
	if !ok || row.Formula == nil {
		t.Fatal("expected c2/r1 to have a compiled formula")
	}
}

func TestLoadSchemaFailsOnMissingRowList(t *testing.T) {
	dir := t.TempDir()
	colPath := writeFile(t, dir, "columns.json", `{
		"listId": "cols", "timestamp": 1,
		"columns": [{"id": "c1", "ownerId": "<self>", "sendMatcher": "all", "receiveMatcher": "all"}]
	}`)
	rowPath := writeFile(t, dir, "rows.json", `{}`)

	if _, _, err := LoadSchema(colPath, rowPath, 64); err == nil {
		t.Fatal("expected error for missing row list")
	}
}
