// Package bootstrap loads the structural NodeList/ColumnList/RowList files
// named by EnvConfig (spec.md §3 Lifecycle: "loaded once at startup",
// §7: "invalid NodeList/Column/RowList" is a fatal configuration error) and
// turns them into a validated model.Schema, model.NodeList, and compiled
// formula.Graph ready for engine.New. JSON is the canonical on-disk and
// wire format; a .yaml/.yml structural file is also accepted and converted
// before parsing, mirroring the teacher's Clash-YAML subscription ingestion.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/race-share/share/internal/formula"
	"github.com/race-share/share/internal/matcher"
	"github.com/race-share/share/internal/model"
)

// nodeInfoFile is the on-disk shape of one NodeInfo entry.
type nodeInfoFile struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	InetMask    string `json:"inetMask,omitempty"`
}

func (f nodeInfoFile) toModel() (model.NodeInfo, error) {
	info := model.NodeInfo{ID: f.ID, Description: f.Description, Host: f.Host, Port: f.Port, Protocol: f.Protocol}
	if f.InetMask != "" {
		prefix, err := netip.ParsePrefix(f.InetMask)
		if err != nil {
			return model.NodeInfo{}, fmt.Errorf("node %q: invalid inetMask %q: %w", f.ID, f.InetMask, err)
		}
		info.InetMask = prefix
	}
	return info, nil
}

type nodeListFile struct {
	ID         string         `json:"id"`
	Timestamp  int64          `json:"timestamp"`
	Self       nodeInfoFile   `json:"self"`
	Upstream   []nodeInfoFile `json:"upstream"`
	Peers      []nodeInfoFile `json:"peers"`
	Downstream []nodeInfoFile `json:"downstream"`
}

// LoadNodeList reads and parses a NodeList JSON file.
func LoadNodeList(path string) (*model.NodeList, error) {
	var f nodeListFile
	if err := readJSON(path, &f); err != nil {
		return nil, fmt.Errorf("bootstrap: node list: %w", err)
	}
	self, err := f.Self.toModel()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: node list: %w", err)
	}
	nl := model.NewNodeList(f.ID, f.Timestamp, self)
	for _, group := range []struct {
		entries []nodeInfoFile
		into    *model.OrderedMap[model.NodeInfo]
	}{
		{f.Upstream, nl.Upstream},
		{f.Peers, nl.Peers},
		{f.Downstream, nl.Downstream},
	} {
		for _, e := range group.entries {
			info, err := e.toModel()
			if err != nil {
				return nil, fmt.Errorf("bootstrap: node list: %w", err)
			}
			group.into.Set(info.ID, info)
		}
	}
	return nl, nil
}

type columnFile struct {
	ID             string            `json:"id"`
	Description    string            `json:"description"`
	OwnerID        string            `json:"ownerId"`
	SendMatcher    string            `json:"sendMatcher"`
	ReceiveMatcher string            `json:"receiveMatcher"`
	Attrs          map[string]string `json:"attrs,omitempty"`
}

type columnListFile struct {
	ListID    string       `json:"listId"`
	Timestamp int64        `json:"timestamp"`
	Columns   []columnFile `json:"columns"`
}

type cellValueFile struct {
	Long       *int64    `json:"long,omitempty"`
	Double     *float64  `json:"double,omitempty"`
	Boolean    *bool     `json:"boolean,omitempty"`
	Str        *string   `json:"string,omitempty"`
	LongList   []int64   `json:"longList,omitempty"`
	DoubleList []float64 `json:"doubleList,omitempty"`
}

func (f cellValueFile) toModel(cellType model.CellType) model.CellValue {
	switch cellType {
	case model.TypeLong:
		if f.Long != nil {
			return model.LongValue(*f.Long, 0)
		}
	case model.TypeDouble:
		if f.Double != nil {
			return model.DoubleValue(*f.Double, 0)
		}
	case model.TypeBoolean:
		if f.Boolean != nil {
			return model.BoolValue(*f.Boolean, 0)
		}
	case model.TypeString:
		if f.Str != nil {
			return model.StringValue(*f.Str, 0)
		}
	case model.TypeLongList:
		if f.LongList != nil {
			return model.LongListValue(f.LongList, 0)
		}
	case model.TypeDoubleList:
		if f.DoubleList != nil {
			return model.DoubleListValue(f.DoubleList, 0)
		}
	}
	return model.CellValue{Type: cellType}
}

type rowFile struct {
	ID             string        `json:"id"`
	Description    string        `json:"description"`
	CellType       string        `json:"cellType"`
	OwnerID        string        `json:"ownerId"`
	SendMatcher    string        `json:"sendMatcher"`
	ReceiveMatcher string        `json:"receiveMatcher"`
	Undefined      cellValueFile `json:"undefined"`
	Formula        string        `json:"formula,omitempty"`
	Constraint     bool          `json:"constraint,omitempty"`
}

type rowListFile struct {
	ListID    string    `json:"listId"`
	Timestamp int64     `json:"timestamp"`
	Rows      []rowFile `json:"rows"`
}

func parseCellType(s string) (model.CellType, error) {
	switch s {
	case "Long":
		return model.TypeLong, nil
	case "Double":
		return model.TypeDouble, nil
	case "Boolean":
		return model.TypeBoolean, nil
	case "String":
		return model.TypeString, nil
	case "LongList":
		return model.TypeLongList, nil
	case "DoubleList":
		return model.TypeDoubleList, nil
	default:
		return model.TypeUnknown, fmt.Errorf("unknown cellType %q", s)
	}
}

// LoadSchema reads a ColumnList file and a single RowList file containing
// one rowListFile per column (keyed by column id — SHARE_ROW_LIST_FILE
// names one file for the whole tree, not one per column), compiles every
// row's formula text, and returns the assembled Schema plus the dependency
// Graph engine.New needs. astCacheSize sizes the shared AST cache formulas
// are compiled through.
func LoadSchema(columnListPath, rowListPath string, astCacheSize int) (*model.Schema, *formula.Graph, error) {
	var clf columnListFile
	if err := readJSON(columnListPath, &clf); err != nil {
		return nil, nil, fmt.Errorf("bootstrap: column list: %w", err)
	}

	rowListsByColumn := make(map[string]rowListFile)
	if err := readJSON(rowListPath, &rowListsByColumn); err != nil {
		return nil, nil, fmt.Errorf("bootstrap: row lists: %w", err)
	}

	cols := model.NewColumnList(clf.ListID, clf.Timestamp)
	for _, c := range clf.Columns {
		cols.Columns.Set(c.ID, model.Column{
			ID:             c.ID,
			Description:    c.Description,
			OwnerID:        c.OwnerID,
			SendMatcher:    matcher.Parse(c.SendMatcher),
			ReceiveMatcher: matcher.Parse(c.ReceiveMatcher),
			Attrs:          c.Attrs,
		})
	}

	schema := model.NewSchema(cols)
	cache := formula.NewASTCache(astCacheSize)
	formulaText := make(map[string]string)

	var loadErr error
	cols.Columns.Range(func(colID string, _ model.Column) bool {
		rlf, ok := rowListsByColumn[colID]
		if !ok {
			loadErr = fmt.Errorf("bootstrap: no row list for column %q", colID)
			return false
		}
		rl := model.NewRowList(rlf.ListID, rlf.Timestamp)
		for _, r := range rlf.Rows {
			cellType, err := parseCellType(r.CellType)
			if err != nil {
				loadErr = fmt.Errorf("bootstrap: row %s/%s: %w", colID, r.ID, err)
				return false
			}
			row := model.Row{
				ID:             r.ID,
				Description:    r.Description,
				CellType:       cellType,
				OwnerID:        r.OwnerID,
				SendMatcher:    matcher.Parse(r.SendMatcher),
				ReceiveMatcher: matcher.Parse(r.ReceiveMatcher),
				Undefined:      r.Undefined.toModel(cellType),
			}
			if r.Formula != "" {
				f, err := formula.CompileCached(cache, r.Formula, colID, r.ID, r.Constraint)
				if err != nil {
					loadErr = fmt.Errorf("bootstrap: formula %s/%s: %w", colID, r.ID, err)
					return false
				}
				row.Formula = f
				formulaText[colID+"//"+r.ID] = r.Formula
			}
			rl.Rows.Set(r.ID, row)
		}
		schema.RowLists[colID] = rl
		return true
	})
	if loadErr != nil {
		cache.Close()
		return nil, nil, loadErr
	}

	if err := schema.Validate(); err != nil {
		cache.Close()
		return nil, nil, fmt.Errorf("bootstrap: schema validation: %w", err)
	}

	graph, err := formula.BuildGraph(schema, formulaText, cache)
	if err != nil {
		cache.Close()
		return nil, nil, fmt.Errorf("bootstrap: formula graph: %w", err)
	}
	return schema, graph, nil
}

func readJSON(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if isYAMLPath(path) {
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(generic); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
