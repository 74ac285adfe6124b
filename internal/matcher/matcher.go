// Package matcher implements the Filter/Matcher layer (spec.md §4.2): glob-
// and-literal predicates over (sourceNodeId, targetColumnId, node), parsed
// once from a comma-separated filter string and reused for both send and
// receive directions.
package matcher

import (
	"path/filepath"
	"strings"

	"github.com/race-share/share/internal/model"
)

// all always matches.
type all struct{}

func (all) Matches(model.MatchContext) bool { return true }

// All is the matcher that always admits.
var All model.Matcher = all{}

// none never matches.
type none struct{}

func (none) Matches(model.MatchContext) bool { return false }

// None is the matcher that never admits.
var None model.Matcher = none{}

type up struct{}

func (up) Matches(ctx model.MatchContext) bool {
	return ctx.UpstreamID != "" && ctx.SourceNodeID == ctx.UpstreamID
}

// Up matches a source node id equal to the current upstream.
var Up model.Matcher = up{}

type down struct{}

func (down) Matches(ctx model.MatchContext) bool {
	return ctx.IsDownstream != nil && ctx.IsDownstream(ctx.SourceNodeID)
}

// Down matches a source node id that is a registered downstream child.
var Down model.Matcher = down{}

type self struct{}

func (self) Matches(ctx model.MatchContext) bool {
	return ctx.SourceNodeID == ctx.SelfID
}

// Self matches a source node id equal to this node's own id.
var Self model.Matcher = self{}

type owner struct{}

func (owner) Matches(ctx model.MatchContext) bool {
	return ctx.SourceNodeID == ctx.ResolvedOwner
}

// Owner matches a source node id equal to the column's resolved owner.
var Owner model.Matcher = owner{}

// glob matches the source node id against a shell glob pattern
// (path.Match semantics, applied to the raw, unresolved id — SHARE node
// ids are flat tokens or slash-paths, both of which filepath.Match handles).
type glob struct {
	pattern string
}

func (g glob) Matches(ctx model.MatchContext) bool {
	ok, err := filepath.Match(g.pattern, ctx.SourceNodeID)
	return err == nil && ok
}

// Glob builds a pattern matcher.
func Glob(pattern string) model.Matcher {
	return glob{pattern: pattern}
}

// or matches if any child matcher matches.
type or struct {
	children []model.Matcher
}

func (o or) Matches(ctx model.MatchContext) bool {
	for _, c := range o.children {
		if c.Matches(ctx) {
			return true
		}
	}
	return false
}

// Or builds a union matcher. An empty child list behaves as None.
func Or(children ...model.Matcher) model.Matcher {
	if len(children) == 0 {
		return None
	}
	if len(children) == 1 {
		return children[0]
	}
	return or{children: children}
}

// Parse parses a comma-separated filter spec (spec.md §4.2: "comma-separated
// tokens folded with or") into a single Matcher. Recognized literal tokens
// are "<all>", "<none>", "<up>", "<down>", "<self>", "<owner>"; anything
// else is treated as a glob pattern over node ids.
func Parse(spec string) model.Matcher {
	tokens := strings.Split(spec, ",")
	matchers := make([]model.Matcher, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		matchers = append(matchers, parseToken(tok))
	}
	return Or(matchers...)
}

func parseToken(tok string) model.Matcher {
	switch tok {
	case "<all>":
		return All
	case "<none>":
		return None
	case "<up>":
		return Up
	case "<down>":
		return Down
	case "<self>":
		return Self
	case "<owner>":
		return Owner
	default:
		return Glob(tok)
	}
}
