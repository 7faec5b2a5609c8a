package shard

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/oev-cli/internal/grid"
)

// Kind is the geometry type of a sharded relation.
type Kind string

// Supported geometry kinds.
const (
	KindPoint   Kind = "point"
	KindLine    Kind = "line"
	KindPolygon Kind = "polygon"
)

// DefaultMaxVertices bounds fragment complexity when a request leaves it unset.
const DefaultMaxVertices = 30

// Op is a comparison operator allowed in filter predicates.
type Op string

// Allowed filter operators.
const (
	OpEq        Op = "="
	OpNe        Op = "<>"
	OpLt        Op = "<"
	OpLe        Op = "<="
	OpGt        Op = ">"
	OpGe        Op = ">="
	OpIsNull    Op = "IS NULL"
	OpIsNotNull Op = "IS NOT NULL"
)

var validOps = map[Op]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLe: true, OpGt: true, OpGe: true,
	OpIsNull: true, OpIsNotNull: true,
}

// Filter is a single "column op value" predicate. Value is bound as a query
// parameter and ignored for the NULL operators.
type Filter struct {
	Column string `json:"column"`
	Op     Op     `json:"op"`
	Value  any    `json:"value,omitempty"`
}

// Request describes one sharding run.
type Request struct {
	Source      string     // source relation, optionally schema-qualified
	Columns     []string   // attribute columns carried over; geometry is always "geom"
	Filters     []Filter   // ANDed predicates on the source
	Kind        Kind       // geometry kind of the source
	MaxVertices int        // vertex budget per fragment (lines and polygons)
	Dest        string     // destination relation, optionally schema-qualified
	Append      bool       // add rows instead of replacing dest
	Level       grid.Level // shard cell level
}

// Result summarises a completed run.
type Result struct {
	Fragments int64 `json:"fragments"`
	Rows      int64 `json:"rows"`
	Cells     int   `json:"cells"`
}

// validate applies defaults and rejects malformed requests.
func (r *Request) validate() error {
	if r.Source == "" {
		return eris.New("shard: source relation is required")
	}
	if r.Dest == "" {
		return eris.New("shard: destination relation is required")
	}
	if r.Level == 0 {
		r.Level = grid.DefaultLevel
	}
	if err := grid.ValidateLevel(r.Level); err != nil {
		return err
	}
	switch r.Kind {
	case KindPoint:
	case KindLine, KindPolygon:
		if r.MaxVertices == 0 {
			r.MaxVertices = DefaultMaxVertices
		}
		// ST_Subdivide rejects budgets below 5.
		if r.MaxVertices < 5 {
			return eris.Errorf("shard: max vertices %d below minimum of 5", r.MaxVertices)
		}
	default:
		return eris.Errorf("shard: unsupported geometry kind %q", r.Kind)
	}
	for _, c := range r.Columns {
		if c == "" {
			return eris.New("shard: empty column name")
		}
		if c == "geom" || c == "shard_key" || c == "fragment_id" {
			return eris.Errorf("shard: column %q is reserved", c)
		}
	}
	for _, f := range r.Filters {
		if f.Column == "" {
			return eris.New("shard: filter column is required")
		}
		if !validOps[f.Op] {
			return eris.Errorf("shard: unsupported filter operator %q", f.Op)
		}
	}
	return nil
}

// whereClause renders the filters as a parameterised WHERE clause.
func whereClause(filters []Filter) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	var (
		preds []string
		args  []any
	)
	for _, f := range filters {
		col := pgx.Identifier{f.Column}.Sanitize()
		switch f.Op {
		case OpIsNull, OpIsNotNull:
			preds = append(preds, fmt.Sprintf("%s %s", col, f.Op))
		default:
			args = append(args, f.Value)
			preds = append(preds, fmt.Sprintf("%s %s $%d", col, f.Op, len(args)))
		}
	}
	return " WHERE " + strings.Join(preds, " AND "), args
}

// prefixed quotes cols and qualifies them with alias.
func prefixed(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}

// withComma returns s followed by ", " when s is non-empty.
func withComma(s string) string {
	if s == "" {
		return ""
	}
	return s + ", "
}

// sibling names a helper relation next to table: "transit.x" -> "transit.x_suffix".
func sibling(table, suffix string) string {
	return table + "_" + suffix
}

// collectionType is the ST_CollectionExtract type for a kind.
func collectionType(k Kind) int {
	switch k {
	case KindPoint:
		return 1
	case KindLine:
		return 2
	default:
		return 3
	}
}
