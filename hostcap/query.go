package hostcap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Op is a filter operator from the fixed set the query capability accepts.
type Op string

const (
	OpEq   Op = "="
	OpNeq  Op = "!="
	OpLt   Op = "<"
	OpLte  Op = "<="
	OpGt   Op = ">"
	OpGte  Op = ">="
	OpLike Op = "LIKE"
	OpIn   Op = "IN"
)

var validOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLte: true,
	OpGt: true, OpGte: true, OpLike: true, OpIn: true,
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Condition is one filter predicate.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Descriptor is a declarative query description. It is the only form of
// structured data access available to ordinary modules: the host translates
// it server-side into a parameterized query, so no guest-supplied string
// ever reaches the storage layer as SQL.
type Descriptor struct {
	Table      string      `json:"table"`
	Fields     []string    `json:"fields,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	OrderBy    string      `json:"order_by,omitempty"`
	Desc       bool        `json:"desc,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
}

// Build validates the descriptor and renders it as a parameterized query
// with its argument list.
func (d *Descriptor) Build() (string, []any, error) {
	if !identRe.MatchString(d.Table) {
		return "", nil, fmt.Errorf("invalid table name %q", d.Table)
	}

	cols := "*"
	if len(d.Fields) > 0 {
		for _, f := range d.Fields {
			if !identRe.MatchString(f) {
				return "", nil, fmt.Errorf("invalid field name %q", f)
			}
		}
		cols = strings.Join(d.Fields, ", ")
	}

	var (
		sb   strings.Builder
		args []any
	)
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, d.Table)

	for i, c := range d.Conditions {
		if !identRe.MatchString(c.Field) {
			return "", nil, fmt.Errorf("invalid field name %q", c.Field)
		}
		op := Op(strings.ToUpper(string(c.Op)))
		if op == "" {
			op = OpEq
		}
		if !validOps[op] {
			return "", nil, fmt.Errorf("operator %q not in the allowed set", c.Op)
		}

		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}

		if op == OpIn {
			values, ok := c.Value.([]any)
			if !ok || len(values) == 0 {
				return "", nil, fmt.Errorf("IN condition on %q requires a non-empty list", c.Field)
			}
			fmt.Fprintf(&sb, "%s IN (%s)", c.Field, placeholders(len(values)))
			args = append(args, values...)
			continue
		}

		fmt.Fprintf(&sb, "%s %s ?", c.Field, op)
		args = append(args, c.Value)
	}

	if d.OrderBy != "" {
		if !identRe.MatchString(d.OrderBy) {
			return "", nil, fmt.Errorf("invalid order field %q", d.OrderBy)
		}
		fmt.Fprintf(&sb, " ORDER BY %s", d.OrderBy)
		if d.Desc {
			sb.WriteString(" DESC")
		}
	}

	if d.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", d.Limit)
		if d.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", d.Offset)
		}
	}

	return sb.String(), args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Querier is the narrow interface to the external structured-storage
// collaborator. The runtime calls it; it never implements it.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// ErrElevatedTrust is returned when a module without an elevated-trust
// grant attempts raw query access.
var ErrElevatedTrust = errors.New("raw queries require an elevated-trust grant")

// Query exposes structured data access as host functions.
type Query struct {
	querier  Querier
	elevated map[string]bool
}

// NewQuery creates the query capability. Modules named in elevated may use
// raw query strings; everyone else is limited to descriptors.
func NewQuery(querier Querier, elevated []string) *Query {
	grants := make(map[string]bool, len(elevated))
	for _, name := range elevated {
		grants[name] = true
	}
	return &Query{querier: querier, elevated: grants}
}

// Select handles query_select: decode the descriptor, build the
// parameterized query, run it.
func (q *Query) Select(ctx context.Context, args map[string]any) (any, error) {
	if q.querier == nil {
		return nil, &HostCallError{Capability: "query_select", Err: errors.New("no storage backend configured")}
	}

	var d Descriptor
	if err := decodeArgs(args, &d); err != nil {
		return nil, fmt.Errorf("invalid query descriptor: %w", err)
	}

	query, params, err := d.Build()
	if err != nil {
		return nil, err
	}

	rows, err := q.querier.Query(ctx, query, params...)
	if err != nil {
		return nil, &HostCallError{Capability: "query_select", Err: err}
	}
	return rows, nil
}

// RawFor returns the query_raw host function bound to one module. Without
// an elevated-trust grant the call is refused before touching storage.
func (q *Query) RawFor(module string) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if !q.elevated[module] {
			return nil, ErrElevatedTrust
		}
		if q.querier == nil {
			return nil, &HostCallError{Capability: "query_raw", Err: errors.New("no storage backend configured")}
		}
		query, ok := args["query"].(string)
		if !ok || query == "" {
			return nil, errors.New("query required")
		}
		params, _ := args["args"].([]any)

		rows, err := q.querier.Query(ctx, query, params...)
		if err != nil {
			return nil, &HostCallError{Capability: "query_raw", Err: err}
		}
		return rows, nil
	}
}

// decodeArgs round-trips loosely decoded JSON arguments into a typed
// struct.
func decodeArgs(args map[string]any, out any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
