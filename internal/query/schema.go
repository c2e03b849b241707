package query

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ColumnType tells Compile how to bind filter values for a column.
type ColumnType int

const (
	ColumnText ColumnType = iota
	ColumnBool
	ColumnTime
	ColumnJSON
)

// cast is the parameter cast for a column type; text needs none.
func (t ColumnType) cast() string {
	switch t {
	case ColumnBool:
		return "::boolean"
	case ColumnTime:
		return "::timestamptz"
	}
	return ""
}

// Schema describes one collection resource: its public type name, the
// columns callers may filter, sort and select, and the default sort column.
type Schema struct {
	Type        string
	Columns     []string
	DefaultSort string
	// Alias qualifies column names in compiled SQL, e.g. "g" for "g.name".
	Alias string
	// Types maps non-text columns to their type. Missing columns are text.
	Types map[string]ColumnType
}

func (s Schema) typeOf(col string) ColumnType {
	return s.Types[col]
}

func (s Schema) has(col string) bool {
	for _, c := range s.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// CheckFields validates the sparse fieldset requested for this schema's type.
// It is the one allow-list check shared by every collection handler.
func (s Schema) CheckFields(desc Descriptor) error {
	for typ, cols := range desc.Fields {
		if typ != s.Type {
			return fmt.Errorf("%w: unknown resource type %q in fields", ErrBadRequest, typ)
		}
		for _, c := range cols {
			if !s.has(c) {
				return fmt.Errorf("%w: unknown field %q for %s", ErrBadRequest, c, typ)
			}
		}
	}
	return nil
}

// Selected returns the requested fields for this schema's type, or nil when
// the caller asked for every field.
func (s Schema) Selected(desc Descriptor) []string {
	return desc.Fields[s.Type]
}

// Compiled holds SQL fragments ready to splice into a statement.
type Compiled struct {
	Where   string // empty or "where ..."
	Args    []any
	OrderBy string // "order by ..."
	Limit   int
	Offset  int
}

// LimitClause renders limit/offset placeholders after the filter args.
func (c Compiled) LimitClause() (string, []any) {
	n := len(c.Args)
	args := append(append([]any{}, c.Args...), c.Limit, c.Offset)
	return fmt.Sprintf("limit $%d offset $%d", n+1, n+2), args
}

// Compile renders desc against schema. Unknown filter or sort columns are
// rejected. Extra leading conditions (already using $1..$n) may be supplied
// through base; their args are passed in baseArgs.
func Compile(desc Descriptor, schema Schema, base []string, baseArgs ...any) (Compiled, error) {
	conds := append([]string{}, base...)
	args := append([]any{}, baseArgs...)

	cols := make([]string, 0, len(desc.Filters))
	for col := range desc.Filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	for _, col := range cols {
		if !schema.has(col) {
			return Compiled{}, fmt.Errorf("%w: cannot filter on %q", ErrBadRequest, col)
		}
		ops := desc.Filters[col]
		opNames := make([]string, 0, len(ops))
		for op := range ops {
			opNames = append(opNames, string(op))
		}
		sort.Strings(opNames)
		for _, name := range opNames {
			op := Operator(name)
			sqlOp, ok := operators[op]
			if !ok {
				return Compiled{}, fmt.Errorf("%w: unsupported filter operator %q", ErrBadRequest, op)
			}
			typ := schema.typeOf(col)
			arg, err := filterArg(op, typ, ops[op])
			if err != nil {
				return Compiled{}, fmt.Errorf("%w: filter %s.%s: %v", ErrBadRequest, col, op, err)
			}
			args = append(args, arg)
			ref := schema.qualify(col)
			switch {
			case op == OpLike:
				conds = append(conds, fmt.Sprintf("%s::text like $%d", ref, len(args)))
			case typ == ColumnJSON:
				// jsonb has no ordering against a text parameter
				if op == OpIn {
					conds = append(conds, fmt.Sprintf("%s::text = any($%d)", ref, len(args)))
				} else {
					conds = append(conds, fmt.Sprintf("%s::text %s $%d", ref, sqlOp, len(args)))
				}
			case op == OpIn:
				arrayCast := ""
				if c := typ.cast(); c != "" {
					arrayCast = c + "[]"
				}
				conds = append(conds, fmt.Sprintf("%s = any($%d%s)", ref, len(args), arrayCast))
			default:
				conds = append(conds, fmt.Sprintf("%s %s $%d%s", ref, sqlOp, len(args), typ.cast()))
			}
		}
	}

	out := Compiled{Args: args, Limit: desc.Limit, Offset: desc.Offset}
	if len(conds) > 0 {
		out.Where = "where " + strings.Join(conds, " and ")
	}

	order := desc.Sort
	if len(order) == 0 && schema.DefaultSort != "" {
		order = []Order{{Column: schema.DefaultSort}}
	}
	parts := make([]string, 0, len(order)+1)
	seenID := false
	for _, o := range order {
		if !schema.has(o.Column) {
			return Compiled{}, fmt.Errorf("%w: cannot sort on %q", ErrBadRequest, o.Column)
		}
		dir := "asc"
		if o.Desc {
			dir = "desc"
		}
		if o.Column == "id" {
			seenID = true
		}
		parts = append(parts, schema.qualify(o.Column)+" "+dir)
	}
	if !seenID {
		parts = append(parts, schema.qualify("id")+" asc")
	}
	out.OrderBy = "order by " + strings.Join(parts, ", ")
	return out, nil
}

func (s Schema) qualify(col string) string {
	if s.Alias == "" {
		return col
	}
	return s.Alias + "." + col
}

// filterArg converts a raw filter value into the bind argument for op on a
// column of type typ. Malformed booleans and timestamps are rejected here so
// they never reach the database.
func filterArg(op Operator, typ ColumnType, val string) (any, error) {
	switch op {
	case OpLike:
		if !strings.ContainsAny(val, "%_") {
			return "%" + val + "%", nil
		}
		return val, nil
	case OpIn:
		items := splitList(val)
		if typ == ColumnJSON {
			return items, nil
		}
		for i, item := range items {
			v, err := typedValue(typ, item)
			if err != nil {
				return nil, err
			}
			switch x := v.(type) {
			case time.Time:
				items[i] = x.Format(time.RFC3339Nano)
			case bool:
				items[i] = strconv.FormatBool(x)
			}
		}
		return items, nil
	}
	if typ == ColumnJSON {
		return val, nil
	}
	return typedValue(typ, val)
}

// timeLayouts are the accepted timestamp filter forms; a bare date is UTC
// midnight.
var timeLayouts = []string{time.RFC3339Nano, "2006-01-02"}

func typedValue(typ ColumnType, val string) (any, error) {
	switch typ {
	case ColumnBool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", val)
		}
		return b, nil
	case ColumnTime:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%q is not an RFC 3339 timestamp or date", val)
	}
	return val, nil
}

// Meta is collection pagination metadata.
type Meta struct {
	Count      int `json:"count"`
	Total      int `json:"total"`
	Pages      int `json:"pages"`
	PageSize   int `json:"page_size"`
	PageNumber int `json:"page_number"`
}

// NewMeta derives page counters: pages = ceil(total/limit), page_number =
// floor(offset/limit)+1.
func NewMeta(count, total, limit, offset int) Meta {
	if limit < 1 {
		limit = 1
	}
	pages := 0
	if total > 0 {
		pages = int(math.Ceil(float64(total) / float64(limit)))
	}
	return Meta{
		Count:      count,
		Total:      total,
		Pages:      pages,
		PageSize:   limit,
		PageNumber: offset/limit + 1,
	}
}

// Encode renders desc back into query parameters for the given page, used to
// build pagination links.
func Encode(desc Descriptor, page int) string {
	var b strings.Builder
	add := func(k, v string) {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	cols := make([]string, 0, len(desc.Filters))
	for col := range desc.Filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		ops := make([]string, 0, len(desc.Filters[col]))
		for op := range desc.Filters[col] {
			ops = append(ops, string(op))
		}
		sort.Strings(ops)
		for _, op := range ops {
			key := "filter." + col
			if Operator(op) != OpEq {
				key += "." + op
			}
			add(key, desc.Filters[col][Operator(op)])
		}
	}
	types := make([]string, 0, len(desc.Fields))
	for typ := range desc.Fields {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		add("fields."+typ, strings.Join(desc.Fields[typ], ","))
	}
	if len(desc.Sort) > 0 {
		items := make([]string, 0, len(desc.Sort))
		for _, o := range desc.Sort {
			if o.Desc {
				items = append(items, "-"+o.Column)
			} else {
				items = append(items, o.Column)
			}
		}
		add("sort", strings.Join(items, ","))
	}
	add("page.number", strconv.Itoa(page))
	add("page.size", strconv.Itoa(desc.Limit))
	return b.String()
}
