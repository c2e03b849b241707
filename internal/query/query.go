// Package query turns collection request parameters into a Descriptor and
// compiles descriptors into parameterized SQL fragments. Nothing in this
// package talks to a database.
package query

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ErrBadRequest reports malformed query parameters.
var ErrBadRequest = errors.New("query: bad request")

// Operator is a filter comparison.
type Operator string

const (
	OpEq   Operator = "eq"
	OpNe   Operator = "ne"
	OpGt   Operator = "gt"
	OpGte  Operator = "gte"
	OpLt   Operator = "lt"
	OpLte  Operator = "lte"
	OpIn   Operator = "in"
	OpLike Operator = "like"
)

var operators = map[Operator]string{
	OpEq:   "=",
	OpNe:   "<>",
	OpGt:   ">",
	OpGte:  ">=",
	OpLt:   "<",
	OpLte:  "<=",
	OpIn:   "= any",
	OpLike: "like",
}

// Order is one sort key.
type Order struct {
	Column string
	Desc   bool
}

// Descriptor is the parsed form of a collection request.
type Descriptor struct {
	Filters map[string]map[Operator]string
	Fields  map[string][]string
	Sort    []Order
	Limit   int
	Offset  int
}

// PageNumber returns the 1-based page the descriptor points at.
func (d Descriptor) PageNumber() int {
	if d.Limit <= 0 {
		return 1
	}
	return d.Offset/d.Limit + 1
}

// Parse reads page, filter, fields and sort parameters. Keys may use the
// dotted form (page.size, filter.name.like) or the bracket form
// (page[size], filter[name][like]).
func Parse(values url.Values, defaultPageSize, maxPageSize int) (Descriptor, error) {
	if maxPageSize < 1 {
		maxPageSize = 1
	}
	desc := Descriptor{
		Filters: map[string]map[Operator]string{},
		Fields:  map[string][]string{},
		Limit:   clamp(defaultPageSize, 1, maxPageSize),
	}
	pageNumber := 1

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, raw := range keys {
		vals := values[raw]
		if len(vals) == 0 {
			continue
		}
		val := strings.TrimSpace(vals[len(vals)-1])
		parts := splitKey(raw)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "page":
			if len(parts) != 2 {
				return Descriptor{}, fmt.Errorf("%w: unknown page parameter %q", ErrBadRequest, raw)
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return Descriptor{}, fmt.Errorf("%w: %s must be numeric", ErrBadRequest, raw)
			}
			switch parts[1] {
			case "size":
				desc.Limit = clamp(n, 1, maxPageSize)
			case "number":
				if n < 1 {
					return Descriptor{}, fmt.Errorf("%w: page number must be at least 1", ErrBadRequest)
				}
				pageNumber = n
			default:
				return Descriptor{}, fmt.Errorf("%w: unknown page parameter %q", ErrBadRequest, raw)
			}
		case "filter":
			if len(parts) < 2 || len(parts) > 3 || parts[1] == "" {
				return Descriptor{}, fmt.Errorf("%w: malformed filter %q", ErrBadRequest, raw)
			}
			op := OpEq
			if len(parts) == 3 {
				op = Operator(strings.ToLower(parts[2]))
			}
			if _, ok := operators[op]; !ok {
				return Descriptor{}, fmt.Errorf("%w: unsupported filter operator %q", ErrBadRequest, op)
			}
			col := parts[1]
			if desc.Filters[col] == nil {
				desc.Filters[col] = map[Operator]string{}
			}
			desc.Filters[col][op] = val
		case "fields":
			if len(parts) != 2 || parts[1] == "" {
				return Descriptor{}, fmt.Errorf("%w: malformed fields parameter %q", ErrBadRequest, raw)
			}
			desc.Fields[parts[1]] = splitList(val)
		case "sort":
			for _, item := range splitList(val) {
				o := Order{Column: item}
				if strings.HasPrefix(item, "-") {
					o = Order{Column: item[1:], Desc: true}
				}
				if o.Column == "" {
					return Descriptor{}, fmt.Errorf("%w: empty sort column", ErrBadRequest)
				}
				desc.Sort = append(desc.Sort, o)
			}
		}
	}

	if pageNumber-1 > math.MaxInt/desc.Limit {
		return Descriptor{}, fmt.Errorf("%w: page number %d is out of range", ErrBadRequest, pageNumber)
	}
	desc.Offset = (pageNumber - 1) * desc.Limit
	return desc, nil
}

// splitKey turns "filter[name][like]" and "filter.name.like" into
// ["filter","name","like"].
func splitKey(key string) []string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if strings.Contains(key, "[") {
		key = strings.ReplaceAll(key, "]", "")
		return strings.Split(key, "[")
	}
	return strings.Split(key, ".")
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
