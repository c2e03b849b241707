package httpapi

import (
	"encoding/json"
	"net/http"

	"tollgate.org/internal/query"
	"tollgate.org/internal/rbac"
)

type links struct {
	Self  string `json:"self"`
	First string `json:"first"`
	Prev  string `json:"prev,omitempty"`
	Next  string `json:"next,omitempty"`
	Last  string `json:"last"`
}

type collection struct {
	Data  []any      `json:"data"`
	Meta  query.Meta `json:"meta"`
	Links links      `json:"links"`
}

// present wraps one page of results in the collection envelope, applying the
// sparse fieldset requested for schema's type.
func present[T any](r *http.Request, schema query.Schema, desc query.Descriptor, page rbac.ListResult[T]) (collection, error) {
	fields := schema.Selected(desc)
	data := make([]any, 0, len(page.Results))
	for _, item := range page.Results {
		v, err := sparse(item, fields)
		if err != nil {
			return collection{}, err
		}
		data = append(data, v)
	}
	return collection{
		Data:  data,
		Meta:  page.Meta,
		Links: pageLinks(r.URL.Path, desc, page.Meta),
	}, nil
}

// sparse keeps only the listed fields of item (plus id). A nil list keeps
// the whole item.
func sparse(item any, fields []string) (any, error) {
	if len(fields) == 0 {
		return item, nil
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(fields)+1)
	if id, ok := all["id"]; ok {
		out["id"] = id
	}
	for _, f := range fields {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func pageLinks(path string, desc query.Descriptor, meta query.Meta) links {
	href := func(page int) string { return path + "?" + query.Encode(desc, page) }
	last := max(meta.Pages, 1)
	l := links{
		Self:  href(meta.PageNumber),
		First: href(1),
		Last:  href(last),
	}
	if meta.PageNumber > 1 {
		l.Prev = href(min(meta.PageNumber-1, last))
	}
	if meta.PageNumber < meta.Pages {
		l.Next = href(meta.PageNumber + 1)
	}
	return l
}

func presentOne(w http.ResponseWriter, code int, item any) {
	writeJSON(w, code, map[string]any{"data": item})
}
