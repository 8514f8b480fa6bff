// Package pagination reads page/limit query parameters and applies them to
// in-memory listings such as a folder's mirrored messages.
package pagination

import (
	"net/url"
	"strconv"
)

const (
	MaxLimit     = 100
	DefaultPage  = 1
	DefaultLimit = 10
	DefaultSort  = "newest"
)

// Params is a parsed page request. Page is 1-based.
type Params struct {
	Page   int
	Limit  int
	Offset int
	Sort   string
}

type Option func(*Params)

func WithDefaultLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

func WithDefaultSort(sort string) Option {
	if !isValidSort(sort) {
		return func(*Params) {}
	}
	return func(p *Params) {
		p.Sort = sort
	}
}

func isValidSort(sort string) bool {
	return sort == "newest" || sort == "oldest"
}

func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{Page: DefaultPage, Limit: DefaultLimit, Sort: DefaultSort}
	for _, opt := range opts {
		opt(&params)
	}
	if val, err := strconv.Atoi(q.Get("page")); err == nil && val > 0 {
		params.Page = val
	}
	if val, err := strconv.Atoi(q.Get("limit")); err == nil && val > 0 {
		params.Limit = val
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	if sort := q.Get("sort"); isValidSort(sort) {
		params.Sort = sort
	}
	params.Offset = (params.Page - 1) * params.Limit
	return params
}

type Page[T any] struct {
	Items   []T  `json:"items"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"hasNext"`
}

// Apply cuts the requested page out of items, which must already be in
// newest-first order. "oldest" reverses the order before slicing.
func Apply[T any](items []T, p Params) Page[T] {
	total := len(items)
	ordered := items
	if p.Sort == "oldest" {
		ordered = make([]T, total)
		for i, item := range items {
			ordered[total-1-i] = item
		}
	}
	start := min(p.Offset, total)
	end := min(start+p.Limit, total)
	out := make([]T, end-start)
	copy(out, ordered[start:end])
	return Page[T]{
		Items:   out,
		Page:    p.Page,
		Limit:   p.Limit,
		Total:   total,
		HasNext: end < total,
	}
}
