package tgui

import "fmt"

// Page is one window over a list, produced by Paginate. Index is the
// clamped 0-based page; From/To bound the window half-open over the source
// slice.
type Page[T any] struct {
	Items   []T
	Index   int
	Size    int
	From    int
	To      int
	Total   int
	HasPrev bool
	HasNext bool
}

// Paginate slices items into the requested page. Out-of-range pages clamp
// instead of erroring: negative pages land on the first page, pages past
// the end yield an empty window at the tail.
func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	if page < 0 {
		page = 0
	}
	total := len(items)
	from := page * size
	if from > total {
		from = total
	}
	to := from + size
	if to > total {
		to = total
	}
	return Page[T]{
		Items:   items[from:to],
		Index:   page,
		Size:    size,
		From:    from,
		To:      to,
		Total:   total,
		HasPrev: page > 0,
		HasNext: to < total,
	}
}

// Label renders the page position for list footers, e.g.
// "Page 2/5 • 11–20 of 47".
func (p Page[T]) Label() string {
	size := p.Size
	if size <= 0 {
		size = 10
	}
	if p.Total <= 0 {
		return "Page 1/1"
	}
	pages := (p.Total + size - 1) / size
	idx := p.Index
	if idx >= pages {
		idx = pages - 1
	}
	if idx < 0 {
		idx = 0
	}
	from := idx*size + 1
	to := (idx + 1) * size
	if to > p.Total {
		to = p.Total
	}
	return fmt.Sprintf("Page %d/%d • %d–%d of %d", idx+1, pages, from, to, p.Total)
}
