package tgui

import "fmt"

const defaultPageSize = 10

// Page is one 0-based page of a list of Total items.
type Page struct {
	Index int
	Size  int
	Total int
}

// NewPage clamps index into the list. A size <= 0 means 10.
func NewPage(index, size, total int) Page {
	if size <= 0 {
		size = defaultPageSize
	}
	total = max(total, 0)
	last := max(0, (total-1)/size)
	return Page{Index: min(max(index, 0), last), Size: size, Total: total}
}

func (p Page) Count() int { return max(1, (p.Total+p.Size-1)/p.Size) }

func (p Page) HasPrev() bool { return p.Index > 0 }

func (p Page) HasNext() bool { return (p.Index+1)*p.Size < p.Total }

// Bounds returns the half-open item range of the page.
func (p Page) Bounds() (from, to int) {
	from = min(p.Index*p.Size, p.Total)
	return from, min(from+p.Size, p.Total)
}

// Label reads like "Page 2/3 • 11–20 of 25".
func (p Page) Label() string {
	if p.Total == 0 {
		return "Page 1/1"
	}
	from, to := p.Bounds()
	return fmt.Sprintf("Page %d/%d • %d–%d of %d", p.Index+1, p.Count(), from+1, to, p.Total)
}

// Slice returns the items of p.
func Slice[T any](items []T, p Page) []T {
	from, to := p.Bounds()
	return items[from:to]
}
