package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds the FHIR paging parameters of a search request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count and _offset from the request.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Window returns the [start, end) bounds of the page within total results.
func (p Params) Window(total int) (start, end int) {
	start = min(p.Offset, total)
	end = min(start+p.Limit, total)
	return start, end
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// FHIRLinks generates Bundle paging links for a search result. filters are
// carried into every link alongside _offset and _count.
func (p Params) FHIRLinks(basePath string, filters url.Values, total int) []FHIRLink {
	links := []FHIRLink{{Relation: "self", URL: p.linkURL(basePath, filters, p.Offset)}}

	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: p.linkURL(basePath, filters, p.NextOffset())})
	}
	if p.HasPrevious() {
		links = append(links, FHIRLink{Relation: "previous", URL: p.linkURL(basePath, filters, p.PreviousOffset())})
	}
	return links
}

func (p Params) linkURL(basePath string, filters url.Values, offset int) string {
	q := url.Values{}
	for k, v := range filters {
		q[k] = append([]string(nil), v...)
	}
	q.Set("_offset", strconv.Itoa(offset))
	q.Set("_count", strconv.Itoa(p.Limit))
	return basePath + "?" + q.Encode()
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
