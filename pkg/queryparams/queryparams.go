package queryparams

import "math"

const (
	DefaultPage    = 1
	DefaultPerPage = 20
	MaxPerPage     = 100
	DefaultOrderBy = "desc"
)

// ListParams carries pagination and sorting parsed from the query string.
type ListParams struct {
	Page    int    `query:"page" json:"page"`
	PerPage int    `query:"per_page" json:"per_page"`
	SortBy  string `query:"sort_by" json:"sort_by"`
	OrderBy string `query:"order_by" json:"order_by"`
}

// DefaultListParams returns first-page params sorted by sortBy.
func DefaultListParams(sortBy string) ListParams {
	return ListParams{Page: DefaultPage, PerPage: DefaultPerPage, SortBy: sortBy, OrderBy: DefaultOrderBy}
}

// Validate clamps the params into their allowed ranges.
func (p *ListParams) Validate() {
	if p.Page < 1 {
		p.Page = DefaultPage
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	if p.OrderBy != "asc" && p.OrderBy != "desc" {
		p.OrderBy = DefaultOrderBy
	}
}

// CalculateOffset is the row offset of the current page.
func (p ListParams) CalculateOffset() int {
	return (p.Page - 1) * p.PerPage
}

// PaginationMeta describes the page returned.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
}

// PaginatedResult wraps one page of any list.
type PaginatedResult struct {
	Data interface{}    `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

// CalculateTotalPages rounds up; zero items is zero pages.
func CalculateTotalPages(totalItems int64, perPage int) int {
	if totalItems <= 0 || perPage <= 0 {
		return 0
	}
	return int(math.Ceil(float64(totalItems) / float64(perPage)))
}
