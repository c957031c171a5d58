package api

import (
	"net/http"
	"strconv"
)

// PaginationParams are the parsed page and limit query values.
type PaginationParams struct {
	Page   int
	Limit  int
	Offset int
}

// PaginatedResponse wraps list data with pagination metadata.
type PaginatedResponse struct {
	Data       any            `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

type PaginationMeta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
}

// ParsePagination reads page and limit, defaulting limit to defaultLimit
// and capping it at maxLimit.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	page = max(page, 1)
	if limit < 1 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	return PaginationParams{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

func NewPaginatedResponse(data any, params PaginationParams, total int64) PaginatedResponse {
	limit := int64(params.Limit)
	pages := int((total + limit - 1) / limit)
	pages = max(pages, 1)
	return PaginatedResponse{
		Data: data,
		Pagination: PaginationMeta{
			Page:       params.Page,
			Limit:      params.Limit,
			Total:      total,
			TotalPages: pages,
			HasMore:    params.Page < pages,
		},
	}
}
