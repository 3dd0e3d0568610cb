package models

// SearchResult is the response to a find: the size of the full ranked list
// and the requested page, in rank order.
type SearchResult struct {
	TotalCount int   `json:"total_count"`
	Page       []Hit `json:"page"`
	Cached     bool  `json:"cached"`
	QueryTime  int64 `json:"query_time_ms"`
}
