package models

// SearchHit is the projection of the block that currently owns a matched label.
type SearchHit struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Label    int     `json:"label"`
	Distance float32 `json:"distance"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Workspace string       `json:"workspace"`
	Query     string       `json:"query"`
	Hits      []*SearchHit `json:"hits"`
	QueryTime int64        `json:"query_time_ms"`
}
