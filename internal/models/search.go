package models

import "time"

type SearchRequest struct {
	Query      string `json:"query"`
	Limit      int    `json:"limit,omitempty"`
	ForceFresh bool   `json:"force_fresh,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

type SearchResponse struct {
	Results  []SearchResult   `json:"results"`
	Total    int              `json:"total"`
	TookMs   int64            `json:"took_ms"`
	Source   string           `json:"source"`
	Metadata ResponseMetadata `json:"metadata"`
}

type SearchResult struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Score       float64   `json:"score"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	Description string    `json:"description,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
}

type ResponseMetadata struct {
	RequestID  string `json:"request_id"`
	Source     string `json:"source"`
	CacheHit   bool   `json:"cache_hit"`
	Location   string `json:"location,omitempty"`
	TimePeriod string `json:"time_period,omitempty"`
	MediaType  string `json:"media_type"`
	OwnerOnly  bool   `json:"owner_only"`
	Stale      bool   `json:"stale,omitempty"`
}
