package models

import "time"

type MediaType int

const (
	MediaTypeAll MediaType = iota
	MediaTypePhoto
	MediaTypeVideo
)

func (mt MediaType) String() string {
	switch mt {
	case MediaTypeAll:
		return "all"
	case MediaTypePhoto:
		return "photo"
	case MediaTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// MediaItem is a read-only view of a record supplied by the photo-library
// collaborator. The core never mutates these.
type MediaItem struct {
	ID          string     `json:"id"`
	Kind        MediaType  `json:"kind"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Description string     `json:"description,omitempty"`
}

func (m *MediaItem) HasLocation() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// QueryIntent is the structured result of parsing a free-text query.
// Zero values mean "absent": Location/TimePeriod empty, Limit 0,
// MediaType MediaTypeAll.
type QueryIntent struct {
	SearchTerms       string    `json:"search_terms"`
	IsMyPhotosRequest bool      `json:"is_my_photos_request"`
	Location          string    `json:"location,omitempty"`
	MediaType         MediaType `json:"media_type"`
	Limit             int       `json:"limit,omitempty"`
	TimePeriod        string    `json:"time_period,omitempty"`
}

// IndexStats is a read-only projection of index cardinality.
type IndexStats struct {
	ItemsIndexed      int `json:"items_indexed"`
	ItemsWithLocation int `json:"items_with_location,omitempty"`
	ItemsWithLabels   int `json:"items_with_labels,omitempty"`
	Buckets           int `json:"buckets"`
}

// BuildStats summarizes a completed or cancelled index build.
type BuildStats struct {
	ItemsProcessed int  `json:"items_processed"`
	ItemsIndexed   int  `json:"items_indexed"`
	ItemsSkipped   int  `json:"items_skipped"`
	Cancelled      bool `json:"cancelled"`
}

// BuildProgress is a point-in-time snapshot of a running build, safe to
// deliver to a goroutine other than the build loop.
type BuildProgress struct {
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	LastLabel string `json:"last_label,omitempty"`
}

type MediaChangeEvent struct {
	Type      string     `json:"type"` // CREATE, UPDATE, DELETE
	MediaID   string     `json:"media_id"`
	Item      *MediaItem `json:"item,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Version   int64      `json:"version"`
}
