package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/config"
	"github.com/nikolarss0n/mediafind/internal/models"
	"github.com/nikolarss0n/mediafind/internal/observability"
)

// GeoSearcher answers "which media ids sit near this place name".
type GeoSearcher interface {
	Lookup(ctx context.Context, name string) ([]string, error)
}

// LabelSearcher answers label-membership queries against the prebuilt
// label index.
type LabelSearcher interface {
	Lookup(labels []string) []string
	Labels() []string
}

// Library is the read-only photo-library collaborator.
type Library interface {
	Recent(ctx context.Context, n int) ([]models.MediaItem, error)
	ItemsByID(ctx context.Context, ids []string) ([]models.MediaItem, error)
	Videos(ctx context.Context) ([]models.MediaItem, error)
}

// PersonMatcher reports whether a media item depicts the library owner.
type PersonMatcher interface {
	ContainsOwner(ctx context.Context, mediaID string) (bool, error)
}

// VideoMatcher is the remote semantic collaborator for video queries. It
// returns zero-based indices into the supplied description list.
type VideoMatcher interface {
	Match(ctx context.Context, query string, descriptions []string) ([]int, error)
}

// SearchCache is the response cache surface the orchestrator depends on.
// A nil cache disables caching entirely.
type SearchCache interface {
	GetSearchResults(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error)
	SetSearchResults(ctx context.Context, req *models.SearchRequest, resp *models.SearchResponse) error
	GetStaleResults(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error)
}

type Orchestrator struct {
	parser    *QueryParser
	geo       GeoSearcher
	labels    LabelSearcher
	library   Library
	person    PersonMatcher
	videos    VideoMatcher
	cache     SearchCache
	slowQuery *observability.SlowQueryDetector
	cfg       config.SearchConfig
	logger    *zap.Logger
}

func New(
	parser *QueryParser,
	geo GeoSearcher,
	labels LabelSearcher,
	library Library,
	person PersonMatcher,
	videos VideoMatcher,
	searchCache SearchCache,
	slowQuery *observability.SlowQueryDetector,
	cfg config.SearchConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		parser:    parser,
		geo:       geo,
		labels:    labels,
		library:   library,
		person:    person,
		videos:    videos,
		cache:     searchCache,
		slowQuery: slowQuery,
		cfg:       cfg,
		logger:    logger,
	}
}

func (o *Orchestrator) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "orchestrator.search",
		attribute.String("query", req.Query),
	)
	defer span.End()

	// Step 1: Parse query
	intent := o.parser.Parse(req.Query)
	mediaType := intent.MediaType.String()
	o.logger.Debug("query parsed",
		zap.String("query", req.Query),
		zap.String("media_type", mediaType),
		zap.String("location", intent.Location),
		zap.Bool("owner_only", intent.IsMyPhotosRequest),
	)

	// Step 2: Normalize limit. An explicit request limit wins over one
	// extracted from the query text.
	req.Limit = o.resolveLimit(req.Limit, intent.Limit)

	// Step 3: Check cache
	if o.cache != nil && !req.ForceFresh {
		cached, err := o.cache.GetSearchResults(ctx, req)
		if err != nil {
			o.logger.Warn("cache lookup error", zap.Error(err))
		}
		if cached != nil {
			cached.Metadata.CacheHit = true
			cached.Metadata.RequestID = req.RequestID
			cached.TookMs = time.Since(start).Milliseconds()
			observability.SearchRequestsTotal.WithLabelValues(mediaType, "cache_hit").Inc()
			return cached, nil
		}
	}

	// Step 4-6: Route, resolve candidates, filter, rank
	resp, err := o.searchWithFallback(ctx, req, intent)
	if err != nil {
		observability.SearchRequestsTotal.WithLabelValues(mediaType, "error").Inc()
		observability.SearchRequestDuration.WithLabelValues(mediaType, "error", "error").Observe(time.Since(start).Seconds())
		return nil, err
	}

	resp.TookMs = time.Since(start).Milliseconds()
	resp.Metadata.RequestID = req.RequestID
	resp.Metadata.Location = intent.Location
	resp.Metadata.TimePeriod = intent.TimePeriod
	resp.Metadata.MediaType = mediaType
	resp.Metadata.OwnerOnly = intent.IsMyPhotosRequest

	// Step 7: Cache results
	if o.cache != nil && !resp.Metadata.Stale {
		if err := o.cache.SetSearchResults(ctx, req, resp); err != nil {
			o.logger.Warn("cache set error", zap.Error(err))
		}
	}

	observability.SearchRequestsTotal.WithLabelValues(mediaType, "success").Inc()
	observability.SearchRequestDuration.WithLabelValues(mediaType, resp.Source, "success").Observe(time.Since(start).Seconds())

	if o.slowQuery != nil {
		o.slowQuery.Intercept(ctx, req.Query, mediaType, time.Since(start), resp.Total, resp.Source)
	}

	return resp, nil
}

func (o *Orchestrator) searchWithFallback(ctx context.Context, req *models.SearchRequest, intent *models.QueryIntent) (*models.SearchResponse, error) {
	resp, err := o.primarySearch(ctx, req, intent)
	if err == nil {
		return resp, nil
	}
	o.logger.Warn("primary search failed, trying stale cache", zap.Error(err))
	observability.FallbackCounter.WithLabelValues("primary_failed").Inc()

	if o.cache != nil {
		stale, cacheErr := o.cache.GetStaleResults(ctx, req)
		if cacheErr == nil && stale != nil {
			stale.Source = "stale_cache"
			stale.Metadata.Source = "stale_cache"
			stale.Metadata.Stale = true
			observability.FallbackCounter.WithLabelValues("stale_cache").Inc()
			return stale, nil
		}
	}

	return nil, fmt.Errorf("search paths exhausted: %w", err)
}

func (o *Orchestrator) primarySearch(ctx context.Context, req *models.SearchRequest, intent *models.QueryIntent) (*models.SearchResponse, error) {
	if o.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.QueryTimeout)
		defer cancel()
	}

	if intent.MediaType == models.MediaTypeVideo && o.videos != nil {
		resp, err := o.semanticVideoSearch(ctx, req, intent)
		if err == nil {
			return resp, nil
		}
		o.logger.Warn("semantic video search failed, falling back to index search", zap.Error(err))
		observability.FallbackCounter.WithLabelValues("semantic_failed").Inc()
	}

	return o.indexSearch(ctx, req, intent)
}

// indexSearch resolves candidates from the prebuilt geo and label indexes.
// Both present means AND semantics, one present means that set alone, and
// neither falls back to the library's recency-ordered listing.
func (o *Orchestrator) indexSearch(ctx context.Context, req *models.SearchRequest, intent *models.QueryIntent) (*models.SearchResponse, error) {
	var (
		geoIDs     []string
		geoApplied bool
	)
	if intent.Location != "" {
		ids, err := o.geo.Lookup(ctx, intent.Location)
		if err != nil {
			o.logger.Warn("geo lookup failed, treating location as unresolved",
				zap.String("location", intent.Location),
				zap.Error(err),
			)
			observability.FallbackCounter.WithLabelValues("geocode_failed").Inc()
		}
		geoIDs = ids
		geoApplied = true
	}

	var (
		labelIDs     []string
		labelApplied bool
	)
	if terms := o.labelTerms(intent); len(terms) > 0 {
		labelIDs = o.labels.Lookup(terms)
		labelApplied = true
	}

	var candidates []string
	switch {
	case geoApplied && labelApplied:
		candidates = intersect(geoIDs, labelIDs)
	case geoApplied:
		candidates = geoIDs
	case labelApplied:
		candidates = labelIDs
	default:
		items, err := o.library.Recent(ctx, o.cfg.MaxLimit)
		if err != nil {
			return nil, fmt.Errorf("recent listing: %w", err)
		}
		return o.finalize(ctx, intent, items, req.Limit, "recent")
	}

	items, err := o.library.ItemsByID(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("resolve candidates: %w", err)
	}
	return o.finalize(ctx, intent, items, req.Limit, "index")
}

// semanticVideoSearch hands the raw query and every video description to the
// remote matcher and treats its index list as the candidate set.
func (o *Orchestrator) semanticVideoSearch(ctx context.Context, req *models.SearchRequest, intent *models.QueryIntent) (*models.SearchResponse, error) {
	videos, err := o.library.Videos(ctx)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}

	described := videos[:0:0]
	for _, v := range videos {
		if v.Description != "" {
			described = append(described, v)
		}
	}
	if len(described) == 0 {
		return o.finalize(ctx, intent, nil, req.Limit, "semantic")
	}

	descriptions := make([]string, len(described))
	for i, v := range described {
		descriptions[i] = v.Description
	}

	indices, err := o.videos.Match(ctx, req.Query, descriptions)
	if err != nil {
		observability.SemanticMatchRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("semantic match: %w", err)
	}
	observability.SemanticMatchRequestsTotal.WithLabelValues("success").Inc()

	var matched []models.MediaItem
	for _, idx := range indices {
		if idx < 0 || idx >= len(described) {
			o.logger.Warn("semantic matcher returned out-of-range index", zap.Int("index", idx))
			continue
		}
		matched = append(matched, described[idx])
	}

	return o.finalize(ctx, intent, matched, req.Limit, "semantic")
}

// finalize applies the ownership and media-type filters, ranks by recency,
// and truncates. An empty result set is a valid response, never an error.
func (o *Orchestrator) finalize(ctx context.Context, intent *models.QueryIntent, items []models.MediaItem, limit int, source string) (*models.SearchResponse, error) {
	filtered := items[:0:0]
	for _, item := range items {
		if intent.MediaType != models.MediaTypeAll && item.Kind != intent.MediaType {
			continue
		}
		if intent.IsMyPhotosRequest && o.person != nil {
			ok, err := o.person.ContainsOwner(ctx, item.ID)
			if err != nil {
				// Degrade to unfiltered for this item rather than
				// silently dropping it.
				o.logger.Warn("person match failed, keeping item",
					zap.String("media_id", item.ID),
					zap.Error(err),
				)
			} else if !ok {
				continue
			}
		}
		filtered = append(filtered, item)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		return filtered[i].ID < filtered[j].ID
	})

	total := len(filtered)
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	results := make([]models.SearchResult, len(filtered))
	for i, item := range filtered {
		results[i] = models.SearchResult{
			ID:          item.ID,
			Kind:        item.Kind.String(),
			Score:       1.0,
			CreatedAt:   item.CreatedAt,
			Description: item.Description,
		}
	}

	return &models.SearchResponse{
		Results:  results,
		Total:    total,
		Source:   source,
		Metadata: models.ResponseMetadata{Source: source},
	}, nil
}

func (o *Orchestrator) resolveLimit(requested, parsed int) int {
	limit := requested
	if limit <= 0 {
		limit = parsed
	}
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}
	if o.cfg.MaxLimit > 0 && limit > o.cfg.MaxLimit {
		limit = o.cfg.MaxLimit
	}
	return limit
}

// labelTerms derives descriptive tokens from the query and keeps only the
// ones the label index actually knows. Location words, media nouns, and
// parser scaffolding never become label filters.
func (o *Orchestrator) labelTerms(intent *models.QueryIntent) []string {
	known := make(map[string]struct{})
	for _, l := range o.labels.Labels() {
		known[l] = struct{}{}
	}
	if len(known) == 0 {
		return nil
	}

	locationWords := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(intent.Location)) {
		locationWords[w] = struct{}{}
	}

	var terms []string
	seen := make(map[string]struct{})
	for _, raw := range strings.Fields(strings.ToLower(intent.SearchTerms)) {
		word := strings.Trim(raw, ".,!?")
		if word == "" {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		if _, skip := queryScaffolding[word]; skip {
			continue
		}
		if _, loc := locationWords[word]; loc {
			continue
		}
		if _, ok := known[word]; !ok {
			continue
		}
		seen[word] = struct{}{}
		terms = append(terms, word)
	}
	return terms
}

// queryScaffolding holds words that carry query structure rather than
// content and must never be treated as label candidates.
var queryScaffolding = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "my": {}, "me": {}, "i": {},
	"of": {}, "from": {}, "at": {}, "in": {}, "near": {}, "with": {},
	"and": {}, "or": {}, "where": {}, "when": {}, "that": {}, "this": {},
	"show": {}, "find": {}, "get": {}, "all": {}, "some": {},
	"photo": {}, "photos": {}, "picture": {}, "pictures": {},
	"image": {}, "images": {}, "video": {}, "videos": {}, "media": {},
	"last": {}, "latest": {}, "recent": {}, "top": {},
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	inA := make(map[string]struct{}, len(a))
	for _, id := range a {
		inA[id] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{})
	for _, id := range b {
		if _, ok := inA[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
