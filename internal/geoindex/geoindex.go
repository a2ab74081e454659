// Package geoindex maintains the geospatial bucket index: a fixed-precision
// geohash key mapped to the set of media ids located in that cell. The index
// is a rebuildable cache: built from the library, persisted locally, and
// discarded wholesale by Clear.
package geoindex

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/models"
	"github.com/nikolarss0n/mediafind/internal/observability"
	"github.com/nikolarss0n/mediafind/internal/store"
)

const indexName = "geo"

// Geocoder resolves a free-text place name to approximate coordinates.
// A name the collaborator cannot resolve reports found=false, not an error.
type Geocoder interface {
	Resolve(ctx context.Context, name string) (lat, lng float64, found bool, err error)
}

type ProgressFunc func(current, total int)

type GeoIndex struct {
	precision int
	geocoder  Geocoder
	store     *store.Store
	logger    *zap.Logger

	mu           sync.RWMutex
	buckets      map[string]map[string]struct{}
	bucketByID   map[string]string
	itemsScanned int
}

func New(precision int, geocoder Geocoder, st *store.Store, logger *zap.Logger) *GeoIndex {
	return &GeoIndex{
		precision:  precision,
		geocoder:   geocoder,
		store:      st,
		logger:     logger,
		buckets:    make(map[string]map[string]struct{}),
		bucketByID: make(map[string]string),
	}
}

// Load restores the persisted index. Called once on startup, before any
// build or lookup.
func (g *GeoIndex) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	persisted, err := g.store.LoadIndex(ctx, indexName)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.buckets = make(map[string]map[string]struct{}, len(persisted))
	g.bucketByID = make(map[string]string)
	for bucket, ids := range persisted {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
			g.bucketByID[id] = bucket
		}
		g.buckets[bucket] = set
	}
	g.itemsScanned = len(g.bucketByID)
	observability.IndexSize.WithLabelValues(indexName).Set(float64(len(g.bucketByID)))

	g.logger.Info("geo index loaded",
		zap.Int("buckets", len(g.buckets)),
		zap.Int("items", len(g.bucketByID)),
	)
	return nil
}

// Build streams through the library once and buckets every item that carries
// both coordinates. Items without a location count as processed but are not
// indexed; a malformed coordinate pair is skipped, not fatal. Cancellation is
// observed at item boundaries and leaves partial state in place.
func (g *GeoIndex) Build(ctx context.Context, items []models.MediaItem, onProgress ProgressFunc) (models.BuildStats, error) {
	var stats models.BuildStats
	total := len(items)

	for i, item := range items {
		if ctx.Err() != nil {
			stats.Cancelled = true
			break
		}

		stats.ItemsProcessed++

		if item.HasLocation() {
			lat, lng := *item.Latitude, *item.Longitude
			if !validCoordinates(lat, lng) {
				stats.ItemsSkipped++
				g.logger.Warn("skipping item with out-of-range coordinates",
					zap.String("media_id", item.ID),
					zap.Float64("lat", lat),
					zap.Float64("lng", lng),
				)
			} else {
				g.insertLocked(item.ID, lat, lng)
				stats.ItemsIndexed++
			}
		}

		if onProgress != nil {
			onProgress(i+1, total)
		}
	}

	g.mu.Lock()
	g.itemsScanned = stats.ItemsProcessed
	g.mu.Unlock()

	if err := g.persist(ctx); err != nil {
		g.logger.Warn("persisting geo index failed", zap.Error(err))
	}
	observability.IndexSize.WithLabelValues(indexName).Set(float64(g.locationCount()))

	return stats, nil
}

// Insert adds or relocates a single item. Used by the change feed; the bulk
// Build path does its own persistence.
func (g *GeoIndex) Insert(ctx context.Context, id string, lat, lng float64) error {
	if !validCoordinates(lat, lng) {
		return nil
	}

	bucket := g.insertLocked(id, lat, lng)

	if g.store != nil {
		if err := g.store.DeleteEntries(ctx, indexName, id); err != nil {
			return err
		}
		if err := g.store.InsertEntries(ctx, indexName, id, []string{bucket}); err != nil {
			return err
		}
	}
	observability.IndexSize.WithLabelValues(indexName).Set(float64(g.locationCount()))
	return nil
}

func (g *GeoIndex) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	if bucket, ok := g.bucketByID[id]; ok {
		delete(g.buckets[bucket], id)
		if len(g.buckets[bucket]) == 0 {
			delete(g.buckets, bucket)
		}
		delete(g.bucketByID, id)
	}
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.DeleteEntries(ctx, indexName, id); err != nil {
			return err
		}
	}
	observability.IndexSize.WithLabelValues(indexName).Set(float64(g.locationCount()))
	return nil
}

// Lookup resolves a place name through the geocoding collaborator and
// returns the union of ids in the 3x3 bucket neighborhood around the
// resolved point. An unresolvable name yields an empty set, not an error.
func (g *GeoIndex) Lookup(ctx context.Context, name string) ([]string, error) {
	if name == "" || g.geocoder == nil {
		return nil, nil
	}

	lat, lng, found, err := g.geocoder.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		g.logger.Debug("place name unresolved", zap.String("name", name))
		return nil, nil
	}

	keys := neighborhood(lat, lng, g.precision)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for _, key := range keys {
		for id := range g.buckets[key] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (g *GeoIndex) Clear(ctx context.Context) error {
	g.mu.Lock()
	g.buckets = make(map[string]map[string]struct{})
	g.bucketByID = make(map[string]string)
	g.itemsScanned = 0
	g.mu.Unlock()

	observability.IndexSize.WithLabelValues(indexName).Set(0)

	if g.store != nil {
		return g.store.ClearIndex(ctx, indexName)
	}
	return nil
}

func (g *GeoIndex) Stats() models.IndexStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return models.IndexStats{
		ItemsIndexed:      g.itemsScanned,
		ItemsWithLocation: len(g.bucketByID),
		Buckets:           len(g.buckets),
	}
}

// insertLocked puts the id into exactly one bucket at the configured
// precision, relocating it if it was bucketed elsewhere.
func (g *GeoIndex) insertLocked(id string, lat, lng float64) string {
	bucket := Encode(lat, lng, g.precision)

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.bucketByID[id]; ok && prev != bucket {
		delete(g.buckets[prev], id)
		if len(g.buckets[prev]) == 0 {
			delete(g.buckets, prev)
		}
	}
	if g.buckets[bucket] == nil {
		g.buckets[bucket] = make(map[string]struct{})
	}
	g.buckets[bucket][id] = struct{}{}
	g.bucketByID[id] = bucket
	return bucket
}

func (g *GeoIndex) persist(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	g.mu.RLock()
	snapshot := make(map[string][]string, len(g.buckets))
	for bucket, set := range g.buckets {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		snapshot[bucket] = ids
	}
	g.mu.RUnlock()

	return g.store.ReplaceIndex(ctx, indexName, snapshot)
}

func (g *GeoIndex) locationCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.bucketByID)
}

func validCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
