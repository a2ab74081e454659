package library

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/models"
)

// Library supplies read-only media records. Implementations must tolerate
// concurrent readers.
type Library interface {
	All(ctx context.Context) ([]models.MediaItem, error)
	Recent(ctx context.Context, n int) ([]models.MediaItem, error)
	ItemsByID(ctx context.Context, ids []string) ([]models.MediaItem, error)
	Videos(ctx context.Context) ([]models.MediaItem, error)
}

// ManifestLibrary serves media records from a JSON manifest file, kept
// current between reloads by applying change events.
type ManifestLibrary struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	items map[string]models.MediaItem
}

type manifestEntry struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

func NewManifestLibrary(path string, logger *zap.Logger) (*ManifestLibrary, error) {
	ml := &ManifestLibrary{
		path:   path,
		logger: logger,
		items:  make(map[string]models.MediaItem),
	}
	if err := ml.Reload(); err != nil {
		return nil, err
	}
	return ml, nil
}

// Reload re-reads the manifest file, replacing the in-memory view.
func (ml *ManifestLibrary) Reload() error {
	data, err := os.ReadFile(ml.path)
	if err != nil {
		return fmt.Errorf("reading manifest %s: %w", ml.path, err)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing manifest %s: %w", ml.path, err)
	}

	items := make(map[string]models.MediaItem, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			ml.logger.Warn("manifest entry without id skipped")
			continue
		}
		items[e.ID] = models.MediaItem{
			ID:          e.ID,
			Kind:        parseKind(e.Kind),
			Latitude:    e.Latitude,
			Longitude:   e.Longitude,
			CreatedAt:   e.CreatedAt,
			Description: e.Description,
		}
	}

	ml.mu.Lock()
	ml.items = items
	ml.mu.Unlock()

	ml.logger.Info("library manifest loaded",
		zap.String("path", ml.path),
		zap.Int("items", len(items)),
	)
	return nil
}

func parseKind(kind string) models.MediaType {
	switch kind {
	case "photo":
		return models.MediaTypePhoto
	case "video":
		return models.MediaTypeVideo
	default:
		return models.MediaTypeAll
	}
}

func (ml *ManifestLibrary) All(_ context.Context) ([]models.MediaItem, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	out := make([]models.MediaItem, 0, len(ml.items))
	for _, item := range ml.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (ml *ManifestLibrary) Recent(_ context.Context, n int) ([]models.MediaItem, error) {
	ml.mu.RLock()
	out := make([]models.MediaItem, 0, len(ml.items))
	for _, item := range ml.items {
		out = append(out, item)
	}
	ml.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (ml *ManifestLibrary) ItemsByID(_ context.Context, ids []string) ([]models.MediaItem, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	out := make([]models.MediaItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := ml.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (ml *ManifestLibrary) Videos(_ context.Context) ([]models.MediaItem, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	var out []models.MediaItem
	for _, item := range ml.items {
		if item.Kind == models.MediaTypeVideo {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert applies a create or update change event to the in-memory view.
// The manifest file itself is owned by the library exporter and is not
// rewritten here.
func (ml *ManifestLibrary) Upsert(item models.MediaItem) {
	if item.ID == "" {
		return
	}
	ml.mu.Lock()
	ml.items[item.ID] = item
	ml.mu.Unlock()
}

// Remove applies a delete change event to the in-memory view.
func (ml *ManifestLibrary) Remove(id string) {
	ml.mu.Lock()
	delete(ml.items, id)
	ml.mu.Unlock()
}

// Size reports the current item count.
func (ml *ManifestLibrary) Size() int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return len(ml.items)
}
