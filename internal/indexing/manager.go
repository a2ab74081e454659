package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/config"
	"github.com/nikolarss0n/mediafind/internal/geoindex"
	"github.com/nikolarss0n/mediafind/internal/labelindex"
	"github.com/nikolarss0n/mediafind/internal/models"
	"github.com/nikolarss0n/mediafind/internal/observability"
	"github.com/nikolarss0n/mediafind/internal/vision"
)

const (
	IndexGeo    = "geo"
	IndexLabels = "labels"
)

// ErrBuildInProgress signals that a build for the requested index is
// already running. Starting a second one is rejected, never queued.
var ErrBuildInProgress = errors.New("index build already in progress")

// ErrUnknownIndex covers requests naming neither the geo nor the label
// index.
var ErrUnknownIndex = errors.New("unknown index")

// Library is the read side of the media library plus the mutations the
// change feed applies to its in-memory view.
type Library interface {
	All(ctx context.Context) ([]models.MediaItem, error)
	Upsert(item models.MediaItem)
	Remove(id string)
}

// Invalidator drops cached search responses after the indexes change.
// Nil disables invalidation.
type Invalidator interface {
	InvalidateSearchResults(ctx context.Context) error
}

// BuildStatus is a point-in-time view of one index's build lifecycle.
type BuildStatus struct {
	Running   bool                 `json:"running"`
	Progress  models.BuildProgress `json:"progress,omitempty"`
	LastStats *models.BuildStats   `json:"last_stats,omitempty"`
	LastError string               `json:"last_error,omitempty"`
}

type run struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	progress models.BuildProgress
}

func (r *run) setProgress(p models.BuildProgress) {
	r.mu.Lock()
	r.progress = p
	r.mu.Unlock()
}

func (r *run) snapshot() models.BuildProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

type indexState struct {
	running   *run
	lastStats *models.BuildStats
	lastErr   error
}

// Manager owns the build lifecycle of both indexes: one build per index
// at a time, cancellable, with progress visible to other goroutines. It
// also applies library change events to keep the indexes fresh between
// full rebuilds.
type Manager struct {
	geo        *geoindex.GeoIndex
	labels     *labelindex.LabelIndex
	library    Library
	classifier vision.Classifier
	inv        Invalidator
	cfg        config.IndexConfig
	logger     *zap.Logger

	mu     sync.Mutex
	states map[string]*indexState
}

func NewManager(
	geo *geoindex.GeoIndex,
	labels *labelindex.LabelIndex,
	lib Library,
	classifier vision.Classifier,
	inv Invalidator,
	cfg config.IndexConfig,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		geo:        geo,
		labels:     labels,
		library:    lib,
		classifier: classifier,
		inv:        inv,
		cfg:        cfg,
		logger:     logger,
		states: map[string]*indexState{
			IndexGeo:    {},
			IndexLabels: {},
		},
	}
}

// Load restores both indexes from their persisted state.
func (m *Manager) Load(ctx context.Context) error {
	if err := m.geo.Load(ctx); err != nil {
		return fmt.Errorf("loading geo index: %w", err)
	}
	if err := m.labels.Load(ctx); err != nil {
		return fmt.Errorf("loading label index: %w", err)
	}
	m.publishSizes()
	return nil
}

// StartBuild launches a background build of the named index. The caller
// gets ErrBuildInProgress if one is already running.
func (m *Manager) StartBuild(index string) error {
	m.mu.Lock()
	st, ok := m.states[index]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}
	if st.running != nil {
		m.mu.Unlock()
		return ErrBuildInProgress
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if m.cfg.BuildTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.cfg.BuildTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	r := &run{cancel: cancel}
	st.running = r
	m.mu.Unlock()

	m.logger.Info("index build started", zap.String("index", index))
	go m.runBuild(ctx, index, r)
	return nil
}

// Cancel stops a running build. It reports whether there was one.
func (m *Manager) Cancel(index string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[index]
	if !ok || st.running == nil {
		return false
	}
	st.running.cancel()
	return true
}

// Status reports the build state of the named index.
func (m *Manager) Status(index string) (BuildStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[index]
	if !ok {
		return BuildStatus{}, fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}

	out := BuildStatus{LastStats: st.lastStats}
	if st.running != nil {
		out.Running = true
		out.Progress = st.running.snapshot()
	}
	if st.lastErr != nil {
		out.LastError = st.lastErr.Error()
	}
	return out, nil
}

// Clear discards the named index entirely. Rejected while a build runs.
func (m *Manager) Clear(ctx context.Context, index string) error {
	m.mu.Lock()
	st, ok := m.states[index]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}
	if st.running != nil {
		m.mu.Unlock()
		return ErrBuildInProgress
	}
	m.mu.Unlock()

	var err error
	switch index {
	case IndexGeo:
		err = m.geo.Clear(ctx)
	case IndexLabels:
		err = m.labels.Clear(ctx)
	}
	if err != nil {
		return fmt.Errorf("clearing %s index: %w", index, err)
	}

	m.publishSizes()
	m.invalidate()
	return nil
}

// Stats reports the current cardinality of both indexes.
func (m *Manager) Stats() map[string]models.IndexStats {
	return map[string]models.IndexStats{
		IndexGeo:    m.geo.Stats(),
		IndexLabels: m.labels.Stats(),
	}
}

func (m *Manager) runBuild(ctx context.Context, index string, r *run) {
	defer r.cancel()

	start := time.Now()
	stats, err := m.buildIndex(ctx, index, r)

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case stats.Cancelled:
		status = "cancelled"
	}

	observability.IndexBuildDuration.WithLabelValues(index, status).Observe(time.Since(start).Seconds())
	observability.IndexBuildItemsTotal.WithLabelValues(index, "processed").Add(float64(stats.ItemsProcessed))
	observability.IndexBuildItemsTotal.WithLabelValues(index, "indexed").Add(float64(stats.ItemsIndexed))
	observability.IndexBuildItemsTotal.WithLabelValues(index, "skipped").Add(float64(stats.ItemsSkipped))

	m.mu.Lock()
	st := m.states[index]
	st.running = nil
	st.lastStats = &stats
	st.lastErr = err
	m.mu.Unlock()

	m.publishSizes()
	m.invalidate()

	if err != nil {
		m.logger.Error("index build failed",
			zap.String("index", index),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("index build finished",
		zap.String("index", index),
		zap.String("status", status),
		zap.Int("processed", stats.ItemsProcessed),
		zap.Int("indexed", stats.ItemsIndexed),
		zap.Int("skipped", stats.ItemsSkipped),
		zap.Duration("duration", time.Since(start)),
	)
}

func (m *Manager) buildIndex(ctx context.Context, index string, r *run) (models.BuildStats, error) {
	items, err := m.library.All(ctx)
	if err != nil {
		return models.BuildStats{}, fmt.Errorf("enumerating library: %w", err)
	}

	interval := m.cfg.ProgressInterval
	if interval <= 0 {
		interval = 1
	}

	switch index {
	case IndexGeo:
		return m.geo.Build(ctx, items, func(current, total int) {
			r.setProgress(models.BuildProgress{Current: current, Total: total})
			if current%interval == 0 || current == total {
				m.logger.Debug("geo build progress", zap.Int("current", current), zap.Int("total", total))
			}
		})

	case IndexLabels:
		if m.classifier == nil {
			return models.BuildStats{}, errors.New("no vision classifier configured")
		}
		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		classify := func(ctx context.Context, mediaID string) ([]string, error) {
			labels, _, err := m.classifier.Classify(ctx, mediaID)
			return labels, err
		}
		return m.labels.Build(ctx, ids, m.cfg.LabelBuildLimit, classify, func(current, total int, lastLabel string) {
			r.setProgress(models.BuildProgress{Current: current, Total: total, LastLabel: lastLabel})
			if current%interval == 0 || current == total {
				m.logger.Debug("label build progress",
					zap.Int("current", current),
					zap.Int("total", total),
					zap.String("last_label", lastLabel),
				)
			}
		})

	default:
		return models.BuildStats{}, fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}
}

// HandleChangeEvent applies one library change-feed event to the library
// view and both indexes. Unknown event types are an error so the consumer
// can dead-letter them.
func (m *Manager) HandleChangeEvent(ctx context.Context, event *models.MediaChangeEvent) error {
	op := event.Type
	if err := m.applyChangeEvent(ctx, event); err != nil {
		observability.IndexChangeEventsTotal.WithLabelValues(op, "error").Inc()
		return err
	}
	observability.IndexChangeEventsTotal.WithLabelValues(op, "success").Inc()
	if !event.Timestamp.IsZero() {
		observability.IndexingLag.Set(time.Since(event.Timestamp).Seconds())
	}
	m.publishSizes()
	m.invalidate()
	return nil
}

func (m *Manager) applyChangeEvent(ctx context.Context, event *models.MediaChangeEvent) error {
	switch event.Type {
	case "CREATE", "UPDATE":
		if event.Item == nil {
			return fmt.Errorf("%s event for %s has no item payload", event.Type, event.MediaID)
		}
		item := *event.Item
		m.library.Upsert(item)

		if item.HasLocation() {
			if err := m.geo.Insert(ctx, item.ID, *item.Latitude, *item.Longitude); err != nil {
				return fmt.Errorf("geo insert %s: %w", item.ID, err)
			}
		} else {
			if err := m.geo.Remove(ctx, item.ID); err != nil {
				return fmt.Errorf("geo remove %s: %w", item.ID, err)
			}
		}

		labels := event.Labels
		if len(labels) == 0 && m.classifier != nil {
			classified, _, err := m.classifier.Classify(ctx, item.ID)
			if err != nil {
				// Same degradation as during a build: the item just
				// carries no labels.
				m.logger.Warn("classify on change event failed",
					zap.String("media_id", item.ID),
					zap.Error(err),
				)
			} else {
				labels = classified
			}
		}
		if len(labels) > 0 {
			if err := m.labels.Insert(ctx, item.ID, labels); err != nil {
				return fmt.Errorf("label insert %s: %w", item.ID, err)
			}
		}
		return nil

	case "DELETE":
		m.library.Remove(event.MediaID)
		if err := m.geo.Remove(ctx, event.MediaID); err != nil {
			return fmt.Errorf("geo remove %s: %w", event.MediaID, err)
		}
		if err := m.labels.Remove(ctx, event.MediaID); err != nil {
			return fmt.Errorf("label remove %s: %w", event.MediaID, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown event type: %s", event.Type)
	}
}

func (m *Manager) publishSizes() {
	observability.IndexSize.WithLabelValues(IndexGeo).Set(float64(m.geo.Stats().ItemsWithLocation))
	observability.IndexSize.WithLabelValues(IndexLabels).Set(float64(m.labels.Stats().ItemsWithLabels))
}

func (m *Manager) invalidate() {
	if m.inv == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.inv.InvalidateSearchResults(ctx); err != nil {
			m.logger.Warn("cache invalidation failed", zap.Error(err))
		}
	}()
}
