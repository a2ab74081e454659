// Package labelindex maintains the visual-label index: a normalized label
// mapped to the set of media ids the vision classifier tagged with it.
// Classification happens once per item at build time; search only reads the
// pre-built map.
package labelindex

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/models"
	"github.com/nikolarss0n/mediafind/internal/observability"
	"github.com/nikolarss0n/mediafind/internal/store"
)

const indexName = "labels"

// minAttemptsBeforeAbort keeps a couple of early classifier hiccups from
// tripping the failure-ratio abort.
const minAttemptsBeforeAbort = 10

// ClassifyFunc asks the vision collaborator for the labels of one media item.
type ClassifyFunc func(ctx context.Context, mediaID string) ([]string, error)

type ProgressFunc func(current, total int, lastLabel string)

type LabelIndex struct {
	abortFailureRatio float64
	store             *store.Store
	logger            *zap.Logger

	mu         sync.RWMutex
	labels     map[string]map[string]struct{}
	labelsByID map[string][]string
}

func New(abortFailureRatio float64, st *store.Store, logger *zap.Logger) *LabelIndex {
	return &LabelIndex{
		abortFailureRatio: abortFailureRatio,
		store:             st,
		logger:            logger,
		labels:            make(map[string]map[string]struct{}),
		labelsByID:        make(map[string][]string),
	}
}

func (l *LabelIndex) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	persisted, err := l.store.LoadIndex(ctx, indexName)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.labels = make(map[string]map[string]struct{}, len(persisted))
	l.labelsByID = make(map[string][]string)
	for label, ids := range persisted {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
			l.labelsByID[id] = append(l.labelsByID[id], label)
		}
		l.labels[label] = set
	}
	observability.IndexSize.WithLabelValues(indexName).Set(float64(len(l.labelsByID)))

	l.logger.Info("label index loaded",
		zap.Int("labels", len(l.labels)),
		zap.Int("items", len(l.labelsByID)),
	)
	return nil
}

// Build classifies each id once (up to limit, if positive) and files it under
// every returned label. A failed classification is a per-item skip unless the
// failure ratio crosses the abort threshold. Cancellation is observed at item
// boundaries; partial state is committed, not rolled back.
func (l *LabelIndex) Build(ctx context.Context, ids []string, limit int, classify ClassifyFunc, onProgress ProgressFunc) (models.BuildStats, error) {
	var stats models.BuildStats

	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	total := len(ids)

	var failures int
	var lastLabel string

	for i, id := range ids {
		if ctx.Err() != nil {
			stats.Cancelled = true
			break
		}

		labels, err := classify(ctx, id)
		stats.ItemsProcessed++
		if err != nil {
			failures++
			stats.ItemsSkipped++
			l.logger.Warn("classification failed, skipping item",
				zap.String("media_id", id),
				zap.Error(err),
			)
			observability.ClassifierRequestsTotal.WithLabelValues("error").Inc()

			if stats.ItemsProcessed >= minAttemptsBeforeAbort &&
				l.abortFailureRatio > 0 &&
				float64(failures)/float64(stats.ItemsProcessed) >= l.abortFailureRatio {
				l.logger.Error("aborting label build, classifier failure ratio exceeded",
					zap.Int("failures", failures),
					zap.Int("attempts", stats.ItemsProcessed),
				)
				break
			}
			continue
		}
		observability.ClassifierRequestsTotal.WithLabelValues("success").Inc()

		normalized := normalizeLabels(labels)
		if len(normalized) > 0 {
			l.insertLocked(id, normalized)
			stats.ItemsIndexed++
			lastLabel = normalized[len(normalized)-1]
		}

		if onProgress != nil {
			onProgress(i+1, total, lastLabel)
		}
	}

	if err := l.persist(ctx); err != nil {
		l.logger.Warn("persisting label index failed", zap.Error(err))
	}
	observability.IndexSize.WithLabelValues(indexName).Set(float64(l.itemCount()))

	return stats, nil
}

// Insert files one item under the given labels. Used by the change feed.
func (l *LabelIndex) Insert(ctx context.Context, id string, labels []string) error {
	normalized := normalizeLabels(labels)
	if len(normalized) == 0 {
		return nil
	}
	l.insertLocked(id, normalized)

	if l.store != nil {
		if err := l.store.DeleteEntries(ctx, indexName, id); err != nil {
			return err
		}
		if err := l.store.InsertEntries(ctx, indexName, id, normalized); err != nil {
			return err
		}
	}
	observability.IndexSize.WithLabelValues(indexName).Set(float64(l.itemCount()))
	return nil
}

func (l *LabelIndex) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	for _, label := range l.labelsByID[id] {
		delete(l.labels[label], id)
		if len(l.labels[label]) == 0 {
			delete(l.labels, label)
		}
	}
	delete(l.labelsByID, id)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.DeleteEntries(ctx, indexName, id); err != nil {
			return err
		}
	}
	observability.IndexSize.WithLabelValues(indexName).Set(float64(l.itemCount()))
	return nil
}

// Lookup returns the union of ids under the requested labels (OR semantics).
// Unknown labels contribute nothing; they are not an error.
func (l *LabelIndex) Lookup(labels []string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, label := range labels {
		normalized := normalizeLabel(label)
		for id := range l.labels[normalized] {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Labels returns every distinct label currently indexed.
func (l *LabelIndex) Labels() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.labels))
	for label := range l.labels {
		out = append(out, label)
	}
	return out
}

func (l *LabelIndex) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.labels = make(map[string]map[string]struct{})
	l.labelsByID = make(map[string][]string)
	l.mu.Unlock()

	observability.IndexSize.WithLabelValues(indexName).Set(0)

	if l.store != nil {
		return l.store.ClearIndex(ctx, indexName)
	}
	return nil
}

func (l *LabelIndex) Stats() models.IndexStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return models.IndexStats{
		ItemsIndexed:    len(l.labelsByID),
		ItemsWithLabels: len(l.labelsByID),
		Buckets:         len(l.labels),
	}
}

func (l *LabelIndex) insertLocked(id string, normalized []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-inserting replaces the item's previous labels so rebuilds with
	// identical classifier output stay idempotent.
	for _, label := range l.labelsByID[id] {
		delete(l.labels[label], id)
		if len(l.labels[label]) == 0 {
			delete(l.labels, label)
		}
	}

	for _, label := range normalized {
		if l.labels[label] == nil {
			l.labels[label] = make(map[string]struct{})
		}
		l.labels[label][id] = struct{}{}
	}
	l.labelsByID[id] = normalized
}

func (l *LabelIndex) persist(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	l.mu.RLock()
	snapshot := make(map[string][]string, len(l.labels))
	for label, set := range l.labels {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		snapshot[label] = ids
	}
	l.mu.RUnlock()

	return l.store.ReplaceIndex(ctx, indexName, snapshot)
}

func (l *LabelIndex) itemCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.labelsByID)
}

func normalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	var out []string
	for _, label := range labels {
		n := normalizeLabel(label)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
