package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/models"
)

const testManifest = `[
  {"id": "a", "kind": "photo", "latitude": 39.98, "longitude": 23.99, "created_at": "2024-06-01T12:00:00Z"},
  {"id": "b", "kind": "photo", "created_at": "2024-06-03T12:00:00Z"},
  {"id": "c", "kind": "video", "created_at": "2024-06-02T12:00:00Z", "description": "surfing at the beach"}
]`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return path
}

func newTestLibrary(t *testing.T) *ManifestLibrary {
	t.Helper()
	ml, err := NewManifestLibrary(writeManifest(t, testManifest), zap.NewNop())
	if err != nil {
		t.Fatalf("NewManifestLibrary: %v", err)
	}
	return ml
}

func TestLoadManifest(t *testing.T) {
	ml := newTestLibrary(t)
	if ml.Size() != 3 {
		t.Fatalf("size = %d, want 3", ml.Size())
	}

	items, err := ml.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].ID != "a" || !items[0].HasLocation() {
		t.Errorf("item a = %+v, want location present", items[0])
	}
	if items[1].HasLocation() {
		t.Error("item b should have no location")
	}
	if items[2].Kind != models.MediaTypeVideo {
		t.Errorf("item c kind = %v, want video", items[2].Kind)
	}
}

func TestLoadManifest_MissingFile(t *testing.T) {
	if _, err := NewManifestLibrary("/nonexistent/manifest.json", zap.NewNop()); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestLoadManifest_MalformedJSON(t *testing.T) {
	path := writeManifest(t, "{not json")
	if _, err := NewManifestLibrary(path, zap.NewNop()); err == nil {
		t.Fatal("expected error for malformed manifest")
	}
}

func TestLoadManifest_EntriesWithoutIDSkipped(t *testing.T) {
	path := writeManifest(t, `[{"kind": "photo"}, {"id": "x", "kind": "photo"}]`)
	ml, err := NewManifestLibrary(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManifestLibrary: %v", err)
	}
	if ml.Size() != 1 {
		t.Errorf("size = %d, want 1", ml.Size())
	}
}

func TestRecent(t *testing.T) {
	ml := newTestLibrary(t)

	items, err := ml.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].ID != "b" || items[1].ID != "c" {
		t.Errorf("recent order = [%s %s], want [b c]", items[0].ID, items[1].ID)
	}
}

func TestItemsByID(t *testing.T) {
	ml := newTestLibrary(t)

	items, err := ml.ItemsByID(context.Background(), []string{"c", "missing", "a"})
	if err != nil {
		t.Fatalf("ItemsByID: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (unknown ids dropped)", len(items))
	}
	if items[0].ID != "c" || items[1].ID != "a" {
		t.Errorf("order = [%s %s], want requested order [c a]", items[0].ID, items[1].ID)
	}
}

func TestVideos(t *testing.T) {
	ml := newTestLibrary(t)

	videos, err := ml.Videos(context.Background())
	if err != nil {
		t.Fatalf("Videos: %v", err)
	}
	if len(videos) != 1 || videos[0].ID != "c" {
		t.Errorf("videos = %v", videos)
	}
	if videos[0].Description != "surfing at the beach" {
		t.Errorf("description = %q", videos[0].Description)
	}
}

func TestUpsertAndRemove(t *testing.T) {
	ml := newTestLibrary(t)

	ml.Upsert(models.MediaItem{ID: "d", Kind: models.MediaTypePhoto})
	if ml.Size() != 4 {
		t.Errorf("size after upsert = %d, want 4", ml.Size())
	}

	// Update in place, not duplicate.
	ml.Upsert(models.MediaItem{ID: "d", Kind: models.MediaTypeVideo})
	if ml.Size() != 4 {
		t.Errorf("size after update = %d, want 4", ml.Size())
	}
	items, _ := ml.ItemsByID(context.Background(), []string{"d"})
	if len(items) != 1 || items[0].Kind != models.MediaTypeVideo {
		t.Errorf("updated item = %+v", items)
	}

	ml.Remove("d")
	if ml.Size() != 3 {
		t.Errorf("size after remove = %d, want 3", ml.Size())
	}

	// Upsert without id is ignored.
	ml.Upsert(models.MediaItem{})
	if ml.Size() != 3 {
		t.Errorf("size after empty upsert = %d, want 3", ml.Size())
	}
}

func TestReloadReplacesView(t *testing.T) {
	path := writeManifest(t, testManifest)
	ml, err := NewManifestLibrary(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManifestLibrary: %v", err)
	}

	if err := os.WriteFile(path, []byte(`[{"id": "z", "kind": "photo"}]`), 0o644); err != nil {
		t.Fatalf("rewriting manifest: %v", err)
	}
	if err := ml.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if ml.Size() != 1 {
		t.Errorf("size after reload = %d, want 1", ml.Size())
	}
}
