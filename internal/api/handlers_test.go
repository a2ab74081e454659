package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/config"
	"github.com/nikolarss0n/mediafind/internal/geoindex"
	"github.com/nikolarss0n/mediafind/internal/indexing"
	"github.com/nikolarss0n/mediafind/internal/labelindex"
	"github.com/nikolarss0n/mediafind/internal/models"
)

func newTestHandler() *Handler {
	return &Handler{
		logger: zap.NewNop(),
	}
}

type fakeEventLibrary struct {
	mu    sync.Mutex
	items map[string]models.MediaItem
	block chan struct{}
}

func (f *fakeEventLibrary) All(ctx context.Context) ([]models.MediaItem, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]models.MediaItem, 0, len(f.items))
	for _, item := range f.items {
		items = append(items, item)
	}
	return items, nil
}

func (f *fakeEventLibrary) Upsert(item models.MediaItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		f.items = make(map[string]models.MediaItem)
	}
	f.items[item.ID] = item
}

func (f *fakeEventLibrary) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
}

func newTestIndexHandler(lib *fakeEventLibrary) *Handler {
	logger := zap.NewNop()
	geo := geoindex.New(5, nil, nil, logger)
	labels := labelindex.New(0.5, nil, logger)
	cfg := config.IndexConfig{
		GeohashPrecision:  5,
		AbortFailureRatio: 0.5,
		ProgressInterval:  25,
	}
	manager := indexing.NewManager(geo, labels, lib, nil, nil, cfg, logger)
	return NewHandler(nil, manager, nil, logger)
}

func indexRequest(method, target, index string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("index", index)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestParseSearchRequest_GET(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/search?q=photos+from+santorini&limit=25&force_fresh=true", nil)

	sr, err := h.parseSearchRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sr.Query != "photos from santorini" {
		t.Errorf("expected query 'photos from santorini', got %q", sr.Query)
	}
	if sr.Limit != 25 {
		t.Errorf("expected limit 25, got %d", sr.Limit)
	}
	if !sr.ForceFresh {
		t.Error("expected ForceFresh true")
	}
}

func TestParseSearchRequest_GET_Defaults(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/search?q=sunsets", nil)
	sr, err := h.parseSearchRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sr.Limit != 0 {
		t.Errorf("expected default limit 0, got %d", sr.Limit)
	}
	if sr.ForceFresh {
		t.Error("expected ForceFresh false by default")
	}
}

func TestParseSearchRequest_GET_InvalidLimit(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/search?q=sunsets&limit=abc", nil)
	sr, err := h.parseSearchRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Invalid limit should default to 0
	if sr.Limit != 0 {
		t.Errorf("expected limit 0 for invalid input, got %d", sr.Limit)
	}
}

func TestParseSearchRequest_GET_NegativeLimit(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/search?q=sunsets&limit=-5", nil)
	sr, err := h.parseSearchRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Negative limit should be ignored (stays at default 0)
	if sr.Limit != 0 {
		t.Errorf("expected limit 0 for negative input, got %d", sr.Limit)
	}
}

func TestParseSearchRequest_GET_ForceFreshVariants(t *testing.T) {
	h := newTestHandler()

	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"false", false},
		{"1", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			url := "/search?q=sunsets"
			if tt.value != "" {
				url += "&force_fresh=" + tt.value
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			sr, err := h.parseSearchRequest(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sr.ForceFresh != tt.want {
				t.Errorf("force_fresh=%q: expected %v, got %v", tt.value, tt.want, sr.ForceFresh)
			}
		})
	}
}

func TestParseSearchRequest_POST(t *testing.T) {
	h := newTestHandler()

	body := `{"query":"videos of me surfing","limit":10,"force_fresh":true}`
	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	sr, err := h.parseSearchRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sr.Query != "videos of me surfing" {
		t.Errorf("expected query 'videos of me surfing', got %q", sr.Query)
	}
	if sr.Limit != 10 {
		t.Errorf("expected limit 10, got %d", sr.Limit)
	}
	if !sr.ForceFresh {
		t.Error("expected ForceFresh true")
	}
}

func TestParseSearchRequest_POST_InvalidJSON(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")

	_, err := h.parseSearchRequest(req)
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseSearchRequest_POST_EmptyBody(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(""))
	_, err := h.parseSearchRequest(req)
	if err == nil {
		t.Error("expected error for empty body")
	}
}

func TestWriteJSON(t *testing.T) {
	h := newTestHandler()
	rr := httptest.NewRecorder()

	data := map[string]string{"hello": "world"}
	h.writeJSON(rr, http.StatusOK, data)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Error("expected application/json content type")
	}

	var result map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["hello"] != "world" {
		t.Errorf("unexpected response: %v", result)
	}
}

func TestWriteError(t *testing.T) {
	h := newTestHandler()
	rr := httptest.NewRecorder()

	h.writeError(rr, http.StatusBadRequest, "invalid_request", "Query is required")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}

	var result map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["error"] != "Query is required" {
		t.Errorf("expected error message 'Query is required', got %q", result["error"])
	}
	if result["code"] != "invalid_request" {
		t.Errorf("expected code 'invalid_request', got %q", result["code"])
	}
}

func TestSearch_MissingQuery(t *testing.T) {
	h := newTestHandler()

	// GET without q param
	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rr := httptest.NewRecorder()

	h.Search(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing query, got %d", rr.Code)
	}

	var result map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if result["code"] != "missing_query" {
		t.Errorf("expected code 'missing_query', got %q", result["code"])
	}
}

func TestSearch_InvalidPOSTBody(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader("not json"))
	rr := httptest.NewRecorder()

	h.Search(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", rr.Code)
	}
}

func TestBuildIndex_UnknownIndex(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	rr := httptest.NewRecorder()
	h.BuildIndex(rr, indexRequest(http.MethodPost, "/index/bogus/build", "bogus"))

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown index, got %d", rr.Code)
	}

	var result map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if result["code"] != "unknown_index" {
		t.Errorf("expected code 'unknown_index', got %q", result["code"])
	}
}

func TestBuildIndex_Accepted(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	rr := httptest.NewRecorder()
	h.BuildIndex(rr, indexRequest(http.MethodPost, "/index/geo/build", "geo"))

	if rr.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rr.Code)
	}

	var result map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if result["status"] != "started" {
		t.Errorf("expected status 'started', got %q", result["status"])
	}
}

func TestBuildIndex_ConflictWhileRunning(t *testing.T) {
	lib := &fakeEventLibrary{block: make(chan struct{})}
	h := newTestIndexHandler(lib)

	rr := httptest.NewRecorder()
	h.BuildIndex(rr, indexRequest(http.MethodPost, "/index/geo/build", "geo"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for first build, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.BuildIndex(rr, indexRequest(http.MethodPost, "/index/geo/build", "geo"))
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 for concurrent build, got %d", rr.Code)
	}

	var result map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if result["code"] != "build_in_progress" {
		t.Errorf("expected code 'build_in_progress', got %q", result["code"])
	}

	close(lib.block)
}

func TestCancelBuild_UnknownIndex(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	rr := httptest.NewRecorder()
	h.CancelBuild(rr, indexRequest(http.MethodPost, "/index/bogus/cancel", "bogus"))

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown index, got %d", rr.Code)
	}
}

func TestCancelBuild_NothingRunning(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	rr := httptest.NewRecorder()
	h.CancelBuild(rr, indexRequest(http.MethodPost, "/index/geo/cancel", "geo"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if cancelled, ok := result["cancelled"].(bool); !ok || cancelled {
		t.Errorf("expected cancelled=false, got %v", result["cancelled"])
	}
}

func TestClearIndex(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	rr := httptest.NewRecorder()
	h.ClearIndex(rr, indexRequest(http.MethodPost, "/index/labels/clear", "labels"))

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestBuildStatus_UnknownIndex(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	rr := httptest.NewRecorder()
	h.BuildStatus(rr, indexRequest(http.MethodGet, "/index/bogus/status", "bogus"))

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown index, got %d", rr.Code)
	}
}

func TestBuildStatus_Idle(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	rr := httptest.NewRecorder()
	h.BuildStatus(rr, indexRequest(http.MethodGet, "/index/geo/status", "geo"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var status indexing.BuildStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if status.Running {
		t.Error("expected Running false for idle index")
	}
}

func TestIndexStats(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	rr := httptest.NewRecorder()
	h.IndexStats(rr, httptest.NewRequest(http.MethodGet, "/index/stats", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var stats map[string]models.IndexStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if _, ok := stats[indexing.IndexGeo]; !ok {
		t.Error("expected geo index in stats")
	}
	if _, ok := stats[indexing.IndexLabels]; !ok {
		t.Error("expected labels index in stats")
	}
}

func TestLibraryEvent_InvalidJSON(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	req := httptest.NewRequest(http.MethodPost, "/library/events", strings.NewReader("not json"))
	rr := httptest.NewRecorder()

	h.LibraryEvent(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", rr.Code)
	}
}

func TestLibraryEvent_MissingMediaID(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	body := `{"type":"CREATE"}`
	req := httptest.NewRequest(http.MethodPost, "/library/events", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.LibraryEvent(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing media_id, got %d", rr.Code)
	}

	var result map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if result["code"] != "missing_media_id" {
		t.Errorf("expected code 'missing_media_id', got %q", result["code"])
	}
}

func TestLibraryEvent_AppliedDirectly(t *testing.T) {
	lib := &fakeEventLibrary{}
	h := newTestIndexHandler(lib)

	body := `{"type":"CREATE","media_id":"m1","item":{"id":"m1","kind":"photo","latitude":36.39,"longitude":25.46},"labels":["beach"]}`
	req := httptest.NewRequest(http.MethodPost, "/library/events", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.LibraryEvent(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with no publisher, got %d: %s", rr.Code, rr.Body.String())
	}

	var result map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if result["status"] != "applied" {
		t.Errorf("expected status 'applied', got %q", result["status"])
	}

	lib.mu.Lock()
	_, stored := lib.items["m1"]
	lib.mu.Unlock()
	if !stored {
		t.Error("expected item m1 to be upserted into the library")
	}
}

func TestLibraryEvent_UnknownType(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})

	body := `{"type":"MERGE","media_id":"m1"}`
	req := httptest.NewRequest(http.MethodPost, "/library/events", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.LibraryEvent(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown event type, got %d", rr.Code)
	}
}

type fakePublisher struct {
	events []*models.MediaChangeEvent
	err    error
}

func (f *fakePublisher) PublishChangeEvent(ctx context.Context, event *models.MediaChangeEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func TestLibraryEvent_PublishedToTopic(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestIndexHandler(&fakeEventLibrary{})
	h.publisher = pub

	body := `{"type":"DELETE","media_id":"m2"}`
	req := httptest.NewRequest(http.MethodPost, "/library/events", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.LibraryEvent(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with publisher, got %d", rr.Code)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.events))
	}
	if pub.events[0].MediaID != "m2" {
		t.Errorf("expected media_id m2, got %q", pub.events[0].MediaID)
	}
	if pub.events[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be defaulted")
	}
}

func TestLibraryEvent_PublishFailure(t *testing.T) {
	h := newTestIndexHandler(&fakeEventLibrary{})
	h.publisher = &fakePublisher{err: errors.New("broker down")}

	body := `{"type":"CREATE","media_id":"m3","item":{"id":"m3","kind":"photo"},"timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/library/events", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.LibraryEvent(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on publish failure, got %d", rr.Code)
	}
}

func TestMaxRequestBodySize(t *testing.T) {
	if maxRequestBodySize != 1<<20 {
		t.Errorf("expected maxRequestBodySize 1MB, got %d", maxRequestBodySize)
	}
}
