package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/cache"
	"github.com/nikolarss0n/mediafind/internal/config"
)

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		CircuitBreaker: config.CircuitBreakerConfig{
			MaxRequests:      5,
			Interval:         time.Second,
			Timeout:          time.Second,
			FailureThreshold: 100,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			InitialWait: time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2.0,
		},
	}
}

func newTestClient(endpoint string, geocodeCache GeocodeCache) *Client {
	cfg := config.GeocodeConfig{Endpoint: endpoint, RequestTimeout: time.Second}
	return NewClient(cfg, testSearchConfig(), geocodeCache, zap.NewNop())
}

type fakeGeocodeCache struct {
	entries map[string]*cache.GeocodeEntry
	sets    int
}

func (f *fakeGeocodeCache) GetGeocode(_ context.Context, place string) (*cache.GeocodeEntry, error) {
	return f.entries[place], nil
}

func (f *fakeGeocodeCache) SetGeocode(_ context.Context, place string, entry *cache.GeocodeEntry) error {
	f.sets++
	if f.entries == nil {
		f.entries = make(map[string]*cache.GeocodeEntry)
	}
	f.entries[place] = entry
	return nil
}

func TestResolve_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "Santorini" {
			t.Errorf("q = %q, want Santorini", got)
		}
		w.Write([]byte(`[{"lat":"36.3932","lon":"25.4615"}]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	lat, lng, found, err := c.Resolve(context.Background(), "Santorini")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !found {
		t.Fatal("expected found")
	}
	if lat != 36.3932 || lng != 25.4615 {
		t.Errorf("got (%v, %v)", lat, lng)
	}
}

func TestResolve_NotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	_, _, found, err := c.Resolve(context.Background(), "Atlantis")
	if err != nil {
		t.Fatalf("not-found must not be an error: %v", err)
	}
	if found {
		t.Error("expected found=false")
	}
}

func TestResolve_ServerErrorRetriesThenFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	_, _, _, err := c.Resolve(context.Background(), "Santorini")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestResolve_CacheHitSkipsHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("HTTP endpoint should not be called on cache hit")
	}))
	defer srv.Close()

	fc := &fakeGeocodeCache{entries: map[string]*cache.GeocodeEntry{
		"Santorini": {Latitude: 36.39, Longitude: 25.46, Found: true},
	}}
	c := newTestClient(srv.URL, fc)

	lat, _, found, err := c.Resolve(context.Background(), "Santorini")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !found || lat != 36.39 {
		t.Errorf("got lat=%v found=%v from cache", lat, found)
	}
}

func TestResolve_NegativeResultIsCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	fc := &fakeGeocodeCache{}
	c := newTestClient(srv.URL, fc)

	if _, _, _, err := c.Resolve(context.Background(), "Atlantis"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if fc.sets != 1 {
		t.Errorf("expected 1 cache set, got %d", fc.sets)
	}
	entry := fc.entries["Atlantis"]
	if entry == nil || entry.Found {
		t.Errorf("expected cached not-found entry, got %+v", entry)
	}
}

func TestResolve_OnResolveHookFiresForSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "Santorini" {
			w.Write([]byte(`[{"lat":"36.39","lon":"25.46"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	var learned []string
	c.SetOnResolve(func(name string) { learned = append(learned, name) })

	c.Resolve(context.Background(), "Santorini")
	c.Resolve(context.Background(), "Atlantis")

	if len(learned) != 1 || learned[0] != "Santorini" {
		t.Errorf("learned = %v, want [Santorini]", learned)
	}
}
