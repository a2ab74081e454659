package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/cache"
	"github.com/nikolarss0n/mediafind/internal/config"
	"github.com/nikolarss0n/mediafind/internal/observability"
	"github.com/nikolarss0n/mediafind/internal/resilience"
)

// Resolver turns a place name into approximate coordinates. "Not found" is
// (0, 0, false, nil), never an error.
type Resolver interface {
	Resolve(ctx context.Context, name string) (lat, lng float64, found bool, err error)
}

// GeocodeCache is the subset of the redis cache the client uses. Nil
// disables caching.
type GeocodeCache interface {
	GetGeocode(ctx context.Context, place string) (*cache.GeocodeEntry, error)
	SetGeocode(ctx context.Context, place string, entry *cache.GeocodeEntry) error
}

// Client resolves place names against a Nominatim-style HTTP endpoint.
type Client struct {
	endpoint  string
	http      *http.Client
	cb        *gobreaker.CircuitBreaker
	retryCfg  resilience.RetryConfig
	cache     GeocodeCache
	onResolve func(name string)
	logger    *zap.Logger
}

func NewClient(cfg config.GeocodeConfig, searchCfg config.SearchConfig, geocodeCache GeocodeCache, logger *zap.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		cb:       resilience.NewCircuitBreaker("geocode", searchCfg.CircuitBreaker, logger),
		retryCfg: resilience.RetryConfig{
			MaxAttempts: searchCfg.Retry.MaxAttempts,
			InitialWait: searchCfg.Retry.InitialWait,
			MaxWait:     searchCfg.Retry.MaxWait,
			Multiplier:  searchCfg.Retry.Multiplier,
		},
		cache:  geocodeCache,
		logger: logger,
	}
}

// SetOnResolve registers a hook invoked with every successfully resolved
// place name. Used to grow the parser's place vocabulary.
func (c *Client) SetOnResolve(fn func(name string)) {
	c.onResolve = fn
}

type resolved struct {
	lat, lng float64
	found    bool
}

func (c *Client) Resolve(ctx context.Context, name string) (float64, float64, bool, error) {
	ctx, span := observability.StartSpan(ctx, "geocode.resolve",
		attribute.String("place", name),
	)
	defer span.End()

	if c.cache != nil {
		entry, err := c.cache.GetGeocode(ctx, name)
		if err != nil {
			c.logger.Warn("geocode cache lookup error", zap.Error(err))
		}
		if entry != nil {
			return entry.Latitude, entry.Longitude, entry.Found, nil
		}
	}

	cbResult, err := c.cb.Execute(func() (any, error) {
		var res resolved
		retryErr := resilience.Retry(ctx, c.retryCfg, func() error {
			var execErr error
			res, execErr = c.executeResolve(ctx, name)
			return execErr
		})
		return res, retryErr
	})
	if err != nil {
		observability.GeocodeRequestsTotal.WithLabelValues("error").Inc()
		return 0, 0, false, fmt.Errorf("geocode %q: %w", name, err)
	}

	res, ok := cbResult.(resolved)
	if !ok {
		observability.GeocodeRequestsTotal.WithLabelValues("error").Inc()
		return 0, 0, false, fmt.Errorf("geocode %q: unexpected circuit breaker result", name)
	}

	if res.found {
		observability.GeocodeRequestsTotal.WithLabelValues("success").Inc()
		if c.onResolve != nil {
			c.onResolve(name)
		}
	} else {
		observability.GeocodeRequestsTotal.WithLabelValues("not_found").Inc()
	}

	if c.cache != nil {
		entry := &cache.GeocodeEntry{Latitude: res.lat, Longitude: res.lng, Found: res.found}
		if err := c.cache.SetGeocode(ctx, name, entry); err != nil {
			c.logger.Warn("geocode cache set error", zap.Error(err))
		}
	}

	return res.lat, res.lng, res.found, nil
}

type nominatimHit struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (c *Client) executeResolve(ctx context.Context, name string) (resolved, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return resolved{}, fmt.Errorf("parsing geocode endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", name)
	q.Set("format", "json")
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return resolved{}, fmt.Errorf("building geocode request: %w", err)
	}
	req.Header.Set("User-Agent", "mediafind")

	resp, err := c.http.Do(req)
	if err != nil {
		return resolved{}, fmt.Errorf("executing geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resolved{}, fmt.Errorf("geocode status=%d body=%s", resp.StatusCode, string(body))
	}

	var hits []nominatimHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return resolved{}, fmt.Errorf("decoding geocode response: %w", err)
	}
	if len(hits) == 0 {
		return resolved{found: false}, nil
	}

	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return resolved{}, fmt.Errorf("parsing latitude %q: %w", hits[0].Lat, err)
	}
	lng, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return resolved{}, fmt.Errorf("parsing longitude %q: %w", hits[0].Lon, err)
	}

	return resolved{lat: lat, lng: lng, found: true}, nil
}
