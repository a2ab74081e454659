package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/config"
	"github.com/nikolarss0n/mediafind/internal/models"
	"github.com/nikolarss0n/mediafind/internal/observability"
)

// GeocodeEntry is the cached result of a place name resolution. Found is
// persisted so that unresolvable names are negative-cached too.
type GeocodeEntry struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Found     bool    `json:"found"`
}

type RedisCache struct {
	client redis.UniversalClient
	ttl    config.CacheTTLConfig
	logger *zap.Logger
}

func NewRedisCache(cfg config.RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	var client redis.UniversalClient

	if len(cfg.Addresses) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis cache connected", zap.Strings("addresses", cfg.Addresses))

	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

func (rc *RedisCache) GetSearchResults(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	key := rc.buildSearchKey(req)
	return rc.getResponse(ctx, key)
}

func (rc *RedisCache) SetSearchResults(ctx context.Context, req *models.SearchRequest, resp *models.SearchResponse) error {
	key := rc.buildSearchKey(req)
	if err := rc.setResponse(ctx, key, resp, rc.ttl.SearchResults); err != nil {
		return err
	}
	staleKey := rc.buildStaleKey(req)
	return rc.setResponse(ctx, staleKey, resp, rc.ttl.StaleFallback)
}

func (rc *RedisCache) GetStaleResults(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	key := rc.buildStaleKey(req)
	return rc.getResponse(ctx, key)
}

// InvalidateSearchResults drops every cached search response, including the
// stale-fallback copies. Called when the underlying indexes change.
func (rc *RedisCache) InvalidateSearchResults(ctx context.Context) error {
	return rc.InvalidatePattern(ctx, []string{"sr:*"})
}

func (rc *RedisCache) InvalidatePattern(ctx context.Context, patterns []string) error {
	for _, pattern := range patterns {
		iter := rc.client.Scan(ctx, 0, pattern, 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			rc.logger.Warn("cache scan error", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		if len(keys) > 0 {
			if err := rc.client.Del(ctx, keys...).Err(); err != nil {
				rc.logger.Warn("cache delete error", zap.Strings("keys", keys), zap.Error(err))
			}
		}
	}
	return nil
}

func (rc *RedisCache) GetGeocode(ctx context.Context, place string) (*GeocodeEntry, error) {
	key := fmt.Sprintf("geo:%s", hashString(place))
	val, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		observability.CacheMisses.Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get geocode: %w", err)
	}
	observability.CacheHits.Inc()
	var entry GeocodeEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("cache unmarshal geocode: %w", err)
	}
	return &entry, nil
}

func (rc *RedisCache) SetGeocode(ctx context.Context, place string, entry *GeocodeEntry) error {
	key := fmt.Sprintf("geo:%s", hashString(place))
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache marshal geocode: %w", err)
	}
	return rc.client.Set(ctx, key, data, rc.ttl.Geocode).Err()
}

func (rc *RedisCache) HealthCheck(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

func (rc *RedisCache) getResponse(ctx context.Context, key string) (*models.SearchResponse, error) {
	val, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		observability.CacheMisses.Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	observability.CacheHits.Inc()
	var resp models.SearchResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, fmt.Errorf("cache unmarshal: %w", err)
	}
	return &resp, nil
}

func (rc *RedisCache) setResponse(ctx context.Context, key string, resp *models.SearchResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	return rc.client.Set(ctx, key, data, ttl).Err()
}

func (rc *RedisCache) buildSearchKey(req *models.SearchRequest) string {
	raw := fmt.Sprintf("%s:%d", req.Query, req.Limit)
	return fmt.Sprintf("sr:%s", hashString(raw))
}

func (rc *RedisCache) buildStaleKey(req *models.SearchRequest) string {
	raw := fmt.Sprintf("%s:%d", req.Query, req.Limit)
	return fmt.Sprintf("sr:stale:%s", hashString(raw))
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:8])
}
