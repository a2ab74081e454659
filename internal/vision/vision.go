package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/config"
	"github.com/nikolarss0n/mediafind/internal/observability"
	"github.com/nikolarss0n/mediafind/internal/resilience"
)

// Classifier labels the visual content of a media item. Invoked once per
// item during label-index builds, never during searches.
type Classifier interface {
	Classify(ctx context.Context, mediaID string) (labels []string, faces int, err error)
}

// PersonMatcher reports whether a media item depicts the library owner.
type PersonMatcher interface {
	ContainsOwner(ctx context.Context, mediaID string) (bool, error)
}

// Client talks to a local vision sidecar over HTTP. It implements both
// Classifier and PersonMatcher.
type Client struct {
	endpoint string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

func NewClient(cfg config.VisionConfig, breakerCfg config.CircuitBreakerConfig, logger *zap.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		cb:       resilience.NewCircuitBreaker("vision", breakerCfg, logger),
		logger:   logger,
	}
}

type classifyResponse struct {
	Labels []string `json:"labels"`
	Faces  int      `json:"faces"`
}

func (c *Client) Classify(ctx context.Context, mediaID string) ([]string, int, error) {
	ctx, span := observability.StartSpan(ctx, "vision.classify",
		attribute.String("media_id", mediaID),
	)
	defer span.End()

	var out classifyResponse
	if err := c.post(ctx, "/classify", mediaID, &out); err != nil {
		return nil, 0, fmt.Errorf("classify %s: %w", mediaID, err)
	}
	return out.Labels, out.Faces, nil
}

type containsOwnerResponse struct {
	ContainsOwner bool `json:"contains_owner"`
}

func (c *Client) ContainsOwner(ctx context.Context, mediaID string) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "vision.contains_owner",
		attribute.String("media_id", mediaID),
	)
	defer span.End()

	var out containsOwnerResponse
	if err := c.post(ctx, "/contains-owner", mediaID, &out); err != nil {
		return false, fmt.Errorf("contains owner %s: %w", mediaID, err)
	}
	return out.ContainsOwner, nil
}

func (c *Client) post(ctx context.Context, path, mediaID string, out any) error {
	body, err := json.Marshal(map[string]string{"media_id": mediaID})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("vision status=%d body=%s", resp.StatusCode, string(b))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return nil, nil
	})
	return err
}
