package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/config"
	"github.com/nikolarss0n/mediafind/internal/observability"
)

// VideoMatcher asks a remote model which of the supplied video descriptions
// match the raw query. The reply is a list of zero-based indices into the
// description list. The matcher owns its own retry policy; none is applied
// here.
type VideoMatcher interface {
	Match(ctx context.Context, query string, descriptions []string) ([]int, error)
}

type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

func NewClient(cfg config.SemanticConfig, logger *zap.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger,
	}
}

type matchRequest struct {
	Query        string   `json:"query"`
	Descriptions []string `json:"descriptions"`
}

type matchResponse struct {
	Indices []int `json:"indices"`
}

func (c *Client) Match(ctx context.Context, query string, descriptions []string) ([]int, error) {
	ctx, span := observability.StartSpan(ctx, "semantic.match",
		attribute.String("query", query),
		attribute.Int("descriptions", len(descriptions)),
	)
	defer span.End()

	body, err := json.Marshal(matchRequest{Query: query, Descriptions: descriptions})
	if err != nil {
		return nil, fmt.Errorf("marshaling match request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building match request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing match request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("semantic matcher status=%d body=%s", resp.StatusCode, string(b))
	}

	var out matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding match response: %w", err)
	}
	return out.Indices, nil
}
