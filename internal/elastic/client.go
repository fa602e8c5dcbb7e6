// Package elastic is the SIEM query layer: it owns the Elasticsearch
// connection, builds and executes requests, and hands back normalized
// SecurityEvents with pagination and performance metrics. Every request
// crosses the resilience substrate; no other package talks to the SIEM.
package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/resilience"
)

// ServiceName is the breaker identity of the SIEM backend.
const ServiceName = "elasticsearch"

// Client wraps the Elasticsearch connection with the resilience
// substrate. It exposes the raw search primitive; query semantics live
// in QueryLayer.
type Client struct {
	es       *elasticsearch.Client
	indices  []string
	breaker  *resilience.Breaker
	retryer  *resilience.Retryer
	timeouts resilience.Timeouts
	logger   *zap.Logger
}

// NewClient builds the SIEM client. Secrets are resolved once here and
// never stored on the config.
func NewClient(
	cfg config.ElasticConfig,
	secrets config.SecretsProvider,
	breaker *resilience.Breaker,
	retryer *resilience.Retryer,
	timeouts resilience.Timeouts,
	logger *zap.Logger,
) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses:               []string{cfg.URL},
		Username:                cfg.Username,
		EnableCompatibilityMode: cfg.CompatibilityMode,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: cfg.PoolSize,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS}, //nolint:gosec // operator-controlled for self-signed SIEM clusters
		},
	}
	if cfg.PasswordRef != "" {
		password, err := secrets.Resolve(cfg.PasswordRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve elasticsearch password: %w", err)
		}
		esCfg.Password = password
	}
	if cfg.APIKeyRef != "" {
		apiKey, err := secrets.Resolve(cfg.APIKeyRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve elasticsearch api key: %w", err)
		}
		esCfg.APIKey = apiKey
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Client{
		es:       es,
		indices:  cfg.Indices,
		breaker:  breaker,
		retryer:  retryer,
		timeouts: timeouts,
		logger:   logger,
	}, nil
}

// searchHit is one document in a search response.
type searchHit struct {
	ID     string                 `json:"_id"`
	Index  string                 `json:"_index"`
	Source map[string]interface{} `json:"_source"`
	Sort   []interface{}          `json:"sort"`
}

// searchResponse is the subset of the Elasticsearch response the layer
// consumes.
type searchResponse struct {
	Took int `json:"took"`
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]interface{} `json:"aggregations,omitempty"`
	Shards       struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
	} `json:"_shards"`
}

// Search executes one search request body against the configured index
// patterns. Transport failures translate to ExternalServiceError and
// flow through the breaker with retry; the caller's ctx deadline is
// honored end to end.
func (c *Client) Search(ctx context.Context, body map[string]interface{}, timeout time.Duration) (*searchResponse, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindInternal, err, "failed to encode search request")
	}

	if timeout <= 0 {
		timeout = c.timeouts.For(resilience.ClassExternalService)
	}

	var resp *searchResponse
	err = c.retryer.Do(ctx, ServiceName, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			r, execErr := c.execSearch(callCtx, encoded)
			if execErr != nil {
				if ctxErr := resilience.TranslateContextErr(callCtx.Err()); ctxErr != nil && callCtx.Err() != nil {
					return ctxErr
				}
				return execErr
			}
			resp = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) execSearch(ctx context.Context, body []byte) (*searchResponse, error) {
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.indices...),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithTrackTotalHits(true),
		c.es.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindExternalService, err, "elasticsearch search failed").WithService(ServiceName)
	}
	defer res.Body.Close()

	if res.IsError() {
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if res.StatusCode == http.StatusTooManyRequests {
			return nil, mcperr.New(mcperr.KindRateLimited, "elasticsearch rejected request: %s", payload).WithService(ServiceName)
		}
		return nil, mcperr.New(mcperr.KindExternalService, "elasticsearch returned %d: %s", res.StatusCode, payload).WithService(ServiceName)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, mcperr.Wrap(mcperr.KindExternalService, err, "failed to decode elasticsearch response").WithService(ServiceName)
	}
	return &parsed, nil
}

// Ping verifies the cluster is reachable. Used by the feature manager's
// health checks; failures do not consume retry budget.
func (c *Client) Ping(ctx context.Context) error {
	callCtx, cancel := c.timeouts.Context(ctx, resilience.ClassResourceAccess)
	defer cancel()

	res, err := c.es.Ping(c.es.Ping.WithContext(callCtx))
	if err != nil {
		return mcperr.Wrap(mcperr.KindExternalService, err, "elasticsearch ping failed").WithService(ServiceName)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mcperr.New(mcperr.KindExternalService, "elasticsearch ping returned %d", res.StatusCode).WithService(ServiceName)
	}
	return nil
}

// Breaker exposes the SIEM breaker for health snapshots.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }
