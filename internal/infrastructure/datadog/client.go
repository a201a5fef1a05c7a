// Package datadog reads log pipeline definitions from the Datadog Logs
// configuration API.
package datadog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pipelineops/app/config"
	"pipelineops/internal/domain/entity"
	"pipelineops/internal/domain/repository"
	"pipelineops/internal/infrastructure/metrics"
)

const (
	DefaultBaseURL = "https://api.datadoghq.com"
	pipelinesPath  = "/api/v1/logs/config/pipelines"

	headerAPIKey = "DD-API-KEY"
	headerAppKey = "DD-APPLICATION-KEY"

	// error bodies beyond this are truncated in ProviderError
	maxErrorBody = 64 << 10
)

type Client struct {
	apiKey  string
	appKey  string
	baseURL string
	client  *http.Client
}

var _ repository.PipelineSource = (*Client)(nil)

// NewClient fails before any network call when either key is missing.
func NewClient(cfg config.DatadogConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:  cfg.APIKey,
		appKey:  cfg.AppKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// ListRemote returns every pipeline the account exposes, in provider order.
func (c *Client) ListRemote(ctx context.Context) ([]entity.RemotePipeline, error) {
	body, err := c.get(ctx, "list", c.baseURL+pipelinesPath)
	if err != nil {
		return nil, fmt.Errorf("list remote pipelines: %w", err)
	}

	var pipelines []entity.RemotePipeline
	if err := json.Unmarshal(body, &pipelines); err != nil {
		metrics.IncError("datadog", "decode_list")
		return nil, fmt.Errorf("list remote pipelines: %w: decode response: %v", entity.ErrProvider, err)
	}
	return pipelines, nil
}

// FetchByID returns the full pipeline document as the provider sent it.
func (c *Client) FetchByID(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("fetch pipeline: empty id")
	}
	body, err := c.get(ctx, "get", c.baseURL+pipelinesPath+"/"+url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("fetch pipeline %s: %w", id, err)
	}
	if !json.Valid(body) {
		metrics.IncError("datadog", "decode_get")
		return nil, fmt.Errorf("fetch pipeline %s: %w: response is not valid JSON", id, entity.ErrProvider)
	}
	return json.RawMessage(body), nil
}

func (c *Client) get(ctx context.Context, endpoint, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		metrics.IncError("datadog", "create_request")
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set(headerAppKey, c.appKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		metrics.IncRemoteRequest(endpoint, "unavailable")
		return nil, fmt.Errorf("%w: %v", entity.ErrRemoteUnavailable, err)
	}
	defer func() {
		err := resp.Body.Close()
		if err != nil {
			log.Printf("close body err: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		perr := &entity.ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		metrics.IncRemoteRequest(endpoint, resultLabel(perr))
		return nil, perr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.IncRemoteRequest(endpoint, "unavailable")
		return nil, fmt.Errorf("%w: read body: %v", entity.ErrRemoteUnavailable, err)
	}
	metrics.IncRemoteRequest(endpoint, "ok")
	return body, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, entity.ErrAuth):
		return "auth"
	case errors.Is(err, entity.ErrRemoteUnavailable):
		return "unavailable"
	default:
		return "provider"
	}
}
