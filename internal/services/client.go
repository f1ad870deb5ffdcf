package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/worker"
)

// Request headers carrying the site credential.
const (
	HeaderSiteID = "Site-ID"
	HeaderAPIKey = "API-Key"
)

// PushResult is the ingress response for one batch.
type PushResult struct {
	Accepted  int `json:"accepted"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
}

// PullRequest asks the center for records changed since a watermark.
type PullRequest struct {
	Since  string   `json:"since"`
	Models []string `json:"models"`
	SiteID string   `json:"site_id,omitempty"`
}

// SyncClient talks to the center. Every call is bounded by the configured
// timeout and retried with exponential backoff starting at one second.
type SyncClient struct {
	baseURL string
	siteID  string
	apiKey  string
	client  *http.Client
	retries int
}

func NewSyncClient(conn ConnSettings, timeout time.Duration, retries int) *SyncClient {
	return &SyncClient{
		baseURL: conn.BaseURL,
		siteID:  conn.SiteID,
		apiKey:  conn.APIKey,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
	}
}

func (c *SyncClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return worker.Retry(ctx, c.retries, time.Second, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderSiteID, c.siteID)
		req.Header.Set(HeaderAPIKey, c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, snippet)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return nil
	})
}

// Push sends a batch of records grouped by model name, the shape the
// ingress side files under each table.
func (c *SyncClient) Push(ctx context.Context, records []map[string]any) (*PushResult, error) {
	var result PushResult
	body := map[string][]map[string]any{}
	for _, r := range records {
		body[wireModel(r)] = append(body[wireModel(r)], r)
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sync/push", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pull fetches records changed since the watermark.
func (c *SyncClient) Pull(ctx context.Context, req PullRequest) ([]map[string]any, error) {
	var records []map[string]any
	if err := c.do(ctx, http.MethodPost, "/api/v1/sync/pull", req, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// RegisterSite reports edge status to the center.
func (c *SyncClient) RegisterSite(ctx context.Context, hb *models.Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/api/v1/register-site", hb, nil)
}

// SchemaRevision fetches the peer's migration revision.
func (c *SyncClient) SchemaRevision(ctx context.Context) (string, error) {
	var out struct {
		Revision string `json:"revision"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sync/schema", nil, &out); err != nil {
		return "", err
	}
	return out.Revision, nil
}

// Ping checks liveness.
func (c *SyncClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/sync/ping", nil, nil)
}
