// Package cache talks to the external result cache used to deduplicate job
// submissions.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/opal-compute/gateway/core/infra/logging"
)

const (
	defaultTimeout  = 3 * time.Second
	maxResponseSize = 8 << 20
	queryPath       = "/query"
)

type queryRequest struct {
	Job map[string]any `json:"job"`
}

type queryResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Client implements admission.DedupCache over HTTP. Every failure degrades to
// a miss so the cache can never block admission.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	breaker  *breaker
}

// New returns a client for baseURL. An empty baseURL yields a client that
// always misses.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		breaker: newBreaker(),
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		c.endpoint = base + queryPath
	}
	return c
}

// Enabled reports whether a cache endpoint is configured.
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

func (c *Client) Query(ctx context.Context, normalized map[string]any) admission.CacheResult {
	miss := admission.CacheResult{Outcome: admission.CacheMiss}
	if !c.Enabled() {
		return miss
	}
	if !c.breaker.allow() {
		return miss
	}
	res, err := c.query(ctx, normalized)
	if err != nil {
		if c.breaker.failure() {
			logging.Error("cache", "circuit opened", "error", err, "open_for", circuitOpenFor)
		} else {
			logging.Error("cache", "query failed, treating as miss", "error", err)
		}
		return miss
	}
	c.breaker.success()
	return res
}

func (c *Client) query(ctx context.Context, normalized map[string]any) (admission.CacheResult, error) {
	body, err := json.Marshal(queryRequest{Job: normalized})
	if err != nil {
		return admission.CacheResult{}, fmt.Errorf("encode query: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return admission.CacheResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return admission.CacheResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return admission.CacheResult{}, fmt.Errorf("cache returned status %d", resp.StatusCode)
	}
	var out queryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return admission.CacheResult{}, fmt.Errorf("decode response: %w", err)
	}
	switch strings.ToLower(out.Status) {
	case "hit":
		if len(out.Result) == 0 {
			out.Result = json.RawMessage("null")
		}
		return admission.CacheResult{Outcome: admission.CacheHit, Result: out.Result}, nil
	case "waiting":
		return admission.CacheResult{Outcome: admission.CacheWaiting}, nil
	case "miss":
		return admission.CacheResult{Outcome: admission.CacheMiss}, nil
	default:
		return admission.CacheResult{}, fmt.Errorf("unknown cache status %q", out.Status)
	}
}
