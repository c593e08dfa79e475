// Package loiter talks to the local loiter-killer service, which owns
// vector-store lifecycles on behalf of sessions: it renews leases while a
// session is active and garbage-collects abandoned stores.
//
// Everything here is best-effort. The first failure flips the client off
// for the rest of the process lifetime so repeated attempts cannot
// amplify latency; callers degrade to direct provider calls.
package loiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
)

// Client is the loiter-killer HTTP client.
type Client struct {
	baseURL string
	http    *http.Client
	enabled atomic.Bool
}

// AcquireResult is the response from /session/{id}/acquire.
type AcquireResult struct {
	VectorStoreID string   `json:"vector_store_id"`
	FilePaths     []string `json:"file_paths"`
	Created       bool     `json:"created"`
}

// New builds a client and health-checks the service. A nil client is a
// valid "disabled" client: every method no-ops.
func New(baseURL string) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	if baseURL == "" {
		return c
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return c
	}
	resp, err := c.http.Do(req)
	if err != nil {
		L_warn("loiter: health check failed, disabled", "error", err)
		return c
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		c.enabled.Store(true)
		L_info("loiter: service reachable", "url", baseURL)
	}
	return c
}

// Enabled reports whether the service is usable.
func (c *Client) Enabled() bool {
	return c != nil && c.enabled.Load()
}

// disable flips the client off until the next process restart.
func (c *Client) disable(op string, err error) {
	if c.enabled.CompareAndSwap(true, false) {
		L_warn("loiter: disabling after failure", "op", op, "error", err)
	}
}

// post issues a best-effort POST and decodes the response into out (may
// be nil). Any failure disables the client.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if !c.Enabled() {
		return fmt.Errorf("loiter: disabled")
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.disable(path, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("loiter: %s returned %d", path, resp.StatusCode)
		c.disable(path, err)
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.disable(path, err)
			return err
		}
	}
	return nil
}

// Acquire gets or creates the vector store for a session and returns the
// file paths the service already tracks for it.
func (c *Client) Acquire(ctx context.Context, sessionID string, protected bool) (*AcquireResult, error) {
	var out AcquireResult
	err := c.post(ctx, "/session/"+sessionID+"/acquire", map[string]any{"protected": protected}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Register hands an existing store to the service for lifecycle tracking.
// Protected stores (project memory) are never GC'd.
func (c *Client) Register(ctx context.Context, sessionID, vectorStoreID string, protected bool) error {
	return c.post(ctx, "/session/"+sessionID+"/register", map[string]any{
		"vector_store_id": vectorStoreID,
		"protected":       protected,
	}, nil)
}

// AddFiles reports newly uploaded file paths for a session's store.
func (c *Client) AddFiles(ctx context.Context, sessionID string, filePaths []string) error {
	return c.post(ctx, "/session/"+sessionID+"/files", map[string]any{"file_paths": filePaths}, nil)
}

// Renew extends a session's store lease.
func (c *Client) Renew(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/session/"+sessionID+"/renew", nil, nil)
}

// Cleanup triggers a GC sweep on the service.
func (c *Client) Cleanup(ctx context.Context) error {
	return c.post(ctx, "/cleanup", nil, nil)
}
