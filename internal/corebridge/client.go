// Package corebridge talks to a crypto core running in another process.
//
// Each operation is one JSON POST. The core answers with the RunReturn of
// the call or an error string.
package corebridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sphinxkit/rrsync/internal/engine"
	"github.com/sphinxkit/rrsync/internal/rr"
)

// DefaultTimeout bounds a single core call.
const DefaultTimeout = 30 * time.Second

// Request is the body posted to the core.
type Request struct {
	ID        string           `json:"id"`
	Operation engine.Operation `json:"operation"`
}

// Response is the core's answer.
type Response struct {
	ID     string        `json:"id"`
	Result *rr.RunReturn `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Client implements engine.Core over HTTP.
type Client struct {
	url  string
	http *http.Client
	log  *slog.Logger
}

// New creates a client posting to url.
func New(url string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{url: url, http: &http.Client{Timeout: timeout}, log: log}
}

// Invoke posts op and decodes the RunReturn.
func (c *Client) Invoke(ctx context.Context, op engine.Operation) (*rr.RunReturn, error) {
	id := uuid.NewString()
	buf, err := json.Marshal(Request{ID: id, Operation: op})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", id)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("core %s: %w", op.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("core %s failed: status=%d body=%s", op.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op.Name, err)
	}
	if out.ID != "" && out.ID != id {
		return nil, fmt.Errorf("core %s: response id %s does not match request %s", op.Name, out.ID, id)
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	if out.Result == nil {
		return nil, fmt.Errorf("core %s returned no result", op.Name)
	}

	c.log.Debug("core call", "op", op.Name, "id", id, "elapsed", time.Since(start))
	return out.Result, nil
}
