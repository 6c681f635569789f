// Package directory resolves tribe descriptors from a tribe host over HTTP.
package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sphinxkit/rrsync/internal/rr"
)

const (
	// DefaultRatePerSecond paces lookups when none is configured.
	DefaultRatePerSecond = 5.0
	// maxBody bounds the size of a tribe response.
	maxBody = 1 << 20
)

// Client fetches tribes from GET {host}/tribes/{pubkey}.
//
// Lookups are paced by a token bucket shared across hosts, so a burst of
// unknown tribes in one history page cannot flood the directory.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// Options configures a Client.
type Options struct {
	// BaseURL is used when a message names no host.
	BaseURL       string
	RatePerSecond float64
	Timeout       time.Duration
	Logger        *slog.Logger
}

// NewClient creates a directory client.
func NewClient(opts Options) *Client {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	burst := max(1, int(opts.RatePerSecond))
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst),
		log:     opts.Logger,
	}
}

// LookupTribe fetches the tribe with pubkey from host. The returned tribe
// always carries the host it was fetched from.
func (c *Client) LookupTribe(ctx context.Context, host, pubkey string) (rr.Tribe, error) {
	if pubkey == "" {
		return rr.Tribe{}, fmt.Errorf("lookup tribe: empty pubkey")
	}
	base, err := c.base(host)
	if err != nil {
		return rr.Tribe{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return rr.Tribe{}, fmt.Errorf("lookup tribe %s: %w", pubkey, err)
	}

	endpoint := base + "/tribes/" + url.PathEscape(pubkey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return rr.Tribe{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return rr.Tribe{}, fmt.Errorf("lookup tribe %s: %w", pubkey, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return rr.Tribe{}, fmt.Errorf("read tribe %s: %w", pubkey, err)
	}
	if resp.StatusCode != http.StatusOK {
		return rr.Tribe{}, fmt.Errorf("lookup tribe %s: status=%d body=%s", pubkey, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	t, err := rr.DecodeTribe(string(body))
	if err != nil {
		return rr.Tribe{}, err
	}
	if t.Pubkey != pubkey {
		return rr.Tribe{}, fmt.Errorf("lookup tribe %s: directory answered for %s", pubkey, t.Pubkey)
	}
	if t.Host == "" {
		t.Host = host
	}
	c.log.Debug("tribe resolved", "pubkey", pubkey, "host", host, "name", t.Name)
	return t, nil
}

func (c *Client) base(host string) (string, error) {
	switch {
	case host == "" && c.baseURL == "":
		return "", fmt.Errorf("lookup tribe: no host and no default directory")
	case host == "":
		return c.baseURL, nil
	case strings.Contains(host, "://"):
		return strings.TrimRight(host, "/"), nil
	}
	return "https://" + strings.TrimRight(host, "/"), nil
}
