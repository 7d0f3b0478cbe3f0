// Package fetch retrieves generated image bytes. Redirects are followed by
// hand because the cookie header must survive a cross-domain redirect chain
// that an HTTP client's automatic handling would strip, and because the
// origin sometimes answers with a "soft redirect": a 200 whose text/plain
// body is itself the next URL.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pixelbard/bardgen/internal/batchrpc"
)

// MaxHops bounds the combined redirect chain.
const MaxHops = 8

// DefaultTimeout bounds each hop.
const DefaultTimeout = 30 * time.Second

// ErrDownloadFailed covers an exceeded redirect bound or a terminal
// non-success response.
var ErrDownloadFailed = errors.New("download failed")

// Client downloads image bytes.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// Option configures a fetch Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client; its automatic redirect handling is
// disabled.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithUserAgent sets the outbound User-Agent header.
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// New creates a fetch client.
func New(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.httpClient
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.httpClient = &hc
	return c
}

// Fetch resolves rawURL to its final binary content, carrying cookies
// across every hop.
func (c *Client) Fetch(ctx context.Context, rawURL, cookieHeader string) ([]byte, error) {
	current := rawURL
	for hop := 0; hop < MaxHops; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if cookieHeader != "" {
			req.Header.Set("Cookie", cookieHeader)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", current, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			loc := resp.Header.Get("Location")
			if loc == "" {
				return nil, fmt.Errorf("%w: redirect without location (status %d)",
					ErrDownloadFailed, resp.StatusCode)
			}
			next, err := resolveRef(current, loc)
			if err != nil {
				return nil, fmt.Errorf("%w: bad redirect target %q: %v", ErrDownloadFailed, loc, err)
			}
			current = next
			continue

		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				return nil, fmt.Errorf("read body: %w", readErr)
			}
			if next, ok := softRedirect(resp.Header.Get("Content-Type"), body); ok {
				current = next
				continue
			}
			return body, nil

		default:
			return nil, fmt.Errorf("%w: status %d, body %q", ErrDownloadFailed,
				resp.StatusCode, batchrpc.Truncate(string(body), 256))
		}
	}
	return nil, fmt.Errorf("%w: more than %d redirects starting at %s",
		ErrDownloadFailed, MaxHops, rawURL)
}

// softRedirect reports whether a 200 response is really a pointer to the
// next URL: a text/plain body whose trimmed content parses as an absolute
// URL.
func softRedirect(contentType string, body []byte) (string, bool) {
	if !strings.HasPrefix(contentType, "text/plain") {
		return "", false
	}
	trimmed := strings.TrimSpace(string(body))
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return trimmed, true
}

// resolveRef resolves a possibly relative Location against the current URL.
func resolveRef(current, ref string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	next, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(next).String(), nil
}
