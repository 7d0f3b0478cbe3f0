// Package batchrpc implements the upstream's batch-RPC transport: the
// URL-encoded POST envelope shared by the streaming generation method and
// the batchexecute endpoint, plus the line-delimited response decoding.
package batchrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Call describes a single request to the remote RPC surface.
//
// Direct stream methods (their own path segment under /data/) set Method and
// FReq. Batchexecute methods additionally set RPCID and Args; FReq is then
// built from the generic wrapper.
type Call struct {
	Method    string            // path segment under /_/<app>/data/
	RPCID     string            // batch rpc id; empty for direct stream methods
	Args      []interface{}     // args for batch calls, double-encoded into f.req
	FReq      string            // pre-encoded f.req body for stream methods
	Headers   map[string]string // extension headers for this call
	URLParams map[string]string // request-specific query parameters
}

// Auth carries the per-call session identifiers scraped from the root page
// plus the cookie header. A fresh set is expected for every call; the server
// may rotate the CSRF token between calls.
type Auth struct {
	CSRFToken string
	BuildID   string
	SessionID string
	Cookies   string
}

// Config holds static client configuration.
type Config struct {
	Host      string
	App       string
	UserAgent string
	Locale    string
	Debug     bool
}

// Client executes batch-RPC calls.
type Client struct {
	config     Config
	httpClient *http.Client
	debug      func(format string, args ...interface{})
	reqid      *ReqIDGenerator
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == http.DefaultClient {
			c.httpClient = &http.Client{Timeout: timeout}
		} else {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithDebug enables debug output on stderr.
func WithDebug(debug bool) Option {
	return func(c *Client) { c.config.Debug = debug }
}

// WithReqIDGenerator sets the request ID generator.
func WithReqIDGenerator(g *ReqIDGenerator) Option {
	return func(c *Client) { c.reqid = g }
}

// NewClient creates a new batch-RPC client.
func NewClient(config Config, opts ...Option) *Client {
	if config.Locale == "" {
		config.Locale = "en"
	}
	c := &Client{
		config:     config,
		httpClient: http.DefaultClient,
		reqid:      NewReqIDGenerator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.debug = func(format string, args ...interface{}) {}
	if c.config.Debug {
		c.debug = func(format string, args ...interface{}) {
			fmt.Printf("batchrpc: "+format+"\n", args...)
		}
	}
	return c
}

// Config returns a copy of the client configuration.
func (c *Client) Config() Config { return c.config }

// buildFReq wraps a batch call in the generic envelope:
// [[["rpcid","<args json>",null,"generic"]]]
func buildFReq(rpcID string, args []interface{}) (string, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal rpc args: %w", err)
	}
	envelope := []interface{}{
		[]interface{}{
			[]interface{}{rpcID, string(argsJSON), nil, "generic"},
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(body), nil
}

// Execute performs one call and returns the raw response body. Decoding is
// left to the caller via DecodeFrames; the response shape differs between
// the streaming generation method and batchexecute results.
//
// Failures are terminal: there is no retry at this layer.
func (c *Client) Execute(ctx context.Context, call Call, auth Auth) ([]byte, error) {
	u, err := url.Parse(fmt.Sprintf("https://%s/_/%s/data/%s", c.config.Host, c.config.App, call.Method))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	q := u.Query()
	q.Set("bl", auth.BuildID)
	q.Set("f.sid", auth.SessionID)
	q.Set("hl", c.config.Locale)
	q.Set("_reqid", c.reqid.Next())
	q.Set("rt", "c")
	if call.RPCID != "" {
		q.Set("rpcids", call.RPCID)
	}
	for k, v := range call.URLParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	freq := call.FReq
	if call.RPCID != "" {
		freq, err = buildFReq(call.RPCID, call.Args)
		if err != nil {
			return nil, err
		}
	}

	form := url.Values{}
	form.Set("f.req", freq)
	form.Set("at", auth.CSRFToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("Origin", "https://"+c.config.Host)
	req.Header.Set("Referer", "https://"+c.config.Host+"/")
	req.Header.Set("X-Same-Domain", "1")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Cookie", auth.Cookies)

	c.debug("POST %s", u.String())
	c.debug("cookie: [%s]", maskCookieValues(auth.Cookies))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.debug("status %s, %d bytes", resp.Status, len(body))

	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("request failed: %s", resp.Status),
			Body:       Truncate(string(body), 512),
		}
	}
	return body, nil
}

// ReqIDGenerator generates the sequential numeric _reqid parameter: a random
// 4-digit base incremented by 100000 per request, matching the web client.
type ReqIDGenerator struct {
	mu       sync.Mutex
	base     int
	sequence int
}

// NewReqIDGenerator creates a new request ID generator.
func NewReqIDGenerator() *ReqIDGenerator {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &ReqIDGenerator{base: r.Intn(9000) + 1000}
}

// Next returns the next request ID in sequence.
func (g *ReqIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	reqid := g.base + g.sequence*100000
	g.sequence++
	return strconv.Itoa(reqid)
}

// maskSensitiveValue masks token-like values for debug output.
func maskSensitiveValue(value string) string {
	switch {
	case len(value) <= 8:
		return strings.Repeat("*", len(value))
	case len(value) <= 16:
		return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
	default:
		return value[:3] + strings.Repeat("*", len(value)-6) + value[len(value)-3:]
	}
}

// maskCookieValues masks cookie values in a cookie header for debug output.
func maskCookieValues(cookies string) string {
	parts := strings.Split(cookies, ";")
	masked := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if name, value, found := strings.Cut(part, "="); found {
			masked = append(masked, name+"="+maskSensitiveValue(value))
		} else {
			masked = append(masked, part)
		}
	}
	return strings.Join(masked, "; ")
}
