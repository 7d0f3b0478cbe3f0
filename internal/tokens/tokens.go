// Package tokens scrapes the per-session identifiers embedded in the
// application root page. The service rotates the CSRF token between calls,
// so a token set is only good for the request issued immediately after
// extraction.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/pixelbard/bardgen/internal/batchrpc"
	"github.com/pixelbard/bardgen/internal/cookies"
)

// ErrAuthExpired means the root page answered with a redirect instead of
// content: the session cookies no longer authenticate.
var ErrAuthExpired = errors.New("session expired: root page redirected to sign-in")

// ErrProtocolMismatch wraps a missing mandatory page literal: the page
// shape drifted from what this client understands.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// DefaultRootURL is the application entry point carrying the script data.
const DefaultRootURL = "https://gemini.google.com/app"

// The known literals keyed inside the page's inline script payload.
// Reverse-engineered from captured traffic; any of them can move between
// server releases, which surfaces as ErrProtocolMismatch.
var (
	reCSRFToken     = regexp.MustCompile(`"SNlM0e":"([^"]+)"`)
	reBuildID       = regexp.MustCompile(`"cfb2h":"([^"]+)"`)
	reSessionID     = regexp.MustCompile(`"FdrFJe":"([^"]+)"`)
	rePushID        = regexp.MustCompile(`"Ylro7b":"([^"]+)"`)
	reClientContext = regexp.MustCompile(`"qKIAYe":"([^"]+)"`)
)

// Tokens is one freshly scraped identifier set.
type Tokens struct {
	CSRFToken     string // "at" form field, doubles as auth proof
	BuildID       string // "bl" query parameter
	SessionID     string // "f.sid" query parameter
	PushID        string // optional upload routing hint
	ClientContext string // optional client context header value
}

// Extractor fetches and scrapes the root page.
type Extractor struct {
	rootURL    string
	userAgent  string
	httpClient *http.Client
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRootURL overrides the page fetched for scraping.
func WithRootURL(u string) Option { return func(e *Extractor) { e.rootURL = u } }

// WithHTTPClient sets the HTTP client. Redirect following is disabled on
// whatever client is used: a 3xx is an auth signal, not a hop to follow.
func WithHTTPClient(c *http.Client) Option { return func(e *Extractor) { e.httpClient = c } }

// WithUserAgent sets the outbound User-Agent header.
func WithUserAgent(ua string) Option { return func(e *Extractor) { e.userAgent = ua } }

// New creates a token extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		rootURL:    DefaultRootURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	// Shallow copy so the no-redirect policy does not leak into a shared
	// client.
	hc := *e.httpClient
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	e.httpClient = &hc
	return e
}

// Extract fetches the root page with the store's cookies and scrapes the
// five session identifiers. Any Set-Cookie observed on the response is
// merged into the store before returning (opportunistic refresh).
func (e *Extractor) Extract(ctx context.Context, store *cookies.Store) (Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.rootURL, nil)
	if err != nil {
		return Tokens{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Cookie", store.HeaderString())
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("fetch root page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return Tokens{}, fmt.Errorf("%w (status %d, location %q)",
			ErrAuthExpired, resp.StatusCode, resp.Header.Get("Location"))
	}
	if resp.StatusCode != http.StatusOK {
		return Tokens{}, &batchrpc.ProtocolError{
			StatusCode: resp.StatusCode,
			Message:    "unexpected root page status",
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tokens{}, fmt.Errorf("read root page: %w", err)
	}

	refresh := make(map[string]string)
	for _, sc := range resp.Header.Values("Set-Cookie") {
		if name, value, ok := parseSetCookie(sc); ok {
			refresh[name] = value
		}
	}
	store.Merge(refresh)

	t := Tokens{}
	var missing []string
	if t.CSRFToken = firstMatch(reCSRFToken, body); t.CSRFToken == "" {
		missing = append(missing, "SNlM0e")
	}
	if t.BuildID = firstMatch(reBuildID, body); t.BuildID == "" {
		missing = append(missing, "cfb2h")
	}
	if t.SessionID = firstMatch(reSessionID, body); t.SessionID == "" {
		missing = append(missing, "FdrFJe")
	}
	if len(missing) > 0 {
		return Tokens{}, fmt.Errorf("%w: page literals %v not found (body %d bytes)",
			ErrProtocolMismatch, missing, len(body))
	}

	// Optional identifiers; absent on some page variants.
	t.PushID = firstMatch(rePushID, body)
	t.ClientContext = firstMatch(reClientContext, body)
	return t, nil
}

func firstMatch(re *regexp.Regexp, body []byte) string {
	if m := re.FindSubmatch(body); len(m) > 1 {
		return string(m[1])
	}
	return ""
}

// parseSetCookie extracts the name=value pair from a Set-Cookie header,
// dropping attributes.
func parseSetCookie(header string) (name, value string, ok bool) {
	pair, _, _ := strings.Cut(header, ";")
	name, value, ok = strings.Cut(pair, "=")
	return strings.TrimSpace(name), strings.TrimSpace(value), ok
}
