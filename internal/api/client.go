// Package api provides the high-level client for the image generation
// backend: token refresh, attachment upload, the generation RPC, image
// download and the full-resolution upscale RPC.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pixelbard/bardgen/internal/batchrpc"
	"github.com/pixelbard/bardgen/internal/cookies"
	"github.com/pixelbard/bardgen/internal/fetch"
	"github.com/pixelbard/bardgen/internal/tokens"
	"github.com/pixelbard/bardgen/internal/upload"
)

const (
	// DefaultHost is the web app origin all RPCs go through.
	DefaultHost = "gemini.google.com"
	// DefaultApp is the app segment in the RPC path.
	DefaultApp = "BardChatUi"

	generateMethod  = "assistant.lamda.BardFrontendService.StreamGenerate"
	batchMethod     = "batchexecute"
	upscaleRPCID    = "B3hyRd"
	modelHeaderName = "x-goog-ext-525001261-jspb"

	// fullSizeSuffix instructs the image origin to serve the original
	// resolution instead of a scaled rendition.
	fullSizeSuffix = "=s0"

	// DefaultModel selects the backend's default image model.
	DefaultModel = "ig-default"

	// DefaultTimeout bounds one generation round trip. The stream stays
	// open while the server renders, which can take minutes.
	DefaultTimeout = 5 * time.Minute

	uploadConcurrency = 3
)

// Client talks to the generation backend. It is safe for concurrent use;
// the cookie store it shares with the auth layer is the only mutable
// state.
type Client struct {
	store     *cookies.Store
	be        *batchrpc.Client
	extractor *tokens.Extractor
	uploader  *upload.Client
	fetcher   *fetch.Client
	limiter   *rate.Limiter

	httpClient *http.Client
	model      string
	locale     string
	userAgent  string
	timeout    time.Duration
	debug      bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client shared by all sub-clients.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDebug enables verbose dumps of decoded responses on stdout.
func WithDebug(debug bool) Option {
	return func(c *Client) { c.debug = debug }
}

// WithTimeout bounds a single generation round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithModel selects the image model sent in the extension header.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithLocale sets the hl parameter and the locale envelope slot.
func WithLocale(locale string) Option {
	return func(c *Client) { c.locale = locale }
}

// WithRateLimit caps generation calls per second. Zero disables the
// limiter.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			c.limiter = nil
		}
	}
}

// New creates a Client around a cookie store. The store is shared with
// whatever populates it (env file, auth session).
func New(store *cookies.Store, opts ...Option) *Client {
	c := &Client{
		store:   store,
		model:   DefaultModel,
		locale:  "en",
		timeout: DefaultTimeout,
		limiter: rate.NewLimiter(rate.Limit(0.5), 1),
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
			"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	c.be = batchrpc.NewClient(batchrpc.Config{
		Host:      DefaultHost,
		App:       DefaultApp,
		UserAgent: c.userAgent,
		Locale:    c.locale,
		Debug:     c.debug,
	}, batchrpc.WithHTTPClient(c.httpClient))
	c.extractor = tokens.New(
		tokens.WithHTTPClient(c.httpClient),
		tokens.WithUserAgent(c.userAgent),
	)
	c.uploader = upload.New(upload.WithHTTPClient(c.httpClient))
	c.fetcher = fetch.New(
		fetch.WithHTTPClient(c.httpClient),
		fetch.WithUserAgent(c.userAgent),
	)
	return c
}

// GenerateImages sends a prompt, with optional file attachments, and
// returns the decoded images. Attachments upload concurrently; a file
// that fails to upload is dropped from the request and reported in the
// result rather than failing the call.
func (c *Client) GenerateImages(ctx context.Context, prompt string, files []File) (*GenerationResult, error) {
	if !c.store.HasRequired() {
		return nil, fmt.Errorf("generate: %w", tokens.ErrAuthExpired)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	toks, err := c.extractor.Extract(ctx, c.store)
	if err != nil {
		return nil, fmt.Errorf("refresh tokens: %w", err)
	}

	attachments, failed := c.uploadAll(ctx, files, toks)

	correlationID := uuid.NewString()
	inner, err := encodeGeneration(prompt, c.locale, toks.CSRFToken, correlationID, attachments, time.Now())
	if err != nil {
		return nil, err
	}
	freq, err := json.Marshal([]any{nil, inner})
	if err != nil {
		return nil, fmt.Errorf("marshal f.req: %w", err)
	}
	header, err := modelHeader(c.model, correlationID)
	if err != nil {
		return nil, err
	}

	body, err := c.be.Execute(ctx, batchrpc.Call{
		Method:  generateMethod,
		FReq:    string(freq),
		Headers: map[string]string{modelHeaderName: header},
	}, c.auth(toks))
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	frames, err := batchrpc.DecodeFrames(body)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if c.debug {
		spew.Dump(frames)
	}

	result, err := decodeGeneration(frames)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	result.Failed = failed
	return result, nil
}

// uploadAll pushes every file through the upload service, bounded
// concurrency, collecting per-file failures instead of aborting.
func (c *Client) uploadAll(ctx context.Context, files []File, toks tokens.Tokens) ([]attachmentRef, []AttachmentFailure) {
	if len(files) == 0 {
		return nil, nil
	}

	refs := make([]attachmentRef, len(files))
	ok := make([]bool, len(files))
	var mu sync.Mutex
	var failed []AttachmentFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, f := range files {
		g.Go(func() error {
			att, err := c.uploader.Upload(gctx, upload.Input{
				Data:          f.Data,
				FileName:      f.FileName,
				MimeType:      f.MimeType,
				PushID:        toks.PushID,
				ClientContext: toks.ClientContext,
				Cookies:       c.store.HeaderString(),
			})
			if err != nil {
				mu.Lock()
				failed = append(failed, AttachmentFailure{FileName: f.FileName, Err: err})
				mu.Unlock()
				return nil
			}
			refs[i] = attachmentRef{StorageRef: att.StorageRef, FileName: att.FileName}
			ok[i] = true
			return nil
		})
	}
	g.Wait()

	out := make([]attachmentRef, 0, len(files))
	for i := range refs {
		if ok[i] {
			out = append(out, refs[i])
		}
	}
	return out, failed
}

// Download fetches the image bytes behind a generated URL, following
// both ordinary and soft redirects with the session cookies attached.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetch.DefaultTimeout*fetch.MaxHops)
	defer cancel()
	return c.fetcher.Fetch(ctx, url, c.store.HeaderString())
}

func (c *Client) auth(toks tokens.Tokens) batchrpc.Auth {
	return batchrpc.Auth{
		CSRFToken: toks.CSRFToken,
		BuildID:   toks.BuildID,
		SessionID: toks.SessionID,
		Cookies:   c.store.HeaderString(),
	}
}
