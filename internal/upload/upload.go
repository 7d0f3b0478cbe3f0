// Package upload implements the two-phase resumable upload used for image
// attachments: an initiate POST that declares the payload and hands back a
// continuation URL, then a single finalize POST carrying the bytes.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pixelbard/bardgen/internal/batchrpc"
)

// Endpoint is the fixed upload-service entry point.
const Endpoint = "https://content-push.googleapis.com/upload/"

// tenantID routes the payload to the application's storage tenant.
const tenantID = "bard-storage"

// DefaultTimeout bounds each phase.
const DefaultTimeout = 30 * time.Second

// ErrInitFailed means the initiate phase did not return an upload URL.
// There is no continuation point, so the attachment is abandoned.
var ErrInitFailed = errors.New("upload initiate failed")

// ErrUploadFailed means the finalize phase was rejected.
var ErrUploadFailed = errors.New("upload finalize failed")

// Input describes one attachment to upload.
type Input struct {
	Data          []byte
	FileName      string
	MimeType      string
	PushID        string // optional, from token extraction
	ClientContext string // optional, from token extraction
	Cookies       string
}

// Attachment is the uploaded result consumed by exactly one generation
// request.
type Attachment struct {
	StorageRef string
	FileName   string
	MimeType   string
}

// Client performs attachment uploads.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// Option configures an upload Client.
type Option func(*Client)

// WithEndpoint overrides the upload-service endpoint.
func WithEndpoint(u string) Option { return func(c *Client) { c.endpoint = u } }

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// New creates an upload client.
func New(opts ...Option) *Client {
	c := &Client{
		endpoint:   Endpoint,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload runs both phases for one attachment. Failure at either phase is
// terminal for this file only; other attachments of the same generation
// call are unaffected.
func (c *Client) Upload(ctx context.Context, in Input) (Attachment, error) {
	uploadURL, err := c.initiate(ctx, in)
	if err != nil {
		return Attachment{}, err
	}
	ref, err := c.finalize(ctx, uploadURL, in)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{StorageRef: ref, FileName: in.FileName, MimeType: in.MimeType}, nil
}

// initiate declares the upload. The body is a human-readable filename
// declaration, not the binary; the continuation URL comes back in the
// x-goog-upload-url response header.
func (c *Client) initiate(ctx context.Context, in Input) (string, error) {
	body := "File name: " + in.FileName
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("create initiate request: %w", err)
	}
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.Itoa(len(in.Data)))
	req.Header.Set("X-Tenant-Id", tenantID)
	if in.PushID != "" {
		req.Header.Set("Push-Id", in.PushID)
	}
	if in.ClientContext != "" {
		req.Header.Set("X-Client-Context", in.ClientContext)
	}
	if in.Cookies != "" {
		req.Header.Set("Cookie", in.Cookies)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("initiate upload: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return "", fmt.Errorf("%w: no upload url header (status %d, body %q)",
			ErrInitFailed, resp.StatusCode, batchrpc.Truncate(string(respBody), 256))
	}
	return uploadURL, nil
}

// finalize transfers the full payload in one shot at offset 0. The response
// body is the opaque storage reference cited by the generation request.
func (c *Client) finalize(ctx context.Context, uploadURL string, in Input) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(in.Data))
	if err != nil {
		return "", fmt.Errorf("create finalize request: %w", err)
	}
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	req.Header.Set("X-Goog-Upload-Offset", "0")
	if in.Cookies != "" {
		req.Header.Set("Cookie", in.Cookies)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read finalize response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d, body %q",
			ErrUploadFailed, resp.StatusCode, batchrpc.Truncate(string(respBody), 256))
	}
	ref := string(bytes.TrimSpace(respBody))
	if ref == "" {
		return "", fmt.Errorf("%w: empty storage reference", ErrUploadFailed)
	}
	return ref, nil
}
