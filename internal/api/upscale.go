package api

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"

	"github.com/pixelbard/bardgen/internal/batchrpc"
	"github.com/pixelbard/bardgen/internal/tokens"
)

// Upscale asks the backend for the full-resolution render of a
// previously generated image and returns its URL, suffixed so the
// origin serves the original size.
func (c *Client) Upscale(ctx context.Context, req UpscaleRequest) (string, error) {
	if !c.store.HasRequired() {
		return "", fmt.Errorf("upscale: %w", tokens.ErrAuthExpired)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	toks, err := c.extractor.Extract(ctx, c.store)
	if err != nil {
		return "", fmt.Errorf("refresh tokens: %w", err)
	}

	body, err := c.be.Execute(ctx, batchrpc.Call{
		Method: batchMethod,
		RPCID:  upscaleRPCID,
		Args:   upscaleArgs(req, uuid.NewString()),
		URLParams: map[string]string{
			"source-path": "/app/" + req.ConversationID,
		},
	}, c.auth(toks))
	if err != nil {
		return "", fmt.Errorf("upscale: %w", err)
	}

	frames, err := batchrpc.DecodeFrames(body)
	if err != nil {
		return "", fmt.Errorf("upscale: %w", err)
	}
	if c.debug {
		spew.Dump(frames)
	}

	for _, f := range frames {
		if f.RPCID != upscaleRPCID {
			continue
		}
		url, err := decodeUpscale(f.Payload)
		if err != nil {
			continue
		}
		return url + fullSizeSuffix, nil
	}
	return "", fmt.Errorf("upscale: %w", ErrUpscaleParseFailed)
}
