package api

import "errors"

var (
	// ErrNoImagesProduced means the response decoded cleanly but carried no
	// image containers, typically because the prompt was refused.
	ErrNoImagesProduced = errors.New("no images produced")

	// ErrUpscaleParseFailed means the upscale response contained no
	// recognizable image URL.
	ErrUpscaleParseFailed = errors.New("upscale response parse failed")
)
