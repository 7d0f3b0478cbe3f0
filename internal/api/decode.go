package api

import (
	"encoding/json"

	"github.com/pixelbard/bardgen/internal/batchrpc"
)

// node wraps a fragment of a decoded payload. The response format is
// deeply nested positional arrays, so every accessor is tolerant: a
// missing index or a type mismatch yields a zero node rather than an
// error, and callers check the final value.
type node struct {
	raw json.RawMessage
}

func (n node) valid() bool {
	return len(n.raw) > 0 && string(n.raw) != "null"
}

func (n node) index(i int) node {
	if !n.valid() {
		return node{}
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(n.raw, &arr); err != nil || i >= len(arr) {
		return node{}
	}
	return node{raw: arr[i]}
}

func (n node) list() []node {
	if !n.valid() {
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(n.raw, &arr); err != nil {
		return nil
	}
	out := make([]node, len(arr))
	for i, r := range arr {
		out[i] = node{raw: r}
	}
	return out
}

func (n node) str() string {
	if !n.valid() {
		return ""
	}
	var s string
	if err := json.Unmarshal(n.raw, &s); err != nil {
		return ""
	}
	return s
}

func (n node) intVal() int {
	if !n.valid() {
		return 0
	}
	var v int
	if err := json.Unmarshal(n.raw, &v); err != nil {
		return 0
	}
	return v
}

// decodeGeneration walks the content frames of a generation response
// and assembles the result. The response arrives as a stream of frames
// for the same RPC; ids are taken from the first frame that carries
// them and images are collected across all frames, deduplicated by URL.
func decodeGeneration(frames []batchrpc.Frame) (*GenerationResult, error) {
	res := &GenerationResult{}
	seen := make(map[string]bool)

	for _, f := range frames {
		payload := node{raw: f.Payload}

		ids := payload.index(1)
		if res.ConversationID == "" {
			res.ConversationID = ids.index(0).str()
		}
		if res.ResponseID == "" {
			res.ResponseID = ids.index(1).str()
		}
		if res.ModelName == "" {
			res.ModelName = modelName(payload)
		}

		for _, cand := range payload.index(4).list() {
			chunkID := cand.index(0).str()
			for _, group := range imageGroups(cand) {
				for _, img := range decodeImageGroup(group, chunkID) {
					if seen[img.URL] {
						continue
					}
					seen[img.URL] = true
					res.Images = append(res.Images, img)
				}
			}
		}
	}

	if len(res.Images) == 0 {
		return nil, ErrNoImagesProduced
	}
	return res, nil
}

func modelName(payload node) string {
	m := payload.index(12)
	if s := m.str(); s != "" {
		return s
	}
	return m.index(0).str()
}

// imageGroups extracts the image container list from one response
// candidate. Two shapes exist: plain generations carry the containers
// directly at index 4, while edits of an earlier image wrap them one
// level deeper at index 12.
func imageGroups(cand node) []node {
	if plain := cand.index(4); plain.valid() {
		return plain.list()
	}
	return cand.index(12).index(0).index(7).list()
}

// decodeImageGroup reads one image container. Index 0 holds the preview
// variant, index 3 the full-size variant when the server rendered one,
// index 2 the image token shared by both. A variant is [[url, height,
// width], _, fileName, mimeType]. Every variant with a URL becomes its
// own image; the caller deduplicates by URL across the response.
func decodeImageGroup(group node, chunkID string) []GeneratedImage {
	token := group.index(2).str()

	var images []GeneratedImage
	for _, variant := range []node{group.index(0), group.index(3)} {
		url := variant.index(0).index(0).str()
		if url == "" {
			continue
		}
		images = append(images, GeneratedImage{
			URL:      url,
			Height:   variant.index(0).index(1).intVal(),
			Width:    variant.index(0).index(2).intVal(),
			FileName: variant.index(2).str(),
			MimeType: variant.index(3).str(),
			Token:    token,
			ChunkID:  chunkID,
		})
	}
	return images
}

// decodeUpscale performs a depth-first walk of the upscale response
// payload and returns the first absolute URL it finds. The response
// nests the URL at a depth that has shifted between server releases, so
// position is not trusted.
func decodeUpscale(payload json.RawMessage) (string, error) {
	if url := firstURL(node{raw: payload}); url != "" {
		return url, nil
	}
	return "", ErrUpscaleParseFailed
}

func firstURL(n node) string {
	if !n.valid() {
		return ""
	}
	if s := n.str(); s != "" {
		if len(s) > 8 && (s[:8] == "https://" || s[:7] == "http://") {
			return s
		}
		return ""
	}
	for _, child := range n.list() {
		if url := firstURL(child); url != "" {
			return url
		}
	}
	return ""
}
