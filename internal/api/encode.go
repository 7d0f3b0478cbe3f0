package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelopeVersion tags the slot layout below. Bump it when recaptured
// traffic shows the server expecting a different shape.
const envelopeVersion = "2024-08"

// envelopeSlots is the full positional request array for the generation
// RPC, reverse-engineered from captured traffic. Most slots are opaque
// constants the web app always sends; only the indices named by the
// slot* constants carry request-specific values. Do not infer meaning
// for the rest.
const envelopeWidth = 69

// Meaningful slot indices. Everything else in the envelope is opaque.
const (
	slotPrompt        = 0
	slotLocale        = 1
	slotCSRF          = 3
	slotCorrelationID = 59
	slotTimestamp     = 66
)

// opaqueSlots holds the constant values observed for the non-semantic
// slots. Indices absent from this map are sent as null.
var opaqueSlots = map[int]any{
	2:  []any{},
	4:  1,
	6:  0,
	7:  []any{0},
	10: 0,
	15: 1,
	18: []any{4},
	22: []any{1},
	27: []any{1},
	36: 0,
	41: 1,
	43: []any{0},
	49: 0,
	52: []any{},
	58: 1,
	62: []any{0},
	65: 0,
}

// attachmentRef is the wire shape of one uploaded file reference inside
// slot 0: [[storageRef], fileName].
type attachmentRef struct {
	StorageRef string
	FileName   string
}

func (a attachmentRef) wire() []any {
	return []any{[]any{a.StorageRef}, a.FileName}
}

// encodeGeneration serializes the inner positional array for a
// generation request. The result is the string that rides inside
// f.req's second element.
func encodeGeneration(prompt, locale, csrfToken, correlationID string, attachments []attachmentRef, now time.Time) (string, error) {
	slots := make([]any, envelopeWidth)
	for i, v := range opaqueSlots {
		slots[i] = v
	}

	promptSlot := []any{prompt}
	if len(attachments) > 0 {
		refs := make([]any, 0, len(attachments))
		for _, a := range attachments {
			refs = append(refs, a.wire())
		}
		promptSlot = []any{prompt, 0, nil, refs}
	}
	slots[slotPrompt] = promptSlot
	slots[slotLocale] = []any{locale}
	slots[slotCSRF] = csrfToken
	slots[slotCorrelationID] = correlationID
	slots[slotTimestamp] = []any{now.Unix(), now.Nanosecond()}

	inner, err := json.Marshal(slots)
	if err != nil {
		return "", fmt.Errorf("marshal envelope (layout %s): %w", envelopeVersion, err)
	}
	return string(inner), nil
}

// modelHeader builds the x-goog-ext extension header value carrying the
// model selector and the request correlation id.
func modelHeader(model, correlationID string) (string, error) {
	v, err := json.Marshal([]any{1, model, correlationID})
	if err != nil {
		return "", fmt.Errorf("marshal model header: %w", err)
	}
	return string(v), nil
}

// upscaleArgs builds the argument list for the full-resolution RPC: the
// image token, a placeholder reference echoing where the image came
// from, the original prompt, and a fresh request token. The batch
// envelope double-encodes these into f.req.
func upscaleArgs(req UpscaleRequest, requestToken string) []interface{} {
	placeholder := []any{
		req.ChunkID,
		[]any{req.ConversationID, req.ResponseID},
	}
	return []interface{}{
		[]any{req.ImageToken},
		placeholder,
		req.Prompt,
		requestToken,
	}
}
