package batchrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// antiScriptPrefix is the sentinel the upstream prepends to every JSON
// response to block naive cross-site script inclusion.
const antiScriptPrefix = ")]}'"

// Frame is one decoded wrb.fr content frame. Payload is the inner,
// double-encoded JSON document, re-exposed as raw JSON.
type Frame struct {
	RPCID   string
	Payload json.RawMessage
}

// stream control marker tags interleaved with content frames.
var controlTags = map[string]bool{
	"e":         true,
	"di":        true,
	"af.httprm": true,
}

// DecodeFrames decodes a raw batch-RPC response body into its content
// frames. The body is newline-delimited: the anti-scripting prefix is
// stripped, bare numeric lines (chunk lengths, bare status codes) are
// skipped, and every remaining line is parsed as a JSON array of frames.
// Control markers are dropped; wrb.fr frames have their third element
// parsed out of its string encoding.
func DecodeFrames(raw []byte) ([]Frame, error) {
	body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(raw)), antiScriptPrefix))
	if body == "" {
		return nil, &ProtocolError{Message: "empty response"}
	}

	var frames []Frame

	scanner := bufio.NewScanner(strings.NewReader(body))
	// Generated images arrive as data URLs inside a single line; allow
	// payload lines well beyond the default token size.
	const maxLine = 32 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := strconv.Atoi(line); err == nil {
			continue
		}
		if !strings.HasPrefix(line, "[") {
			continue
		}

		var outer []json.RawMessage
		if err := json.Unmarshal([]byte(line), &outer); err != nil {
			// Tolerate interleaved non-JSON noise; schema drift surfaces
			// as zero frames below, with the body attached.
			continue
		}
		for _, el := range outer {
			frame, ok, err := decodeFrame(el)
			if err != nil {
				return nil, err
			}
			if ok {
				frames = append(frames, frame)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan response: %w", err)
	}

	if len(frames) == 0 {
		return nil, &ProtocolError{
			Message: "no content frames in response",
			Body:    Truncate(body, 512),
		}
	}
	return frames, nil
}

// decodeFrame decodes one element of an outer response array. Returns
// ok=false for control markers and frames without a payload.
func decodeFrame(el json.RawMessage) (Frame, bool, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(el, &parts); err != nil || len(parts) < 3 {
		return Frame{}, false, nil
	}

	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return Frame{}, false, nil
	}
	if controlTags[tag] || tag != "wrb.fr" {
		return Frame{}, false, nil
	}

	frame := Frame{}
	// Element 1 is the rpc id for batch calls and null for stream methods.
	_ = json.Unmarshal(parts[1], &frame.RPCID)

	// Element 2 is the double-encoded payload: a JSON string holding the
	// actual JSON document.
	var inner string
	if err := json.Unmarshal(parts[2], &inner); err != nil {
		// Some frames carry null here (e.g. empty results); skip them.
		return Frame{}, false, nil
	}
	if !json.Valid([]byte(inner)) {
		return Frame{}, false, &ProtocolError{
			Message: "frame payload is not valid JSON",
			Body:    Truncate(inner, 512),
		}
	}
	frame.Payload = json.RawMessage(inner)
	return frame, true, nil
}
