package api

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pixelbard/bardgen/internal/batchrpc"
)

// imageGroup builds the wire shape of one generated image container:
// preview variant at 0, token at 2, full-size variant at 3.
func imageGroup(previewURL, fullURL, token string) string {
	preview := `[["` + previewURL + `",512,512],null,"out.png","image/png"]`
	full := "null"
	if fullURL != "" {
		full = `[["` + fullURL + `",1536,1536],null,"out.png","image/png"]`
	}
	return `[` + preview + `,null,"` + token + `",` + full + `]`
}

func frame(payload string) batchrpc.Frame {
	return batchrpc.Frame{Payload: json.RawMessage(payload)}
}

func TestDecodeGeneration(t *testing.T) {
	payload := `[null,["c_abc","r_def"],null,null,` +
		`[["rc_1",null,null,null,[` +
		imageGroup("https://lh3.test/p1", "https://lh3.test/f1", "tok1") + `,` +
		imageGroup("https://lh3.test/p2", "", "tok2") +
		`]]],null,null,null,null,null,null,null,["gem-img-1"]]`

	got, err := decodeGeneration([]batchrpc.Frame{frame(payload)})
	if err != nil {
		t.Fatalf("decodeGeneration() error = %v", err)
	}

	want := &GenerationResult{
		ConversationID: "c_abc",
		ResponseID:     "r_def",
		ModelName:      "gem-img-1",
		Images: []GeneratedImage{
			{
				URL:      "https://lh3.test/p1",
				FileName: "out.png",
				MimeType: "image/png",
				Width:    512,
				Height:   512,
				Token:    "tok1",
				ChunkID:  "rc_1",
			},
			{
				URL:      "https://lh3.test/f1",
				FileName: "out.png",
				MimeType: "image/png",
				Width:    1536,
				Height:   1536,
				Token:    "tok1",
				ChunkID:  "rc_1",
			},
			{
				// Only a preview was rendered for this group.
				URL:      "https://lh3.test/p2",
				FileName: "out.png",
				MimeType: "image/png",
				Width:    512,
				Height:   512,
				Token:    "tok2",
				ChunkID:  "rc_1",
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decodeGeneration() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeGenerationImagePerVariant(t *testing.T) {
	payload := `[null,["c_abc","r_def"],null,null,` +
		`[["rc_1",null,null,null,[` +
		imageGroup("https://lh3.test/p1", "https://lh3.test/f1", "tok1") +
		`]]]]`

	got, err := decodeGeneration([]batchrpc.Frame{frame(payload)})
	if err != nil {
		t.Fatalf("decodeGeneration() error = %v", err)
	}
	if len(got.Images) != 2 {
		t.Fatalf("len(Images) = %d, want 2 (one per variant)", len(got.Images))
	}
	urls := []string{got.Images[0].URL, got.Images[1].URL}
	if urls[0] != "https://lh3.test/p1" || urls[1] != "https://lh3.test/f1" {
		t.Errorf("variant urls = %v", urls)
	}
	// Both variants carry the group's token.
	if got.Images[0].Token != "tok1" || got.Images[1].Token != "tok1" {
		t.Errorf("tokens = %q/%q, want tok1 on both", got.Images[0].Token, got.Images[1].Token)
	}
}

func TestDecodeGenerationDupVariantURLs(t *testing.T) {
	// Some groups repeat the same URL at both variant slots.
	payload := `[null,["c_abc","r_def"],null,null,` +
		`[["rc_1",null,null,null,[` +
		imageGroup("https://lh3.test/same", "https://lh3.test/same", "tok1") +
		`]]]]`

	got, err := decodeGeneration([]batchrpc.Frame{frame(payload)})
	if err != nil {
		t.Fatalf("decodeGeneration() error = %v", err)
	}
	if len(got.Images) != 1 {
		t.Errorf("len(Images) = %d, want 1 after URL dedup", len(got.Images))
	}
}

func TestDecodeGenerationEditWrapper(t *testing.T) {
	// Edits of an uploaded image nest the containers under candidate
	// index 12 instead of index 4.
	groups := `[` + imageGroup("https://lh3.test/p1", "https://lh3.test/f1", "tok1") + `]`
	payload := `[null,["c_abc","r_def"],null,null,` +
		`[["rc_1",null,null,null,null,null,null,null,null,null,null,null,` +
		`[[null,null,null,null,null,null,null,` + groups + `]]]]]`

	got, err := decodeGeneration([]batchrpc.Frame{frame(payload)})
	if err != nil {
		t.Fatalf("decodeGeneration() error = %v", err)
	}
	if len(got.Images) != 2 {
		t.Fatalf("len(Images) = %d, want 2", len(got.Images))
	}
	if got.Images[0].URL != "https://lh3.test/p1" || got.Images[1].URL != "https://lh3.test/f1" {
		t.Errorf("images = %+v", got.Images)
	}
}

func TestDecodeGenerationDedupAcrossFrames(t *testing.T) {
	payload := `[null,["c_abc","r_def"],null,null,` +
		`[["rc_1",null,null,null,[` + imageGroup("https://lh3.test/p1", "https://lh3.test/f1", "tok1") + `]]]]`

	// The stream repeats the same candidate in progressive frames.
	got, err := decodeGeneration([]batchrpc.Frame{frame(payload), frame(payload)})
	if err != nil {
		t.Fatalf("decodeGeneration() error = %v", err)
	}
	if len(got.Images) != 2 {
		t.Errorf("len(Images) = %d, want 2 after dedup", len(got.Images))
	}
}

func TestDecodeGenerationIDsFirstNonNilWins(t *testing.T) {
	first := `[null,[null,null],null,null,` +
		`[["rc_0",null,null,null,[` + imageGroup("https://lh3.test/p0", "", "t0") + `]]]]`
	second := `[null,["c_abc","r_def"],null,null,[]]`

	got, err := decodeGeneration([]batchrpc.Frame{frame(first), frame(second)})
	if err != nil {
		t.Fatalf("decodeGeneration() error = %v", err)
	}
	if got.ConversationID != "c_abc" || got.ResponseID != "r_def" {
		t.Errorf("ids = %q/%q", got.ConversationID, got.ResponseID)
	}
}

func TestDecodeGenerationTextOnly(t *testing.T) {
	payload := `[null,["c_abc","r_def"],null,null,[["rc_1",["I can't create that image."]]]]`
	_, err := decodeGeneration([]batchrpc.Frame{frame(payload)})
	if !errors.Is(err, ErrNoImagesProduced) {
		t.Fatalf("decodeGeneration() error = %v, want ErrNoImagesProduced", err)
	}
}

func TestDecodeUpscale(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{
			name:    "nested url",
			payload: `[null,[[["https://lh3.test/upscaled-img"]],4]]`,
			want:    "https://lh3.test/upscaled-img",
		},
		{
			name:    "url at top level",
			payload: `["https://lh3.test/direct"]`,
			want:    "https://lh3.test/direct",
		},
		{
			name:    "no url anywhere",
			payload: `[null,["just text",42],[["more text"]]]`,
			wantErr: true,
		},
		{
			name:    "empty payload",
			payload: `[]`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeUpscale(json.RawMessage(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrUpscaleParseFailed) {
					t.Fatalf("decodeUpscale() error = %v, want ErrUpscaleParseFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeUpscale() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("decodeUpscale() = %q, want %q", got, tt.want)
			}
		})
	}
}
