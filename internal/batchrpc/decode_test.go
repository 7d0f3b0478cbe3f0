package batchrpc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeFrames(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []Frame
		wantErr bool
	}{
		{
			name: "single frame with prefix and chunk lengths",
			raw:  ")]}'\n\n37\n[[\"wrb.fr\",\"B3hyRd\",\"[\\\"ok\\\"]\"]]\n",
			want: []Frame{{RPCID: "B3hyRd", Payload: []byte(`["ok"]`)}},
		},
		{
			name: "control markers skipped",
			raw: ")]}'\n" +
				"12\n" +
				`[["wrb.fr",null,"[1,2]"],["di",42],["af.httprm",42,"x",7]]` + "\n" +
				`[["e",4,null,null,131]]` + "\n",
			want: []Frame{{Payload: []byte(`[1,2]`)}},
		},
		{
			name: "multiple content frames across lines",
			raw: ")]}'\n" +
				`[["wrb.fr","aaa","[\"one\"]"]]` + "\n" +
				"55\n" +
				`[["wrb.fr","bbb","[\"two\"]"]]` + "\n",
			want: []Frame{
				{RPCID: "aaa", Payload: []byte(`["one"]`)},
				{RPCID: "bbb", Payload: []byte(`["two"]`)},
			},
		},
		{
			name: "null payload frames dropped",
			raw: ")]}'\n" +
				`[["wrb.fr","aaa",null],["wrb.fr","bbb","[3]"]]` + "\n",
			want: []Frame{{RPCID: "bbb", Payload: []byte(`[3]`)}},
		},
		{
			name:    "no content frames",
			raw:     ")]}'\n[[\"e\",4]]\n",
			wantErr: true,
		},
		{
			name:    "empty body",
			raw:     ")]}'\n",
			wantErr: true,
		},
		{
			name:    "invalid inner payload",
			raw:     ")]}'\n" + `[["wrb.fr","aaa","not json"]]` + "\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrames([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeFrames() = %v, want error", got)
				}
				var perr *ProtocolError
				if !errors.As(err, &perr) {
					t.Errorf("DecodeFrames() error = %T, want *ProtocolError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrames() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeFrames() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
