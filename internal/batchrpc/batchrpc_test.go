package batchrpc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildFReq(t *testing.T) {
	tests := []struct {
		name  string
		rpcID string
		args  []interface{}
		want  string
	}{
		{
			name:  "no args",
			rpcID: "abc123",
			args:  []interface{}{},
			want:  `[[["abc123","[]",null,"generic"]]]`,
		},
		{
			name:  "nested args",
			rpcID: "B3hyRd",
			args:  []interface{}{[]interface{}{"tok"}, "prompt"},
			want:  `[[["B3hyRd","[[\"tok\"],\"prompt\"]",null,"generic"]]]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildFReq(tt.rpcID, tt.args)
			if err != nil {
				t.Fatalf("buildFReq() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("buildFReq() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	var gotForm map[string]string
	var gotQuery map[string]string
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"f.req": r.PostFormValue("f.req"),
			"at":    r.PostFormValue("at"),
		}
		gotQuery = map[string]string{
			"bl":    r.URL.Query().Get("bl"),
			"f.sid": r.URL.Query().Get("f.sid"),
			"rt":    r.URL.Query().Get("rt"),
			"hl":    r.URL.Query().Get("hl"),
		}
		gotHeaders = r.Header.Clone()
		w.Write([]byte(")]}'\n\n42\n[[\"wrb.fr\",\"xyz\",\"[1]\"]]\n"))
	}))
	defer srv.Close()

	client := NewClient(Config{Host: "example.com", App: "TestUi"},
		WithHTTPClient(srv.Client()))
	// Point the request at the test server by rewriting the host via a
	// RoundTripper.
	client.httpClient.Transport = rewriteHost(srv)

	body, err := client.Execute(context.Background(), Call{
		Method:  "some.Method",
		FReq:    `[null,"inner"]`,
		Headers: map[string]string{"X-Extra": "1"},
	}, Auth{
		CSRFToken: "csrf-token",
		BuildID:   "boq_build",
		SessionID: "-123456",
		Cookies:   "__Secure-1PSID=abc",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(string(body), "wrb.fr") {
		t.Errorf("Execute() body = %q, want content frame", body)
	}

	wantForm := map[string]string{"f.req": `[null,"inner"]`, "at": "csrf-token"}
	if diff := cmp.Diff(wantForm, gotForm); diff != "" {
		t.Errorf("form mismatch (-want +got):\n%s", diff)
	}
	wantQuery := map[string]string{"bl": "boq_build", "f.sid": "-123456", "rt": "c", "hl": "en"}
	if diff := cmp.Diff(wantQuery, gotQuery); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
	if got := gotHeaders.Get("X-Same-Domain"); got != "1" {
		t.Errorf("X-Same-Domain = %q, want 1", got)
	}
	if got := gotHeaders.Get("X-Extra"); got != "1" {
		t.Errorf("X-Extra = %q, want 1", got)
	}
	if got := gotHeaders.Get("Cookie"); got != "__Secure-1PSID=abc" {
		t.Errorf("Cookie = %q", got)
	}
}

func TestExecuteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(Config{Host: "example.com", App: "TestUi"}, WithHTTPClient(srv.Client()))
	client.httpClient.Transport = rewriteHost(srv)

	_, err := client.Execute(context.Background(), Call{Method: "m", FReq: "[]"}, Auth{})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Execute() error = %v, want *ProtocolError", err)
	}
	if perr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", perr.StatusCode)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected 403 to unwrap to ErrUnauthorized")
	}
}

func TestReqIDGenerator(t *testing.T) {
	g := NewReqIDGenerator()
	first := g.Next()
	second := g.Next()
	if first == second {
		t.Fatalf("Next() returned %q twice", first)
	}
	if len(first) != 4 {
		t.Errorf("first id %q, want 4 digits", first)
	}
	// Subsequent ids add 100000 per request.
	if len(second) != 6 {
		t.Errorf("second id %q, want 6 digits", second)
	}
}

func TestMaskCookieValues(t *testing.T) {
	got := maskCookieValues("__Secure-1PSID=verysecretvaluehere; SIDCC=xy")
	if strings.Contains(got, "verysecretvaluehere") {
		t.Errorf("maskCookieValues() leaked value: %q", got)
	}
	if !strings.Contains(got, "__Secure-1PSID=") {
		t.Errorf("maskCookieValues() dropped name: %q", got)
	}
}

// rewriteHost redirects any request to the test server.
func rewriteHost(srv *httptest.Server) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = strings.TrimPrefix(srv.URL, "http://")
		return http.DefaultTransport.RoundTrip(req)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
