package cookies

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStoreMerge(t *testing.T) {
	s := NewStore()
	s.Merge(map[string]string{CookiePSID: "aaa"})
	s.Merge(map[string]string{CookiePSIDTS: "bbb"})

	// Idempotent: merging the same values changes nothing.
	s.Merge(map[string]string{CookiePSID: "aaa"})
	if got := s.HeaderString(); got != "__Secure-1PSID=aaa; __Secure-1PSIDTS=bbb" {
		t.Errorf("HeaderString() = %q", got)
	}

	// Last write wins, order is stable.
	s.Merge(map[string]string{CookiePSID: "ccc"})
	if got := s.HeaderString(); got != "__Secure-1PSID=ccc; __Secure-1PSIDTS=bbb" {
		t.Errorf("HeaderString() after update = %q", got)
	}

	// Merge never deletes.
	s.Merge(map[string]string{"NID": "n"})
	if got := s.Get(CookiePSIDTS); got != "bbb" {
		t.Errorf("Get(PSIDTS) = %q, want bbb", got)
	}
}

func TestStoreHasRequired(t *testing.T) {
	tests := []struct {
		name    string
		cookies map[string]string
		want    bool
	}{
		{"empty", nil, false},
		{"psid only", map[string]string{CookiePSID: "a"}, false},
		{"psidts only", map[string]string{CookiePSIDTS: "b"}, false},
		{"both", map[string]string{CookiePSID: "a", CookiePSIDTS: "b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.Merge(tt.cookies)
			if got := s.HasRequired(); got != tt.want {
				t.Errorf("HasRequired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseHeader(t *testing.T) {
	got := ParseHeader("__Secure-1PSID=aaa; __Secure-1PSIDTS=bbb;NID=ccc")
	want := map[string]string{
		CookiePSID:   "aaa",
		CookiePSIDTS: "bbb",
		"NID":        "ccc",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseHeader() mismatch (-want +got):\n%s", diff)
	}
}

func TestStorePersistLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")

	s := NewStore()
	s.Merge(map[string]string{CookiePSID: "aaa", CookiePSIDTS: "bbb", "NID": "ccc"})
	s.Persist(path)

	loaded := NewStore()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.HasRequired() {
		t.Errorf("loaded store missing required cookies: %v", loaded.Snapshot())
	}
	if got := loaded.Get(CookiePSID); got != "aaa" {
		t.Errorf("Get(PSID) = %q, want aaa", got)
	}
}
