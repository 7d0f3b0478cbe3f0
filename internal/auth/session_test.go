package auth

import (
	"context"
	"sync"
	"testing"

	"github.com/pixelbard/bardgen/internal/cookies"
)

func TestStartRejectsConcurrentSession(t *testing.T) {
	m := NewSessionManager(cookies.NewStore())
	m.state = StateRunning

	if err := m.Start(context.Background()); err != ErrSessionRunning {
		t.Fatalf("Start() = %v, want ErrSessionRunning", err)
	}
}

func TestServeRelayWithoutSession(t *testing.T) {
	m := NewSessionManager(cookies.NewStore())
	if _, _, err := m.session(); err != ErrNoActiveSession {
		t.Fatalf("session() error = %v, want ErrNoActiveSession", err)
	}
}

// newRunningManager fakes the fields Start would set, without a browser.
func newRunningManager(store *cookies.Store) *SessionManager {
	m := NewSessionManager(store)
	m.state = StateRunning
	m.harvested = make(map[string]string)
	m.successOnce = new(sync.Once)
	m.successCh = make(chan struct{})
	m.stopCh = make(chan struct{})
	return m
}

func TestRecordSuccessExactlyOnce(t *testing.T) {
	store := cookies.NewStore()
	m := newRunningManager(store)

	m.record("NID", "ignored")
	m.record(cookies.CookiePSID, "aaa")
	if m.Status().State != StateRunning {
		t.Fatalf("state = %s before both cookies seen", m.Status().State)
	}

	m.record(cookies.CookiePSIDTS, "bbb")
	if m.Status().State != StateSuccess {
		t.Fatalf("state = %s, want success", m.Status().State)
	}
	select {
	case <-m.successCh:
	default:
		t.Fatal("success channel not closed")
	}
	if !store.HasRequired() {
		t.Errorf("store missing harvested cookies: %v", store.Snapshot())
	}

	// Late duplicates must not fire the transition again (a second
	// close would panic).
	m.record(cookies.CookiePSID, "aaa")
	m.record(cookies.CookiePSIDTS, "bbb")
	if m.Status().State != StateSuccess {
		t.Errorf("state = %s after duplicate events", m.Status().State)
	}
}

func TestRecordFiltersByPrefix(t *testing.T) {
	store := cookies.NewStore()
	m := newRunningManager(store)

	m.record("SID", "x")
	m.record("SIDCC", "y")
	m.record("", "z")
	if len(m.harvested) != 0 {
		t.Errorf("harvested = %v, want only prefixed cookies", m.harvested)
	}
}

func TestRelayAttachCounting(t *testing.T) {
	m := newRunningManager(cookies.NewStore())

	if !m.attachRelay() {
		t.Fatal("first attach should start the screencast")
	}
	if m.attachRelay() {
		t.Fatal("second attach must not restart the screencast")
	}
	if m.detachRelay() {
		t.Fatal("detach with an observer left must not stop the screencast")
	}
	if !m.detachRelay() {
		t.Fatal("last detach should stop the screencast")
	}
}

func TestStopFromRunning(t *testing.T) {
	m := newRunningManager(cookies.NewStore())
	m.Stop()
	if got := m.Status().State; got != StateIdle {
		t.Errorf("state after Stop = %s, want idle", got)
	}
	// Stop again is a no-op.
	m.Stop()
}
