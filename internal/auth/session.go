// Package auth drives an interactive Google sign-in inside a controlled
// Chrome instance and harvests the session cookies the generation
// backend requires. The browser screen is mirrored to the operator over
// a WebSocket relay; no credentials pass through this process.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/pixelbard/bardgen/internal/cookies"
)

const (
	// DefaultLoginURL lands on the Google sign-in page and bounces to
	// the app once authenticated, which is when the session cookies
	// appear on the wire.
	DefaultLoginURL = "https://accounts.google.com/ServiceLogin?continue=https://gemini.google.com/app"

	// DefaultDeadline bounds one interactive login attempt.
	DefaultDeadline = 5 * time.Minute

	// successGrace keeps the browser alive briefly after the cookies
	// are captured so trailing requests (consent, redirects) settle.
	successGrace = 3 * time.Second
)

var (
	ErrSessionRunning  = errors.New("login session already running")
	ErrNoActiveSession = errors.New("no active login session")
)

// Status is the externally visible session state.
type Status struct {
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

// SessionManager owns at most one login browser at a time. Start is
// single-flight: a second Start while a session runs is rejected rather
// than queued.
type SessionManager struct {
	store    *cookies.Store
	envPath  string
	loginURL string
	deadline time.Duration
	headless bool
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	lastErr     error
	harvested   map[string]string
	successOnce *sync.Once
	successCh   chan struct{}
	stopCh      chan struct{}
	browserCtx  context.Context
	cancel      context.CancelFunc
	relays      int
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithLoginURL overrides the sign-in entry point.
func WithLoginURL(u string) SessionOption {
	return func(m *SessionManager) { m.loginURL = u }
}

// WithDeadline bounds one login attempt.
func WithDeadline(d time.Duration) SessionOption {
	return func(m *SessionManager) { m.deadline = d }
}

// WithHeadless controls whether Chrome runs headless. The relay mirrors
// the screen either way; headful is useful only for local debugging.
func WithHeadless(headless bool) SessionOption {
	return func(m *SessionManager) { m.headless = headless }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(m *SessionManager) { m.logger = l }
}

// WithEnvPath persists harvested cookies to the env file on success.
func WithEnvPath(path string) SessionOption {
	return func(m *SessionManager) { m.envPath = path }
}

// NewSessionManager creates a manager that merges harvested cookies
// into store.
func NewSessionManager(store *cookies.Store, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		store:    store,
		loginURL: DefaultLoginURL,
		deadline: DefaultDeadline,
		headless: true,
		logger:   slog.Default(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status reports the current session state.
func (m *SessionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}

// Start launches a login browser and returns immediately. The session
// runs until the cookies are captured, the deadline passes, Stop is
// called, or the browser fails.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return ErrSessionRunning
	}
	m.state = next(m.state, eventStart)
	m.lastErr = nil
	m.harvested = make(map[string]string)
	m.successOnce = new(sync.Once)
	m.successCh = make(chan struct{})
	m.stopCh = make(chan struct{})
	m.relays = 0

	// The browser outlives the caller's request; its lifetime is bounded
	// by the deadline and Stop, not by ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), m.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	m.browserCtx = browserCtx
	m.cancel = func() {
		browserCancel()
		allocCancel()
	}
	chromedp.ListenTarget(browserCtx, m.harvestEvent)
	stopCh, successCh := m.stopCh, m.successCh
	m.mu.Unlock()

	go m.run(browserCtx, stopCh, successCh)
	return nil
}

// Stop tears down the session from any state. Stopping an idle or
// finished session is a no-op.
func (m *SessionManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning {
		close(m.stopCh)
	}
	m.state = next(m.state, eventStop)
	m.teardownLocked()
}

func (m *SessionManager) run(browserCtx context.Context, stopCh, successCh <-chan struct{}) {
	err := chromedp.Run(browserCtx,
		network.Enable(),
		chromedp.Navigate(m.loginURL),
	)
	if err != nil {
		m.fail(err)
		return
	}
	m.logger.Info("login session started", "url", m.loginURL, "deadline", m.deadline)

	deadline := time.NewTimer(m.deadline)
	defer deadline.Stop()

	select {
	case <-successCh:
		time.Sleep(successGrace)
	case <-deadline.C:
		m.transition(eventDeadline)
		m.logger.Warn("login session timed out")
	case <-stopCh:
	case <-browserCtx.Done():
		m.fail(browserCtx.Err())
		return
	}

	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()
}

func (m *SessionManager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning {
		m.state = next(m.state, eventFailure)
		m.lastErr = err
		m.logger.Error("login session failed", "err", err)
	}
	m.teardownLocked()
}

func (m *SessionManager) transition(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = next(m.state, e)
}

func (m *SessionManager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
		m.browserCtx = nil
	}
}

// attachRelay registers an observer and reports whether it is the first
// one, i.e. whether the screencast must be started.
func (m *SessionManager) attachRelay() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relays++
	return m.relays == 1
}

// detachRelay deregisters an observer and reports whether it was the
// last one, i.e. whether the screencast must be stopped.
func (m *SessionManager) detachRelay() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relays--
	return m.relays == 0
}

// session returns the live browser context and the success channel for
// the relay.
func (m *SessionManager) session() (context.Context, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning || m.browserCtx == nil {
		return nil, nil, ErrNoActiveSession
	}
	return m.browserCtx, m.successCh, nil
}

// harvestEvent watches network traffic for the session cookies. Both
// directions matter: the server sets the cookies on responses, and the
// browser echoes them on subsequent requests, whichever we see first.
func (m *SessionManager) harvestEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSentExtraInfo:
		for _, ac := range e.AssociatedCookies {
			if ac.Cookie != nil {
				m.record(ac.Cookie.Name, ac.Cookie.Value)
			}
		}
		if raw, ok := headerValue(e.Headers, "cookie"); ok {
			for name, value := range cookies.ParseHeader(raw) {
				m.record(name, value)
			}
		}
	case *network.EventResponseReceivedExtraInfo:
		if raw, ok := headerValue(e.Headers, "set-cookie"); ok {
			for _, line := range strings.Split(raw, "\n") {
				if name, rest, found := strings.Cut(line, "="); found {
					value, _, _ := strings.Cut(rest, ";")
					m.record(strings.TrimSpace(name), strings.TrimSpace(value))
				}
			}
		}
	}
}

func (m *SessionManager) record(name, value string) {
	if !strings.HasPrefix(name, cookies.RequiredPrefix) || value == "" {
		return
	}
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.harvested[name] = value
	complete := m.harvested[cookies.CookiePSID] != "" && m.harvested[cookies.CookiePSIDTS] != ""
	once := m.successOnce
	m.mu.Unlock()

	if !complete {
		return
	}
	once.Do(func() {
		m.mu.Lock()
		m.state = next(m.state, eventCookiesFound)
		snapshot := make(map[string]string, len(m.harvested))
		for k, v := range m.harvested {
			snapshot[k] = v
		}
		successCh := m.successCh
		m.mu.Unlock()

		m.store.Merge(snapshot)
		if m.envPath != "" {
			m.store.Persist(m.envPath)
		}
		m.logger.Info("login session captured cookies", "count", len(snapshot))
		close(successCh)
	})
}

// headerValue reads a header from a CDP header map, case-insensitively.
func headerValue(h network.Headers, name string) (string, bool) {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func (m *SessionManager) allocatorOptions() []chromedp.ExecAllocatorOption {
	return append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", m.headless),
		chromedp.Flag("window-size", "1280,800"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("remote-debugging-port", "0"),
	)
}
