package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	screencastQuality  = 50
	screencastMaxWidth = 1280
	relayKeepalive     = 10 * time.Second
)

// relayFrame is one outbound message to the relay client.
type relayFrame struct {
	Type     string         `json:"type"`
	Data     string         `json:"data,omitempty"`
	Metadata *frameMetadata `json:"metadata,omitempty"`
}

type frameMetadata struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// relayInput is one inbound message from the relay client.
type relayInput struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Key  string  `json:"key"`
	Text string  `json:"text"`
}

// ServeRelay upgrades the request to a WebSocket and mirrors the login
// browser to the client: JPEG screencast frames flow out, click and
// keyboard events flow back in. The connection closes after a success
// notification or when the session ends.
func (m *SessionManager) ServeRelay(w http.ResponseWriter, r *http.Request) {
	browserCtx, successCh, err := m.session()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		m.logger.Error("relay upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	frameCh := make(chan relayFrame, 3)
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	// chromedp offers no way to remove a target listener, so the callback
	// checks done and goes quiet once this connection is finished.
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		select {
		case <-done:
			return
		default:
		}
		e, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}
		// Ack so Chrome keeps sending frames.
		go func() {
			_ = chromedp.Run(browserCtx, chromedp.ActionFunc(func(c context.Context) error {
				return page.ScreencastFrameAck(e.SessionID).Do(c)
			}))
		}()
		if _, err := base64.StdEncoding.DecodeString(e.Data); err != nil {
			return
		}
		f := relayFrame{Type: "frame", Data: e.Data}
		if e.Metadata != nil {
			f.Metadata = &frameMetadata{
				Width:  e.Metadata.DeviceWidth,
				Height: e.Metadata.DeviceHeight,
			}
		}
		select {
		case frameCh <- f:
		default:
			// Drop when the client is slow.
		}
	})

	// Several relay clients can watch the same session. Only the first
	// attach starts the screencast, and only the last detach stops it.
	if m.attachRelay() {
		err = chromedp.Run(browserCtx, chromedp.ActionFunc(func(c context.Context) error {
			return page.StartScreencast().
				WithFormat(page.ScreencastFormatJpeg).
				WithQuality(screencastQuality).
				WithMaxWidth(screencastMaxWidth).
				WithMaxHeight(screencastMaxWidth * 3 / 4).
				WithEveryNthFrame(2).
				Do(c)
		}))
		if err != nil {
			m.logger.Error("start screencast failed", "err", err)
			m.detachRelay()
			return
		}
	}
	defer func() {
		finish()
		if m.detachRelay() {
			_ = chromedp.Run(browserCtx, chromedp.ActionFunc(func(c context.Context) error {
				return page.StopScreencast().Do(c)
			}))
		}
	}()

	// Read pump: inject input events, detect disconnect.
	go func() {
		defer finish()
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var in relayInput
			if err := json.Unmarshal(data, &in); err != nil {
				continue
			}
			if err := dispatchInput(browserCtx, in); err != nil {
				m.logger.Warn("relay input failed", "type", in.Type, "err", err)
			}
		}
	}()

	writeFrame := func(f relayFrame) error {
		payload, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return wsutil.WriteServerText(conn, payload)
	}

	for {
		select {
		case f := <-frameCh:
			if err := writeFrame(f); err != nil {
				return
			}
		case <-successCh:
			_ = writeFrame(relayFrame{Type: "success"})
			return
		case <-done:
			return
		case <-browserCtx.Done():
			return
		case <-time.After(relayKeepalive):
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// dispatchInput translates a relay client event into a CDP input event
// on the login page.
func dispatchInput(browserCtx context.Context, in relayInput) error {
	switch in.Type {
	case "click":
		return chromedp.Run(browserCtx, chromedp.ActionFunc(func(c context.Context) error {
			if err := input.DispatchMouseEvent(input.MousePressed, in.X, in.Y).
				WithButton(input.Left).
				WithClickCount(1).
				Do(c); err != nil {
				return err
			}
			return input.DispatchMouseEvent(input.MouseReleased, in.X, in.Y).
				WithButton(input.Left).
				WithClickCount(1).
				Do(c)
		}))
	case "keydown":
		if in.Key == "" {
			return nil
		}
		return chromedp.Run(browserCtx, chromedp.KeyEvent(in.Key))
	case "type":
		if in.Text == "" {
			return nil
		}
		return chromedp.Run(browserCtx, chromedp.ActionFunc(func(c context.Context) error {
			return input.InsertText(in.Text).Do(c)
		}))
	}
	return nil
}
