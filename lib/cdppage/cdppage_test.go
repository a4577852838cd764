package cdppage

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jelly-Party/jelly-party-next/lib/media"
)

// fakeBrowser speaks just enough of the DevTools protocol to host a Page:
// target discovery, session attach, and Runtime.evaluate acknowledgement.
type fakeBrowser struct {
	srv   *httptest.Server
	evals chan string

	mu      sync.Mutex
	conn    *websocket.Conn
	playErr string
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	b := &fakeBrowser{evals: make(chan string, 16)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.serve(r.Context(), conn)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBrowser) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBrowser) serve(ctx context.Context, conn *websocket.Conn) {
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}

		result := map[string]any{}
		switch req.Method {
		case "Target.getTargets":
			result["targetInfos"] = []map[string]any{
				{"targetId": "target-1", "type": "page"},
			}
		case "Target.attachToTarget":
			result["sessionId"] = "session-1"
		case "Runtime.evaluate":
			expr, _ := req.Params["expression"].(string)
			b.evals <- expr
			await, _ := req.Params["awaitPromise"].(bool)
			b.mu.Lock()
			playErr := b.playErr
			b.mu.Unlock()
			if await && playErr != "" {
				result["exceptionDetails"] = map[string]any{
					"text":      "Uncaught (in promise)",
					"exception": map[string]any{"description": playErr},
				}
			}
		}

		resp, _ := json.Marshal(map[string]any{"id": req.ID, "result": result})
		if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
			return
		}
	}
}

func (b *fakeBrowser) setPlayError(desc string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.playErr = desc
}

// emit delivers an observer payload through the Runtime binding.
func (b *fakeBrowser) emit(t *testing.T, payload any) {
	t.Helper()
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NotNil(t, conn)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	event, err := json.Marshal(map[string]any{
		"method":    "Runtime.bindingCalled",
		"sessionId": "session-1",
		"params":    map[string]any{"name": bindingName, "payload": string(raw)},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, event))
}

func snapshotPayload(url string, videos ...map[string]any) map[string]any {
	return map[string]any{"kind": "snapshot", "url": url, "videos": videos}
}

func videoJSON(id string, ready bool, paused bool, currentTime, duration float64, area int) map[string]any {
	return map[string]any{
		"id": id, "ready": ready, "paused": paused,
		"currentTime": currentTime, "duration": duration,
		"area": area, "inDocument": true,
	}
}

// startPage runs a Page against the fake browser and waits for the observer
// script injection, which is the final session setup step.
func startPage(t *testing.T, b *fakeBrowser) *Page {
	t.Helper()
	cfg := DefaultConfig(b.wsURL())
	cfg.DialRetryInterval = 10 * time.Millisecond
	page := New(cfg, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go page.Run(ctx)

	select {
	case expr := <-b.evals:
		require.Contains(t, expr, "__jellyPartyVideoSync__")
	case <-time.After(5 * time.Second):
		t.Fatal("observer script was never injected")
	}
	return page
}

func TestDefaultConfigCarriesEndpointURL(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("ws://localhost:9222/devtools/browser")
	assert.Equal(t, "ws://localhost:9222/devtools/browser", cfg.URL)
	assert.Positive(t, cfg.DialRetryInterval)
	assert.Positive(t, cfg.CommandTimeout)
}

func TestSnapshotPopulatesVideos(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(t)
	page := startPage(t, b)

	b.emit(t, snapshotPayload("https://videos.example.com/watch",
		videoJSON("v0", true, true, 120, 900, 640*360),
		videoJSON("v1", false, true, 0, 0, 100),
	))

	require.Eventually(t, func() bool {
		return len(page.Videos()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "https://videos.example.com/watch", page.URL())

	videos := page.Videos()
	assert.True(t, videos[0].Ready())
	assert.True(t, videos[0].Paused())
	assert.Equal(t, float64(900), videos[0].Duration())
	assert.Equal(t, 640*360, videos[0].Area())
	assert.Equal(t, float64(780), media.TimeFromEnd(videos[0]))
	assert.False(t, videos[1].Ready())
}

func TestMutationPulsesOnlyOnMembershipChange(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(t)
	page := startPage(t, b)

	b.emit(t, snapshotPayload("https://example.com",
		videoJSON("v0", true, true, 10, 100, 500),
	))
	select {
	case <-page.Mutations():
	case <-time.After(2 * time.Second):
		t.Fatal("no pulse for first snapshot")
	}

	// An identical snapshot is the observer's periodic repeat; it must not
	// trigger a rescan.
	b.emit(t, snapshotPayload("https://example.com",
		videoJSON("v0", true, true, 10, 100, 500),
	))
	time.Sleep(100 * time.Millisecond)
	select {
	case <-page.Mutations():
		t.Fatal("unexpected pulse for unchanged membership")
	default:
	}

	b.emit(t, snapshotPayload("https://example.com"))
	select {
	case <-page.Mutations():
	case <-time.After(2 * time.Second):
		t.Fatal("no pulse after video removal")
	}
	require.Eventually(t, func() bool {
		return len(page.Videos()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventsReachSubscribers(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(t)
	page := startPage(t, b)

	b.emit(t, snapshotPayload("https://example.com",
		videoJSON("v0", true, true, 10, 100, 500),
	))
	require.Eventually(t, func() bool {
		return len(page.Videos()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	el := page.Videos()[0]
	events := make(chan media.Event, 4)
	cancel := el.Subscribe(func(ev media.Event) { events <- ev })
	defer cancel()

	playing := videoJSON("v0", true, false, 11, 100, 500)
	b.emit(t, map[string]any{"kind": "event", "event": "play", "video": playing})

	select {
	case ev := <-events:
		assert.Equal(t, media.EventPlay, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never saw the event")
	}
	assert.False(t, el.Paused())
	assert.Equal(t, float64(11), el.CurrentTime())
}

func TestPlayRejectionSurfacesAsError(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(t)
	page := startPage(t, b)

	b.emit(t, snapshotPayload("https://example.com",
		videoJSON("v0", true, true, 10, 100, 500),
	))
	require.Eventually(t, func() bool {
		return len(page.Videos()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.setPlayError("NotAllowedError: play() failed because the user didn't interact with the document first")

	err := page.Videos()[0].Play(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "play rejected")
	assert.Contains(t, err.Error(), "NotAllowedError")
}

func TestPauseAndSeekEvaluateInPage(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(t)
	page := startPage(t, b)

	b.emit(t, snapshotPayload("https://example.com",
		videoJSON("v0", true, false, 10, 100, 500),
	))
	require.Eventually(t, func() bool {
		return len(page.Videos()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	el := page.Videos()[0]

	el.Pause()
	select {
	case expr := <-b.evals:
		assert.Contains(t, expr, "el.pause()")
		assert.Contains(t, expr, `data-jelly-party-video-id="v0"`)
	case <-time.After(2 * time.Second):
		t.Fatal("pause was never evaluated")
	}

	el.SetCurrentTime(120.5)
	select {
	case expr := <-b.evals:
		assert.Contains(t, expr, "el.currentTime = 120.5")
	case <-time.After(2 * time.Second):
		t.Fatal("seek was never evaluated")
	}
}
