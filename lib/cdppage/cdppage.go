// Package cdppage drives a real browser page over the Chrome DevTools
// Protocol and exposes it as a media.Page. An injected observer script
// reports video elements and their events through a Runtime binding; playback
// commands go back in as Runtime.evaluate calls addressed by element id.
package cdppage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Jelly-Party/jelly-party-next/lib/media"
)

// Config tunes the browser connection.
type Config struct {
	// URL is the browser's DevTools websocket endpoint.
	URL string

	// DialRetryInterval is the pause between connection attempts while the
	// browser is unreachable.
	DialRetryInterval time.Duration

	// CommandTimeout bounds fire-and-forget element commands.
	CommandTimeout time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		DialRetryInterval: 2 * time.Second,
		CommandTimeout:    3 * time.Second,
	}
}

type cdpRequest struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type videoState struct {
	ID          string  `json:"id"`
	Ready       bool    `json:"ready"`
	Paused      bool    `json:"paused"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	Area        int     `json:"area"`
	InDocument  bool    `json:"inDocument"`
}

// Page implements media.Page on top of a CDP connection. Run must be started
// for the page to produce anything; until the observer reports its first
// snapshot, Videos is empty.
type Page struct {
	cfg Config
	log *slog.Logger

	msgID     atomic.Int64
	mutations chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	targetID  string
	pending   map[int64]chan cdpMessage
	pageURL   string
	order     []string
	elements  map[string]*Element
}

var _ media.Page = (*Page)(nil)

func New(cfg Config, log *slog.Logger) *Page {
	return &Page{
		cfg:       cfg,
		log:       log.With("component", "cdppage"),
		mutations: make(chan struct{}, 1),
		elements:  make(map[string]*Element),
	}
}

// Videos implements media.Page.
func (p *Page) Videos() []media.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []media.Element
	for _, id := range p.order {
		el := p.elements[id]
		el.mu.Lock()
		in := el.state.InDocument
		el.mu.Unlock()
		if in {
			out = append(out, el)
		}
	}
	return out
}

// Mutations implements media.Page.
func (p *Page) Mutations() <-chan struct{} {
	return p.mutations
}

// URL implements media.Page.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageURL
}

// Run maintains the browser connection until ctx is cancelled, redialing
// whenever it drops.
func (p *Page) Run(ctx context.Context) {
	for {
		if err := p.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("browser connection ended", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.DialRetryInterval):
		}
	}
}

func (p *Page) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial browser: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	p.mu.Lock()
	p.conn = conn
	p.pending = make(map[int64]chan cdpMessage)
	p.mu.Unlock()
	defer p.teardownConn()

	p.log.Info("connected to browser")

	readErr := make(chan error, 1)
	go func() { readErr <- p.readLoop(ctx, conn) }()

	if err := p.attachToPage(ctx); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "attach failed")
		<-readErr
		return fmt.Errorf("attach to page: %w", err)
	}

	return <-readErr
}

func (p *Page) teardownConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = nil
	p.sessionID = ""
	p.targetID = ""
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

func (p *Page) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg cdpMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		if msg.ID != 0 {
			p.route(msg)
			continue
		}
		p.handleBrowserEvent(ctx, msg)
	}
}

func (p *Page) route(msg cdpMessage) {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (p *Page) handleBrowserEvent(ctx context.Context, msg cdpMessage) {
	p.mu.Lock()
	session, target := p.sessionID, p.targetID
	p.mu.Unlock()

	switch msg.Method {
	case "Runtime.bindingCalled":
		var params struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		if msg.SessionID == session && params.Name == bindingName && params.Payload != "" {
			p.handlePayload(params.Payload)
		}

	case "Page.loadEventFired", "Page.frameNavigated":
		// The injected script does not survive a hard navigation.
		if msg.SessionID == session {
			go func() {
				time.Sleep(200 * time.Millisecond)
				p.reinject(ctx)
			}()
		}

	case "Target.targetDestroyed":
		var params struct {
			TargetID string `json:"targetId"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		if params.TargetID == target {
			p.log.Info("page target destroyed, reattaching")
			p.scheduleReattach(ctx)
		}

	case "Target.detachedFromTarget":
		var params struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		if params.SessionID == session {
			p.log.Info("detached from page target, reattaching")
			p.mu.Lock()
			p.sessionID = ""
			p.targetID = ""
			p.mu.Unlock()
			p.scheduleReattach(ctx)
		}
	}
}

func (p *Page) scheduleReattach(ctx context.Context) {
	go func() {
		time.Sleep(500 * time.Millisecond)
		if ctx.Err() != nil {
			return
		}
		if err := p.attachToPage(ctx); err != nil {
			p.log.Warn("reattach failed", "err", err)
		}
	}()
}

func (p *Page) attachToPage(ctx context.Context) error {
	res, err := p.call(ctx, "", "Target.getTargets", nil)
	if err != nil {
		return err
	}
	var targets struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
		} `json:"targetInfos"`
	}
	if err := json.Unmarshal(res, &targets); err != nil {
		return fmt.Errorf("parse targets: %w", err)
	}

	var targetID string
	for _, ti := range targets.TargetInfos {
		if ti.Type == "page" && ti.TargetID != "" {
			targetID = ti.TargetID
			break
		}
	}
	if targetID == "" {
		return errors.New("no page target available")
	}

	res, err = p.call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return err
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attached); err != nil {
		return fmt.Errorf("parse attach response: %w", err)
	}
	if attached.SessionID == "" {
		return errors.New("attach returned no session")
	}

	p.mu.Lock()
	p.sessionID = attached.SessionID
	p.targetID = targetID
	p.mu.Unlock()

	p.log.Info("attached to page target", "targetId", targetID)
	return p.setupSession(ctx, attached.SessionID)
}

func (p *Page) setupSession(ctx context.Context, sessionID string) error {
	steps := []struct {
		method string
		params any
	}{
		{"Runtime.addBinding", map[string]any{"name": bindingName}},
		{"Runtime.enable", nil},
		{"Page.enable", nil},
		{"Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": observerScript}},
		{"Runtime.evaluate", map[string]any{"expression": observerScript}},
	}
	for _, step := range steps {
		if _, err := p.call(ctx, sessionID, step.method, step.params); err != nil {
			return fmt.Errorf("%s: %w", step.method, err)
		}
	}
	return nil
}

func (p *Page) reinject(ctx context.Context) {
	p.mu.Lock()
	sessionID := p.sessionID
	p.mu.Unlock()
	if sessionID == "" {
		return
	}
	evalCtx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()
	if _, err := p.call(evalCtx, sessionID, "Runtime.evaluate", map[string]any{"expression": observerScript}); err != nil {
		p.log.Warn("observer reinjection failed", "err", err)
	}
}

// call issues one CDP request and waits for its response.
func (p *Page) call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := p.msgID.Add(1)
	ch := make(chan cdpMessage, 1)

	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return nil, errors.New("not connected to browser")
	}
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	frame, err := json.Marshal(cdpRequest{ID: id, SessionID: sessionID, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, errors.New("connection lost")
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %s", method, msg.Error.Message)
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Page) handlePayload(raw string) {
	var payload struct {
		Kind   string       `json:"kind"`
		URL    string       `json:"url"`
		Videos []videoState `json:"videos"`
		Event  string       `json:"event"`
		Video  *videoState  `json:"video"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		p.log.Warn("dropping malformed observer payload", "err", err)
		return
	}

	switch payload.Kind {
	case "snapshot":
		p.applySnapshot(payload.URL, payload.Videos)
	case "event":
		if payload.Video != nil {
			p.applyEvent(payload.Event, *payload.Video)
		}
	default:
		p.log.Warn("unknown observer payload kind", "kind", payload.Kind)
	}
}

func (p *Page) applySnapshot(url string, videos []videoState) {
	seen := make(map[string]bool, len(videos))
	changed := false

	p.mu.Lock()
	if url != "" && url != p.pageURL {
		p.pageURL = url
		changed = true
	}
	for _, vs := range videos {
		seen[vs.ID] = true
		el, ok := p.elements[vs.ID]
		if !ok {
			el = newElement(p, vs.ID)
			p.elements[vs.ID] = el
			p.order = append(p.order, vs.ID)
			changed = true
		}
		el.mu.Lock()
		wasIn := el.state.InDocument
		el.state = vs
		el.mu.Unlock()
		if !wasIn && ok {
			changed = true
		}
	}
	for _, id := range p.order {
		if seen[id] {
			continue
		}
		el := p.elements[id]
		el.mu.Lock()
		if el.state.InDocument {
			el.state.InDocument = false
			changed = true
		}
		el.mu.Unlock()
	}
	p.mu.Unlock()

	if changed {
		p.pulse()
	}
}

var eventKinds = map[string]media.EventKind{
	"play":           media.EventPlay,
	"pause":          media.EventPause,
	"seeked":         media.EventSeeked,
	"loadedmetadata": media.EventLoadedMetadata,
	"emptied":        media.EventEmptied,
}

func (p *Page) applyEvent(name string, vs videoState) {
	kind, ok := eventKinds[name]
	if !ok {
		p.log.Warn("unknown media event from observer", "event", name)
		return
	}

	p.mu.Lock()
	el, known := p.elements[vs.ID]
	if !known {
		el = newElement(p, vs.ID)
		p.elements[vs.ID] = el
		p.order = append(p.order, vs.ID)
	}
	p.mu.Unlock()

	el.mu.Lock()
	el.state = vs
	listeners := make([]func(media.Event), 0, len(el.listeners))
	for _, fn := range el.listeners {
		listeners = append(listeners, fn)
	}
	el.mu.Unlock()

	if !known {
		p.pulse()
	}
	for _, fn := range listeners {
		fn(media.Event{Kind: kind})
	}
}

func (p *Page) pulse() {
	select {
	case p.mutations <- struct{}{}:
	default:
	}
}

// Element is one browser video element, addressed by the id the observer
// script stamped onto it. State getters serve the last reported snapshot;
// commands round-trip through the browser.
type Element struct {
	page *Page
	id   string

	mu           sync.Mutex
	state        videoState
	listeners    map[int]func(media.Event)
	nextListener int
}

var _ media.Element = (*Element)(nil)

func newElement(p *Page, id string) *Element {
	return &Element{
		page:      p,
		id:        id,
		listeners: make(map[int]func(media.Event)),
	}
}

func (e *Element) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Ready
}

func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Paused
}

func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.CurrentTime
}

func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Duration
}

func (e *Element) Area() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Area
}

func (e *Element) InDocument() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.InDocument
}

// Play asks the browser to start playback and surfaces autoplay rejections
// as errors.
func (e *Element) Play(ctx context.Context) error {
	sessionID := e.page.currentSession()
	if sessionID == "" {
		return errors.New("no page session")
	}

	res, err := e.page.call(ctx, sessionID, "Runtime.evaluate", map[string]any{
		"expression":   playExpr(e.id),
		"awaitPromise": true,
	})
	if err != nil {
		return err
	}

	var eval struct {
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(res, &eval); err != nil {
		return fmt.Errorf("parse evaluate result: %w", err)
	}
	if ed := eval.ExceptionDetails; ed != nil {
		desc := ed.Text
		if ed.Exception != nil && ed.Exception.Description != "" {
			desc = ed.Exception.Description
		}
		return fmt.Errorf("play rejected: %s", desc)
	}
	return nil
}

func (e *Element) Pause() {
	e.page.evalBestEffort(pauseExpr(e.id), "pause")
}

func (e *Element) SetCurrentTime(seconds float64) {
	e.page.evalBestEffort(seekExpr(e.id, seconds), "seek")
}

// Subscribe implements media.Element; events arrive from the observer script
// via the CDP binding.
func (e *Element) Subscribe(fn func(media.Event)) func() {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (p *Page) currentSession() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *Page) evalBestEffort(expr, what string) {
	sessionID := p.currentSession()
	if sessionID == "" {
		p.log.Warn("dropping element command, no page session", "command", what)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CommandTimeout)
	defer cancel()
	if _, err := p.call(ctx, sessionID, "Runtime.evaluate", map[string]any{"expression": expr}); err != nil {
		p.log.Warn("element command failed", "command", what, "err", err)
	}
}
