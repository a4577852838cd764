// Package vsync owns the playback synchronization state machine for one
// located video. It executes remote play/pause/seek commands against the
// element while suppressing the echo events those actions generate, and
// reports genuinely user-initiated transitions upward. Positions are exchanged
// as time-from-end so peers on different cuts of the content still converge.
package vsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Jelly-Party/jelly-party-next/lib/deferred"
	"github.com/Jelly-Party/jelly-party-next/lib/locator"
	"github.com/Jelly-Party/jelly-party-next/lib/media"
)

var (
	// ErrNoVideo means no element is attached and none appeared in time.
	ErrNoVideo = errors.New("no video element")
	// ErrNotReady means the element never reported a duration within the
	// readiness bound.
	ErrNotReady = errors.New("video not ready")
)

// Action identifies one of the three independent guard machines.
type Action int

const (
	ActionPlay Action = iota
	ActionPause
	ActionSeek
	actionCount
)

func (a Action) String() string {
	switch a {
	case ActionPlay:
		return "play"
	case ActionPause:
		return "pause"
	case ActionSeek:
		return "seek"
	}
	return "unknown"
}

// EventSink receives transitions that originated from the local user. These
// are the only events that produce outbound sync traffic.
type EventSink interface {
	OnLocalPlay(timeFromEnd float64)
	OnLocalPause(timeFromEnd float64)
	OnLocalSeek(timeFromEnd float64)
}

// Config tunes the controller's timing.
type Config struct {
	// CommandTimeout bounds the wait for the element event confirming a
	// programmatic action. A missing confirmation resolves via timeout so one
	// slow echo never blocks the command pipeline.
	CommandTimeout time.Duration
	// SoftSyncThreshold is the time-from-end delta below which a remote seek
	// is a no-op, preventing seek storms from minor drift.
	SoftSyncThreshold float64
	// ReadyTimeout bounds how long a command blocks waiting for an element
	// (or its replacement) to report a duration.
	ReadyTimeout time.Duration
	// SeekDebounce is the minimum gap between forwarded local seeks, so
	// scrubbing does not flood peers.
	SeekDebounce time.Duration
}

// DefaultConfig matches the in-page implementation's constants.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:    3 * time.Second,
		SoftSyncThreshold: 0.5,
		SeekDebounce:      500 * time.Millisecond,
		ReadyTimeout:      10 * time.Second,
	}
}

// guard is the per-action echo suppressor: Idle, or Awaiting with a deadline.
// Arming replaces any prior guard for the action; guards never stack.
type guard struct {
	armed    bool
	deadline time.Time
	wait     *deferred.Deferred
}

// Controller drives one located video element.
type Controller struct {
	loc  *locator.Locator
	log  *slog.Logger
	cfg  Config

	mu            sync.Mutex
	el            media.Element
	unsub         func()
	guards        [actionCount]guard
	sink          EventSink
	onVideoChange func(media.Element)
	lastSeekSent  time.Time
}

// New wires a controller to loc's selection. The controller follows every
// attach/detach the locator reports.
func New(loc *locator.Locator, log *slog.Logger, cfg Config) *Controller {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultConfig().CommandTimeout
	}
	if cfg.SoftSyncThreshold <= 0 {
		cfg.SoftSyncThreshold = DefaultConfig().SoftSyncThreshold
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	if cfg.SeekDebounce <= 0 {
		cfg.SeekDebounce = DefaultConfig().SeekDebounce
	}
	c := &Controller{loc: loc, log: log, cfg: cfg}
	loc.OnChange(c.handleVideoChange)
	if el := loc.Current(); el != nil {
		c.handleVideoChange(el)
	}
	return c
}

// SetSink sets the local-event receiver. Replaces any previous sink; pass nil
// to silence the controller.
func (c *Controller) SetSink(s EventSink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

// OnVideoChange sets the observer notified when the controlled element
// changes. Replace semantics.
func (c *Controller) OnVideoChange(fn func(media.Element)) {
	c.mu.Lock()
	c.onVideoChange = fn
	c.mu.Unlock()
}

// State snapshots the controlled element. ok is false when none is attached.
func (c *Controller) State() (st media.State, ok bool) {
	c.mu.Lock()
	el := c.el
	c.mu.Unlock()
	if el == nil {
		return media.State{}, false
	}
	return media.StateOf(el), true
}

// Element returns the controlled element, or nil.
func (c *Controller) Element() media.Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.el
}

// Play applies a remote play command: seek to the peer's position, then start
// playback if still paused. An autoplay rejection is reported as an error; the
// controller stays usable.
func (c *Controller) Play(ctx context.Context, timeFromEnd float64) error {
	c.log.Debug("remote play", "timeFromEnd", timeFromEnd)
	if err := c.Seek(ctx, timeFromEnd); err != nil {
		return err
	}
	el := c.Element()
	if el == nil {
		return ErrNoVideo
	}
	if !el.Paused() {
		return nil
	}
	wait := c.arm(ActionPlay)
	if err := el.Play(ctx); err != nil {
		c.disarm(ActionPlay)
		return fmt.Errorf("play blocked: %w", err)
	}
	c.awaitGuard(ActionPlay, wait)
	return nil
}

// Pause applies a remote pause command: guard the pause echo, reconcile the
// position, then pause.
func (c *Controller) Pause(ctx context.Context, timeFromEnd float64) error {
	c.log.Debug("remote pause", "timeFromEnd", timeFromEnd)
	wait := c.arm(ActionPause)
	if err := c.Seek(ctx, timeFromEnd); err != nil {
		c.disarm(ActionPause)
		return err
	}
	el := c.Element()
	if el == nil {
		c.disarm(ActionPause)
		return ErrNoVideo
	}
	if el.Paused() {
		// The seek already left the element paused; nothing will echo.
		c.disarm(ActionPause)
		return nil
	}
	// The seek's own pause sub-step may have consumed the guard armed above;
	// make sure one is armed for the final pause.
	wait = c.ensureArmed(ActionPause)
	el.Pause()
	c.awaitGuard(ActionPause, wait)
	return nil
}

// Seek reconciles the element position to the remote time-from-end. Within
// SoftSyncThreshold of the target it is a no-op. A playing element is paused
// for the duration of the seek and resumed afterwards, each step behind its
// own echo guard.
func (c *Controller) Seek(ctx context.Context, timeFromEnd float64) error {
	el, err := c.readyElement(ctx)
	if err != nil {
		return err
	}

	st := media.StateOf(el)
	delta := timeFromEnd - st.TimeFromEnd
	if delta < 0 {
		delta = -delta
	}
	if delta < c.cfg.SoftSyncThreshold {
		c.log.Debug("seek within threshold, skipping", "delta", delta)
		return nil
	}

	target := st.Duration - timeFromEnd
	c.log.Debug("remote seek", "timeFromEnd", timeFromEnd, "target", target)

	wasPlaying := !st.Paused
	if wasPlaying {
		// Seeking while playing is unreliable across players.
		wait := c.arm(ActionPause)
		el.Pause()
		c.awaitGuard(ActionPause, wait)
	}

	wait := c.arm(ActionSeek)
	el.SetCurrentTime(target)
	c.awaitGuard(ActionSeek, wait)

	if wasPlaying && el.Paused() {
		wait := c.arm(ActionPlay)
		if err := el.Play(ctx); err != nil {
			c.disarm(ActionPlay)
			return fmt.Errorf("resume after seek blocked: %w", err)
		}
		c.awaitGuard(ActionPlay, wait)
	}
	return nil
}

// readyElement returns the attached element once it has a known duration,
// waiting out element-replacement gaps up to ReadyTimeout. Commands arriving
// while an ad swap is in flight block here instead of failing outright.
func (c *Controller) readyElement(ctx context.Context) (media.Element, error) {
	el := c.Element()
	if el != nil && el.Ready() {
		return el, nil
	}
	if !c.loc.AwaitReady(ctx, c.cfg.ReadyTimeout) {
		if c.Element() == nil {
			return nil, ErrNoVideo
		}
		return nil, ErrNotReady
	}
	el = c.Element()
	if el == nil || !el.Ready() {
		return nil, ErrNotReady
	}
	return el, nil
}

func (c *Controller) arm(a Action) *deferred.Deferred {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Replacing an armed guard abandons its deferred; the superseded command's
	// wait expires via timeout, never by a wrong echo.
	c.guards[a] = guard{
		armed:    true,
		deadline: time.Now().Add(c.cfg.CommandTimeout),
		wait:     deferred.New(),
	}
	return c.guards[a].wait
}

// ensureArmed returns the wait for the action's current guard, arming a fresh
// one when the action is idle.
func (c *Controller) ensureArmed(a Action) *deferred.Deferred {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.guards[a].armed {
		return c.guards[a].wait
	}
	c.guards[a] = guard{
		armed:    true,
		deadline: time.Now().Add(c.cfg.CommandTimeout),
		wait:     deferred.New(),
	}
	return c.guards[a].wait
}

func (c *Controller) disarm(a Action) {
	c.mu.Lock()
	c.guards[a] = guard{}
	c.mu.Unlock()
}

// awaitGuard waits for the echo confirming a programmatic action. A timeout is
// successful-enough: the command pipeline moves on and the stale guard is
// still in place to swallow a late echo.
func (c *Controller) awaitGuard(a Action, wait *deferred.Deferred) {
	if !wait.WaitTimeout(c.cfg.CommandTimeout) {
		c.log.Warn("command echo timed out", "action", a.String())
	}
}

func (c *Controller) handleVideoChange(el media.Element) {
	c.mu.Lock()
	if c.el == el {
		c.mu.Unlock()
		return
	}
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	// Outstanding guards belong to the departed element; abandon them so
	// their waits expire by timeout instead of a wrong echo.
	c.guards = [actionCount]guard{}
	c.el = el
	if el != nil {
		cur := el
		c.unsub = cur.Subscribe(func(ev media.Event) {
			c.handleElementEvent(cur, ev)
		})
	}
	notify := c.onVideoChange
	c.mu.Unlock()

	if el != nil {
		c.log.Info("controlling video", "ready", el.Ready(), "paused", el.Paused())
	} else {
		c.log.Info("video lost, awaiting replacement")
	}
	if notify != nil {
		notify(el)
	}
}

// handleElementEvent is the echo filter. A matching armed guard consumes the
// event silently; anything else is a genuine user action and goes upward.
func (c *Controller) handleElementEvent(el media.Element, ev media.Event) {
	var action Action
	switch ev.Kind {
	case media.EventPlay:
		action = ActionPlay
	case media.EventPause:
		action = ActionPause
	case media.EventSeeked:
		action = ActionSeek
	case media.EventEmptied:
		// The element lost its source. Drop outstanding guards (their waits
		// expire by timeout; the echoes they awaited will never fire) and keep
		// following the locator, which re-attaches once a replacement shows.
		c.mu.Lock()
		if c.el == el {
			c.guards = [actionCount]guard{}
		}
		c.mu.Unlock()
		c.log.Info("video emptied, commands will block on readiness")
		return
	default:
		return
	}

	c.mu.Lock()
	if c.el != el {
		c.mu.Unlock()
		return
	}
	g := &c.guards[action]
	if g.armed {
		if time.Now().After(g.deadline) {
			c.log.Warn("late echo consumed", "action", action.String())
		}
		wait := g.wait
		*g = guard{}
		c.mu.Unlock()
		wait.Resolve()
		return
	}
	if !el.Ready() {
		c.mu.Unlock()
		return
	}
	if action == ActionSeek {
		if since := time.Since(c.lastSeekSent); since < c.cfg.SeekDebounce {
			c.mu.Unlock()
			c.log.Debug("local seek debounced", "since", since)
			return
		}
		c.lastSeekSent = time.Now()
	}
	sink := c.sink
	c.mu.Unlock()

	if sink == nil {
		return
	}
	tfe := media.TimeFromEnd(el)
	switch action {
	case ActionPlay:
		sink.OnLocalPlay(tfe)
	case ActionPause:
		sink.OnLocalPause(tfe)
	case ActionSeek:
		sink.OnLocalSeek(tfe)
	}
}
