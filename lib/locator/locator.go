// Package locator finds the video element worth syncing on a page and keeps
// tracking it as the page mutates. Selection prefers the largest rendered
// element; re-scans are driven by a slow poll while the current element is
// invalid and by debounced page mutation pulses.
package locator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Jelly-Party/jelly-party-next/lib/media"
)

// Config tunes re-scan cadence.
type Config struct {
	// PollInterval is how often the locator re-checks a structurally invalid
	// attachment (element left the document or lost its layout).
	PollInterval time.Duration
	// DebounceWindow collapses a burst of mutation pulses into one scan,
	// the animation-frame analog.
	DebounceWindow time.Duration
}

// DefaultConfig matches the in-page implementation's cadence.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		DebounceWindow: 16 * time.Millisecond,
	}
}

// Locator owns element selection for one page. At most one element is
// attached (subscribed) at a time.
type Locator struct {
	page media.Page
	log  *slog.Logger
	cfg  Config

	mu         sync.Mutex
	attached   media.Element
	unsub      func()
	onChange   func(media.Element)
	nextWaiter int
	waiters    map[int]chan struct{}
}

// New returns a locator for page. Call Start to begin scanning.
func New(page media.Page, log *slog.Logger, cfg Config) *Locator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultConfig().DebounceWindow
	}
	return &Locator{
		page:    page,
		log:     log,
		cfg:     cfg,
		waiters: make(map[int]chan struct{}),
	}
}

// OnChange sets the observer notified on attach and detach. Replaces any
// previous observer; pass nil to clear.
func (l *Locator) OnChange(fn func(media.Element)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Current returns the attached element, or nil.
func (l *Locator) Current() media.Element {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attached
}

// Start runs the scan loop until ctx is done. It performs an immediate scan
// before returning.
func (l *Locator) Start(ctx context.Context) {
	l.Locate()
	go l.run(ctx)
}

func (l *Locator) run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			l.detach()
			return
		case <-ticker.C:
			if !l.attachedValid() {
				l.Locate()
			}
		case <-l.page.Mutations():
			if debounce == nil {
				debounce = time.NewTimer(l.cfg.DebounceWindow)
				debounceC = debounce.C
			}
			// A pulse during the window is absorbed; one scan fires per burst.
		case <-debounceC:
			debounce = nil
			debounceC = nil
			l.Locate()
		}
	}
}

// Locate scans the page and attaches the best candidate: the element with the
// largest rendered area, or the first element found when every candidate
// reports zero area. It never yields "no candidate" while any element exists.
// Re-locating the element already attached is a no-op; listeners are not
// re-registered.
func (l *Locator) Locate() media.Element {
	videos := l.page.Videos()
	var best media.Element
	if len(videos) > 0 {
		best = lo.MaxBy(videos, func(a, b media.Element) bool {
			return a.Area() > b.Area()
		})
		if best.Area() == 0 {
			best = videos[0]
		}
	}

	l.mu.Lock()
	if best == l.attached {
		l.mu.Unlock()
		return best
	}
	if l.unsub != nil {
		l.unsub()
		l.unsub = nil
	}
	l.attached = best
	notify := l.onChange
	if best != nil {
		el := best
		l.unsub = el.Subscribe(func(ev media.Event) {
			l.handleElementEvent(el, ev)
		})
	}
	l.mu.Unlock()

	if best != nil {
		l.log.Info("video located", "area", best.Area(), "ready", best.Ready(), "url", l.page.URL())
		if best.Ready() {
			l.releaseReadyWaiters()
		}
	} else {
		l.log.Debug("no video candidate on page", "url", l.page.URL())
	}
	if notify != nil {
		notify(best)
	}
	return best
}

func (l *Locator) handleElementEvent(el media.Element, ev media.Event) {
	l.mu.Lock()
	current := l.attached == el
	l.mu.Unlock()
	if !current {
		return
	}
	switch ev.Kind {
	case media.EventLoadedMetadata:
		if el.Ready() {
			l.releaseReadyWaiters()
		}
	case media.EventEmptied:
		// The player tore the source down; the poll loop will re-scan once
		// the element turns invalid, and a mutation pulse covers replacement.
		l.log.Debug("attached video emptied")
	}
}

func (l *Locator) attachedValid() bool {
	l.mu.Lock()
	el := l.attached
	l.mu.Unlock()
	return el != nil && el.InDocument() && el.Area() > 0
}

func (l *Locator) detach() {
	l.mu.Lock()
	if l.unsub != nil {
		l.unsub()
		l.unsub = nil
	}
	l.attached = nil
	notify := l.onChange
	l.mu.Unlock()
	if notify != nil {
		notify(nil)
	}
}

// AwaitReady blocks until the attached element reports a known duration,
// returning true, or until timeout or ctx expiry, returning false. Waiters
// survive element replacement: a command issued during an ad swap is released
// by the replacement element reaching readiness. Every concurrent waiter is
// released together; a waiter that times out removes only itself.
func (l *Locator) AwaitReady(ctx context.Context, timeout time.Duration) bool {
	l.mu.Lock()
	if l.attached != nil && l.attached.Ready() {
		l.mu.Unlock()
		return true
	}
	id := l.nextWaiter
	l.nextWaiter++
	ch := make(chan struct{})
	l.waiters[id] = ch
	l.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	l.mu.Lock()
	delete(l.waiters, id)
	l.mu.Unlock()
	return false
}

func (l *Locator) releaseReadyWaiters() {
	l.mu.Lock()
	waiters := l.waiters
	l.waiters = make(map[int]chan struct{})
	l.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
