package media

import (
	"context"
	"sync"
)

// FakeElement is a scripted Element for tests. It fires the same events a real
// media element would: programmatic Play/Pause/SetCurrentTime emit their
// confirmation event, and the User* helpers emit the identical event for a
// genuine user action, which is exactly the ambiguity the controller has to
// resolve.
type FakeElement struct {
	mu          sync.Mutex
	ready       bool
	paused      bool
	currentTime float64
	duration    float64
	area        int
	inDocument  bool
	playErr     error

	nextSub   int
	listeners map[int]func(Event)
}

// NewFakeElement returns a paused, in-document element with no metadata yet.
func NewFakeElement() *FakeElement {
	return &FakeElement{
		paused:     true,
		inDocument: true,
		listeners:  make(map[int]func(Event)),
	}
}

// NewReadyFakeElement returns an element that already knows its duration.
func NewReadyFakeElement(duration float64, area int) *FakeElement {
	el := NewFakeElement()
	el.ready = true
	el.duration = duration
	el.area = area
	return el
}

func (f *FakeElement) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *FakeElement) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *FakeElement) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentTime
}

func (f *FakeElement) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *FakeElement) Area() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.area
}

func (f *FakeElement) InDocument() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inDocument
}

func (f *FakeElement) Play(ctx context.Context) error {
	f.mu.Lock()
	if f.playErr != nil {
		err := f.playErr
		f.mu.Unlock()
		return err
	}
	fire := f.paused
	f.paused = false
	f.mu.Unlock()
	if fire {
		f.emit(EventPlay)
	}
	return nil
}

func (f *FakeElement) Pause() {
	f.mu.Lock()
	fire := !f.paused
	f.paused = true
	f.mu.Unlock()
	if fire {
		f.emit(EventPause)
	}
}

func (f *FakeElement) SetCurrentTime(seconds float64) {
	f.mu.Lock()
	f.currentTime = seconds
	f.mu.Unlock()
	f.emit(EventSeeked)
}

func (f *FakeElement) Subscribe(fn func(Event)) (cancel func()) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// ListenerCount reports the number of active subscriptions. Verifies that
// re-locating the same element does not double-register listeners.
func (f *FakeElement) ListenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// SetReady gives the element a known duration and fires loadedmetadata.
func (f *FakeElement) SetReady(duration float64) {
	f.mu.Lock()
	f.ready = true
	f.duration = duration
	f.mu.Unlock()
	f.emit(EventLoadedMetadata)
}

// SetArea changes the rendered area.
func (f *FakeElement) SetArea(area int) {
	f.mu.Lock()
	f.area = area
	f.mu.Unlock()
}

// SetPlayError makes subsequent Play calls fail, like a blocked autoplay
// policy.
func (f *FakeElement) SetPlayError(err error) {
	f.mu.Lock()
	f.playErr = err
	f.mu.Unlock()
}

// Empty simulates the element being torn down by the player (ad insertion,
// source swap): metadata is lost and the emptied event fires.
func (f *FakeElement) Empty() {
	f.mu.Lock()
	f.ready = false
	f.duration = 0
	f.currentTime = 0
	f.mu.Unlock()
	f.emit(EventEmptied)
}

// Remove detaches the element from its document.
func (f *FakeElement) Remove() {
	f.mu.Lock()
	f.inDocument = false
	f.mu.Unlock()
}

// UserPlay simulates the end user pressing play.
func (f *FakeElement) UserPlay() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	f.emit(EventPlay)
}

// UserPause simulates the end user pressing pause.
func (f *FakeElement) UserPause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
	f.emit(EventPause)
}

// UserSeek simulates the end user scrubbing to seconds.
func (f *FakeElement) UserSeek(seconds float64) {
	f.mu.Lock()
	f.currentTime = seconds
	f.mu.Unlock()
	f.emit(EventSeeked)
}

func (f *FakeElement) emit(kind EventKind) {
	f.mu.Lock()
	fns := make([]func(Event), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(Event{Kind: kind})
	}
}

// FakePage is a scripted Page holding fake elements.
type FakePage struct {
	mu       sync.Mutex
	url      string
	elements []Element
	pulses   chan struct{}
}

// NewFakePage returns an empty page.
func NewFakePage(url string) *FakePage {
	return &FakePage{url: url, pulses: make(chan struct{}, 1)}
}

func (p *FakePage) Videos() []Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Element, 0, len(p.elements))
	for _, el := range p.elements {
		if el.InDocument() {
			out = append(out, el)
		}
	}
	return out
}

func (p *FakePage) Mutations() <-chan struct{} {
	return p.pulses
}

func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// AddVideo inserts el into the document and pulses the mutation channel.
func (p *FakePage) AddVideo(el Element) {
	p.mu.Lock()
	p.elements = append(p.elements, el)
	p.mu.Unlock()
	p.Pulse()
}

// RemoveVideo detaches el and pulses the mutation channel.
func (p *FakePage) RemoveVideo(el *FakeElement) {
	p.mu.Lock()
	kept := p.elements[:0]
	for _, e := range p.elements {
		if e != Element(el) {
			kept = append(kept, e)
		}
	}
	p.elements = kept
	p.mu.Unlock()
	el.Remove()
	p.Pulse()
}

// Pulse signals a DOM mutation. Coalesced like a real observer callback burst.
func (p *FakePage) Pulse() {
	select {
	case p.pulses <- struct{}{}:
	default:
	}
}
