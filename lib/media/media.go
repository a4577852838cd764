// Package media defines the capability surface the sync engine uses to talk
// to a page and its video elements. Production wires a browser-backed
// implementation (lib/cdppage); tests script a fake. The engine never touches
// a real DOM directly.
package media

import "context"

// EventKind identifies a media element event.
type EventKind string

const (
	EventPlay           EventKind = "play"
	EventPause          EventKind = "pause"
	EventSeeked         EventKind = "seeked"
	EventLoadedMetadata EventKind = "loadedmetadata"
	EventEmptied        EventKind = "emptied"
)

// Event is delivered to element subscribers. The same event fires whether the
// transition was user-initiated or programmatic; distinguishing the two is the
// controller's job.
type Event struct {
	Kind EventKind
}

// Element is one live video element.
type Element interface {
	// Ready reports whether the element's duration is known.
	Ready() bool
	Paused() bool
	CurrentTime() float64
	Duration() float64
	// Area is the rendered width times height in pixels. Zero means hidden or
	// not laid out.
	Area() int
	// InDocument reports whether the element is still attached to its page.
	InDocument() bool

	// Play starts playback. It fails when the page's autoplay policy blocks
	// the call; the element stays usable afterwards.
	Play(ctx context.Context) error
	Pause()
	SetCurrentTime(seconds float64)

	// Subscribe registers a listener for element events and returns its
	// cancel function. Listeners are invoked sequentially, outside any
	// element lock.
	Subscribe(fn func(Event)) (cancel func())
}

// Page is one frame's document.
type Page interface {
	// Videos returns all media elements currently in the document.
	Videos() []Element
	// Mutations pulses when video elements were added to or removed from the
	// document. Bursts are coalesced; a pulse means "re-scan", not "one
	// change".
	Mutations() <-chan struct{}
	URL() string
}

// TimeFromEnd computes the duration-independent sync coordinate for el.
// Peers on different cuts of the same content (one mid-ad, one not) converge
// on it even though their absolute positions differ.
func TimeFromEnd(el Element) float64 {
	return el.Duration() - el.CurrentTime()
}

// State is a point-in-time element snapshot.
type State struct {
	Paused      bool
	CurrentTime float64
	Duration    float64
	TimeFromEnd float64
}

// StateOf snapshots el.
func StateOf(el Element) State {
	d := el.Duration()
	ct := el.CurrentTime()
	return State{
		Paused:      el.Paused(),
		CurrentTime: ct,
		Duration:    d,
		TimeFromEnd: d - ct,
	}
}
