// Package framerelay coordinates video sync across the frames of one page.
// Each frame that can see a video runs an Agent next to its controller and
// advertises its candidate to the top frame's Coordinator over a typed bus.
// The coordinator picks one authoritative source, forwards only that frame's
// local events upward, and unicasts remote commands back to it.
package framerelay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Jelly-Party/jelly-party-next/lib/media"
	"github.com/Jelly-Party/jelly-party-next/lib/protocol"
	"github.com/Jelly-Party/jelly-party-next/lib/vsync"
)

// Message is the closed union of frame bus payloads.
type Message interface{ isMessage() }

// Advertise announces a frame's video candidate to the coordinator.
type Advertise struct {
	FrameID  string
	Area     int
	URL      string
	Duration float64
}

// LocalEvent carries a user-initiated transition from a frame.
type LocalEvent struct {
	FrameID     string
	Event       protocol.VideoEvent
	TimeFromEnd float64
}

// Command instructs the selected frame to apply a remote transition.
type Command struct {
	Event       protocol.VideoEvent
	TimeFromEnd float64
}

// Ping asks a frame to re-advertise its candidate.
type Ping struct{}

func (Advertise) isMessage()  {}
func (LocalEvent) isMessage() {}
func (Command) isMessage()    {}
func (Ping) isMessage()       {}

// Bus is one directed frame-to-frame channel pair. Post never blocks: the bus
// drops when the peer is saturated, since stale sync traffic is worse than
// lost sync traffic.
type Bus interface {
	Post(Message)
	Receive() <-chan Message
}

type endpoint struct {
	out chan<- Message
	in  <-chan Message
}

func (e *endpoint) Post(m Message) {
	select {
	case e.out <- m:
	default:
	}
}

func (e *endpoint) Receive() <-chan Message {
	return e.in
}

// NewPair returns two connected bus endpoints, the in-process analog of a
// frame boundary.
func NewPair(buffer int) (Bus, Bus) {
	if buffer <= 0 {
		buffer = 16
	}
	ab := make(chan Message, buffer)
	ba := make(chan Message, buffer)
	return &endpoint{out: ab, in: ba}, &endpoint{out: ba, in: ab}
}

// Agent runs in a frame alongside its controller. It is the controller's
// event sink: local events go onto the bus instead of directly to the party.
type Agent struct {
	frameID string
	ctrl    *vsync.Controller
	page    media.Page
	bus     Bus
	log     *slog.Logger
}

// NewAgent wires the agent as ctrl's sink and video-change observer.
func NewAgent(frameID string, ctrl *vsync.Controller, page media.Page, bus Bus, log *slog.Logger) *Agent {
	a := &Agent{frameID: frameID, ctrl: ctrl, page: page, bus: bus, log: log}
	ctrl.SetSink(a)
	ctrl.OnVideoChange(func(el media.Element) {
		if el != nil {
			a.advertise(el)
		}
	})
	return a
}

// Run consumes coordinator messages until ctx is done. Commands are applied
// fire-and-forget: a command blocked on readiness must not stall the bus, and
// a superseding command replaces the blocked one's guards anyway.
func (a *Agent) Run(ctx context.Context) {
	a.advertiseCurrent()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.bus.Receive():
			if !ok {
				return
			}
			switch m := msg.(type) {
			case Command:
				go a.execute(ctx, m)
			case Ping:
				a.advertiseCurrent()
			}
		}
	}
}

func (a *Agent) execute(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Event {
	case protocol.VideoPlay:
		err = a.ctrl.Play(ctx, cmd.TimeFromEnd)
	case protocol.VideoPause:
		err = a.ctrl.Pause(ctx, cmd.TimeFromEnd)
	case protocol.VideoSeek:
		err = a.ctrl.Seek(ctx, cmd.TimeFromEnd)
	}
	if err != nil {
		// Best effort: the peer is not asked to re-send.
		a.log.Warn("remote command failed", "event", string(cmd.Event), "err", err)
	}
}

func (a *Agent) advertiseCurrent() {
	if el := a.ctrl.Element(); el != nil {
		a.advertise(el)
	}
}

func (a *Agent) advertise(el media.Element) {
	a.bus.Post(Advertise{
		FrameID:  a.frameID,
		Area:     el.Area(),
		URL:      a.page.URL(),
		Duration: el.Duration(),
	})
}

// OnLocalPlay implements vsync.EventSink.
func (a *Agent) OnLocalPlay(tfe float64) {
	a.bus.Post(LocalEvent{FrameID: a.frameID, Event: protocol.VideoPlay, TimeFromEnd: tfe})
}

// OnLocalPause implements vsync.EventSink.
func (a *Agent) OnLocalPause(tfe float64) {
	a.bus.Post(LocalEvent{FrameID: a.frameID, Event: protocol.VideoPause, TimeFromEnd: tfe})
}

// OnLocalSeek implements vsync.EventSink.
func (a *Agent) OnLocalSeek(tfe float64) {
	a.bus.Post(LocalEvent{FrameID: a.frameID, Event: protocol.VideoSeek, TimeFromEnd: tfe})
}

// Coordinator runs in the top frame and owns source selection.
type Coordinator struct {
	log *slog.Logger

	mu           sync.Mutex
	frames       map[string]Bus
	selectedID   string
	selectedArea int
	sink         vsync.EventSink
}

// NewCoordinator returns a coordinator with no frames attached.
func NewCoordinator(log *slog.Logger) *Coordinator {
	return &Coordinator{log: log, frames: make(map[string]Bus)}
}

// SetSink sets the receiver for the selected frame's local events. Replace
// semantics.
func (c *Coordinator) SetSink(s vsync.EventSink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

// AttachFrame registers a frame's bus and consumes its messages until ctx is
// done. Messages claiming a different frame id than the bus they arrived on
// are discarded: the frame id doubles as the origin check.
func (c *Coordinator) AttachFrame(ctx context.Context, id string, bus Bus) {
	c.mu.Lock()
	c.frames[id] = bus
	c.mu.Unlock()

	go func() {
		defer c.detachFrame(id)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-bus.Receive():
				if !ok {
					return
				}
				c.handle(id, msg)
			}
		}
	}()
}

func (c *Coordinator) detachFrame(id string) {
	c.mu.Lock()
	delete(c.frames, id)
	if c.selectedID == id {
		c.selectedID = ""
		c.selectedArea = 0
	}
	c.mu.Unlock()
}

func (c *Coordinator) handle(busID string, msg Message) {
	switch m := msg.(type) {
	case Advertise:
		if m.FrameID != busID {
			c.log.Warn("advertise with forged frame id dropped", "claimed", m.FrameID, "bus", busID)
			return
		}
		c.considerAdvertise(m)
	case LocalEvent:
		if m.FrameID != busID {
			c.log.Warn("event with forged frame id dropped", "claimed", m.FrameID, "bus", busID)
			return
		}
		c.forwardLocalEvent(m)
	}
}

// considerAdvertise replaces the selection only for a strictly larger area;
// ties keep the existing selection so equal candidates cannot make the
// authoritative source flap.
func (c *Coordinator) considerAdvertise(ad Advertise) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case ad.FrameID == c.selectedID:
		c.selectedArea = ad.Area
	case c.selectedID == "" || ad.Area > c.selectedArea:
		c.log.Info("selecting video source", "frame", ad.FrameID, "area", ad.Area, "url", ad.URL)
		c.selectedID = ad.FrameID
		c.selectedArea = ad.Area
	}
}

func (c *Coordinator) forwardLocalEvent(ev LocalEvent) {
	c.mu.Lock()
	selected := ev.FrameID == c.selectedID
	sink := c.sink
	c.mu.Unlock()
	if !selected {
		c.log.Debug("event from non-selected frame discarded", "frame", ev.FrameID)
		return
	}
	if sink == nil {
		return
	}
	switch ev.Event {
	case protocol.VideoPlay:
		sink.OnLocalPlay(ev.TimeFromEnd)
	case protocol.VideoPause:
		sink.OnLocalPause(ev.TimeFromEnd)
	case protocol.VideoSeek:
		sink.OnLocalSeek(ev.TimeFromEnd)
	}
}

// Execute unicasts a remote command to the selected frame. Returns false when
// no frame is selected.
func (c *Coordinator) Execute(event protocol.VideoEvent, timeFromEnd float64) bool {
	c.mu.Lock()
	bus := c.frames[c.selectedID]
	c.mu.Unlock()
	if bus == nil {
		c.log.Warn("no selected frame for remote command", "event", string(event))
		return false
	}
	bus.Post(Command{Event: event, TimeFromEnd: timeFromEnd})
	return true
}

// PingAll asks every frame to re-advertise, used after the coordinator
// (re)starts and has no selection yet.
func (c *Coordinator) PingAll() {
	c.mu.Lock()
	buses := make([]Bus, 0, len(c.frames))
	for _, b := range c.frames {
		buses = append(buses, b)
	}
	c.mu.Unlock()
	for _, b := range buses {
		b.Post(Ping{})
	}
}

// Selected reports the currently authoritative frame id.
func (c *Coordinator) Selected() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedID, c.selectedID != ""
}
