package party

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"
	"github.com/samber/lo"

	"github.com/Jelly-Party/jelly-party-next/lib/protocol"
)

// CommandHandler applies a remote playback command to the local video.
// Execute reports whether a video was available to apply it to.
type CommandHandler interface {
	Execute(event protocol.VideoEvent, timeFromEnd float64) bool
}

// Config tunes the relay connection.
type Config struct {
	// URL is the relay websocket endpoint.
	URL string

	// HandshakeTimeout bounds the wait for the relay's identity assignment
	// after join.
	HandshakeTimeout time.Duration

	// ReconnectBaseDelay is the pause before the first reconnect attempt.
	// Each further attempt doubles it.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the doubling.
	ReconnectMaxDelay time.Duration

	// ReconnectAttempts is how many reconnects are tried before the client
	// gives up and parks in the disconnected state.
	ReconnectAttempts int
}

// DefaultConfig returns the production tuning for a relay at url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                url,
		HandshakeTimeout:   10 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		ReconnectAttempts:  5,
	}
}

// ReconnectDelay returns the pause that precedes reconnect attempt n,
// 1-based: base, then doubling per attempt, capped at max.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

const writeTimeout = 5 * time.Second

// Client is one party member's connection to the relay. It forwards local
// playback transitions and chat to the party, mirrors membership into its
// Store, and hands remote playback commands to a CommandHandler.
//
// Client implements vsync.EventSink, so it can sit directly behind a
// controller or a frame coordinator.
type Client struct {
	cfg   Config
	log   *slog.Logger
	store *Store

	mu          sync.Mutex
	conn        *websocket.Conn
	partyID     string
	clientState protocol.ClientState
	handler     CommandHandler
	identified  chan struct{}
	sawIdentity bool
	closed      bool
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	return &Client{
		cfg:   cfg,
		log:   log.With("component", "party-client"),
		store: NewStore(),
	}
}

// Store exposes the client's party state and chat log.
func (c *Client) Store() *Store {
	return c.store
}

// SetCommandHandler installs the receiver for remote playback commands,
// replacing any previous one.
func (c *Client) SetCommandHandler(h CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect dials the relay, joins the party, and resolves once the relay has
// assigned this client its identity. The connection then survives transient
// drops via bounded reconnection until ctx is cancelled or Disconnect is
// called.
func (c *Client) Connect(ctx context.Context, partyID string, cs protocol.ClientState) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.partyID = partyID
	c.clientState = cs
	c.closed = false
	c.sawIdentity = false
	c.mu.Unlock()

	c.store.SetPartyID(partyID)

	conn, identified, err := c.establish(ctx)
	if err != nil {
		return fmt.Errorf("join party %s: %w", partyID, err)
	}
	go c.supervise(ctx, conn)

	select {
	case <-identified:
		return nil
	case <-time.After(c.cfg.HandshakeTimeout):
		c.Disconnect()
		return fmt.Errorf("join party %s: no identity assignment within %s", partyID, c.cfg.HandshakeTimeout)
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

// Disconnect leaves the party and releases the connection. No reconnection
// is attempted afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "leaving party")
	}
	c.store.Reset()
	c.log.Info("left party")
}

// SendVideoEvent forwards a local playback transition to the party. Dropped
// with a log line when the connection is down; playback must never block on
// the network.
func (c *Client) SendVideoEvent(event protocol.VideoEvent, timeFromEnd float64) {
	variant, paused := event.ToVariant()
	cmd, err := protocol.NewMessage(protocol.MsgVideoUpdate, protocol.VideoUpdateData{
		Variant: variant,
		Tick:    timeFromEnd,
		Paused:  paused,
	})
	if err != nil {
		c.log.Error("encode video update", "err", err)
		return
	}
	c.log.Debug("sending video event", "event", string(event), "timeFromEnd", timeFromEnd)
	c.send(protocol.MsgForward, protocol.ForwardData{CommandToForward: cmd})
}

// OnLocalPlay implements vsync.EventSink.
func (c *Client) OnLocalPlay(timeFromEnd float64) {
	c.SendVideoEvent(protocol.VideoPlay, timeFromEnd)
}

// OnLocalPause implements vsync.EventSink.
func (c *Client) OnLocalPause(timeFromEnd float64) {
	c.SendVideoEvent(protocol.VideoPause, timeFromEnd)
}

// OnLocalSeek implements vsync.EventSink.
func (c *Client) OnLocalSeek(timeFromEnd float64) {
	c.SendVideoEvent(protocol.VideoSeek, timeFromEnd)
}

// SendChatMessage forwards a chat line to the party and records it in the
// local log. The relay never echoes a sender's own messages back.
func (c *Client) SendChatMessage(text string) {
	now := time.Now().UnixMilli()
	cmd, err := protocol.NewMessage(protocol.MsgChatMessage, protocol.ChatMessageData{
		Text:      text,
		Timestamp: now,
	})
	if err != nil {
		c.log.Error("encode chat message", "err", err)
		return
	}
	c.send(protocol.MsgForward, protocol.ForwardData{CommandToForward: cmd})

	snap := c.store.State()
	msg := ChatMessage{ID: cuid2.Generate(), Text: text, Timestamp: now}
	if snap.Self != nil {
		msg.PeerUUID = snap.Self.UUID
		msg.PeerName = snap.Self.ClientState.ClientName
		msg.PeerEmoji = snap.Self.ClientState.Emoji
	}
	c.store.AddMessage(msg)
}

// UpdateClientState pushes a partial state change, such as a new emoji, to
// the relay for redistribution.
func (c *Client) UpdateClientState(newState map[string]string) {
	c.send(protocol.MsgClientUpdate, protocol.ClientUpdateData{NewClientState: newState})
}

func (c *Client) establish(ctx context.Context) (*websocket.Conn, chan struct{}, error) {
	c.mu.Lock()
	partyID, cs := c.partyID, c.clientState
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial relay: %w", err)
	}

	join, err := protocol.Encode(protocol.MsgJoin, protocol.JoinData{PartyID: partyID, ClientState: cs})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode join")
		return nil, nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "send join")
		return nil, nil, fmt.Errorf("send join: %w", err)
	}

	identified := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.identified = identified
	c.sawIdentity = false
	c.mu.Unlock()

	c.log.Info("connected to relay", "partyId", partyID)
	return conn, identified, nil
}

// supervise owns the connection lifecycle: it pumps inbound frames and, when
// the connection drops for any reason other than ctx cancellation or an
// explicit Disconnect, runs the bounded reconnect schedule.
func (c *Client) supervise(ctx context.Context, conn *websocket.Conn) {
	for {
		c.readAll(ctx, conn)
		c.store.SetConnected(false)

		if ctx.Err() != nil || c.isClosed() {
			return
		}

		c.log.Warn("relay connection lost, reconnecting")
		next, err := c.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil && !c.isClosed() {
				c.log.Error("reconnection exhausted", "err", err)
				c.store.SetDisconnected()
			}
			return
		}
		conn = next
	}
}

func (c *Client) readAll(ctx context.Context, conn *websocket.Conn) {
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	base, max := c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay

	// retry only sleeps between attempts, so the pause that precedes the
	// first attempt is taken here.
	if err := sleepCtx(ctx, ReconnectDelay(1, base, max)); err != nil {
		return nil, err
	}

	var conn *websocket.Conn
	attempt := 0
	err := retry.New(
		retry.Attempts(uint(c.cfg.ReconnectAttempts)),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			// n retries have failed, so the sleep being computed precedes
			// attempt n+2.
			return ReconnectDelay(int(n)+2, base, max)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		attempt++
		c.log.Info("reconnecting to relay", "attempt", attempt)
		next, _, err := c.establish(ctx)
		if err != nil {
			return err
		}
		conn = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) send(msgType string, data any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.log.Debug("dropping outbound frame, not connected", "type", msgType)
		return
	}

	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		c.log.Error("encode outbound frame", "type", msgType, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		c.log.Warn("write to relay failed", "type", msgType, "err", err)
	}
}

// dispatch routes one inbound frame. Malformed frames are logged and dropped
// without tearing down the connection.
func (c *Client) dispatch(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		c.log.Warn("dropping malformed frame", "err", err)
		return
	}

	switch msg.Type {
	case protocol.MsgSetUUID:
		c.handleSetUUID(msg)
	case protocol.MsgPartyStateUpdate:
		c.handlePartyStateUpdate(msg)
	case protocol.MsgChatMessage:
		c.handleChatMessage(msg)
	case protocol.MsgVideoUpdate:
		c.handleVideoUpdate(msg)
	default:
		c.log.Warn("unknown frame type", "type", msg.Type)
	}
}

func (c *Client) handleSetUUID(msg protocol.Message) {
	var data protocol.SetUUIDData
	if err := protocol.DecodeData(msg, &data); err != nil {
		c.log.Warn("dropping malformed setUUID", "err", err)
		return
	}

	c.mu.Lock()
	cs := c.clientState
	identified := c.identified
	first := !c.sawIdentity
	c.sawIdentity = true
	c.mu.Unlock()

	c.store.SetSelf(data.UUID, cs)
	c.store.SetConnected(true)
	c.log.Info("identity assigned", "uuid", data.UUID)

	if first && identified != nil {
		close(identified)
	}
}

func (c *Client) handlePartyStateUpdate(msg protocol.Message) {
	var data protocol.PartyStateUpdateData
	if err := protocol.DecodeData(msg, &data); err != nil {
		c.log.Warn("dropping malformed partyStateUpdate", "err", err)
		return
	}

	prev := c.store.ApplyPartyState(data.PartyState)

	// The first snapshot after joining would synthesize one join event per
	// existing member, so membership events start with the second snapshot.
	if len(prev) == 0 {
		return
	}

	missingFrom := func(peers []protocol.Peer) func(protocol.Peer, int) bool {
		return func(p protocol.Peer, _ int) bool {
			return !lo.ContainsBy(peers, func(q protocol.Peer) bool { return q.UUID == p.UUID })
		}
	}
	for _, peer := range lo.Filter(data.PartyState.Peers, missingFrom(prev)) {
		c.addMembershipEvent(peer, EventJoin, fmt.Sprintf("%s joined the party", peer.ClientState.ClientName))
	}
	for _, peer := range lo.Filter(prev, missingFrom(data.PartyState.Peers)) {
		c.addMembershipEvent(peer, EventLeave, fmt.Sprintf("%s left the party", peer.ClientState.ClientName))
	}
}

func (c *Client) addMembershipEvent(peer protocol.Peer, kind EventType, text string) {
	c.store.AddMessage(ChatMessage{
		ID:        cuid2.Generate(),
		PeerUUID:  peer.UUID,
		PeerName:  peer.ClientState.ClientName,
		PeerEmoji: peer.ClientState.Emoji,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		EventType: kind,
	})
}

func (c *Client) handleChatMessage(msg protocol.Message) {
	var data protocol.ChatMessageData
	if err := protocol.DecodeData(msg, &data); err != nil {
		c.log.Warn("dropping malformed chatMessage", "err", err)
		return
	}
	if msg.Peer == nil {
		c.log.Warn("dropping chatMessage without peer stamp")
		return
	}

	c.store.AddMessage(ChatMessage{
		ID:        cuid2.Generate(),
		PeerUUID:  msg.Peer.UUID,
		PeerName:  c.store.PeerName(msg.Peer.UUID),
		PeerEmoji: c.store.PeerEmoji(msg.Peer.UUID),
		Text:      data.Text,
		Timestamp: data.Timestamp,
	})
}

func (c *Client) handleVideoUpdate(msg protocol.Message) {
	var data protocol.VideoUpdateData
	if err := protocol.DecodeData(msg, &data); err != nil {
		c.log.Warn("dropping malformed videoUpdate", "err", err)
		return
	}

	event := protocol.EventFromVariant(data.Variant, data.Paused)
	c.log.Debug("remote video command", "event", string(event), "timeFromEnd", data.Tick)

	if msg.Peer != nil {
		name := c.store.PeerName(msg.Peer.UUID)
		var kind EventType
		var text string
		switch event {
		case protocol.VideoSeek:
			kind, text = EventSeek, fmt.Sprintf("%s seeked the video", name)
		case protocol.VideoPause:
			kind, text = EventPause, fmt.Sprintf("%s paused the video", name)
		default:
			kind, text = EventPlay, fmt.Sprintf("%s played the video", name)
		}
		c.store.AddMessage(ChatMessage{
			ID:        cuid2.Generate(),
			PeerUUID:  msg.Peer.UUID,
			PeerName:  name,
			PeerEmoji: c.store.PeerEmoji(msg.Peer.UUID),
			Text:      text,
			Timestamp: time.Now().UnixMilli(),
			EventType: kind,
		})
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		c.log.Debug("no command handler installed, dropping remote command")
		return
	}
	if !handler.Execute(event, data.Tick) {
		c.log.Warn("remote command had no video to act on", "event", string(event))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
