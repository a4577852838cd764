package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Jelly-Party/jelly-party-next/lib/logger"
	"github.com/Jelly-Party/jelly-party-next/lib/protocol"
)

const writeTimeout = 5 * time.Second

var partyEmojis = []string{
	"\U0001F389", "\U0001F973", "\U0001F388", "\U0001F355", "\U0001F37F",
	"\U0001F3AC", "\U0001F4FA", "\U0001F3AD", "\U0001F31F", "✨",
	"\U0001F98B", "\U0001F419", "\U0001F984", "\U0001F433", "\U0001F98A",
	"\U0001F43C", "\U0001F428", "\U0001F981", "\U0001F42F",
}

// RandomEmoji picks a default avatar for clients that join without one.
func RandomEmoji() string {
	return lo.Sample(partyEmojis)
}

// Config tunes the relay server.
type Config struct {
	// HeartbeatInterval is the gap between websocket pings. A failed ping
	// closes the connection.
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{HeartbeatInterval: 30 * time.Second}
}

// Server fans party traffic out between clients. One party exists per
// partyId for as long as it has at least one member.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	parties map[string]*party
}

type party struct {
	id      string
	members []*client
}

type client struct {
	uuid  string
	conn  *websocket.Conn
	state protocol.ClientState
	party *party

	writeMu sync.Mutex
}

func NewServer(cfg Config, log *slog.Logger, metrics *Metrics) *Server {
	return &Server{
		cfg:     cfg,
		log:     log.With("component", "relay"),
		metrics: metrics,
		parties: make(map[string]*party),
	}
}

// PartyCount reports how many parties currently have members.
func (s *Server) PartyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parties)
}

// HandleSocket upgrades the request and serves the party protocol on it
// until the client disconnects.
func (s *Server) HandleSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}

	c := &client{
		uuid: uuid.NewString(),
		conn: conn,
	}
	log.Debug("connection opened", "uuid", c.uuid)
	s.serveClient(r.Context(), c)
}

func (s *Server) serveClient(ctx context.Context, c *client) {
	defer s.dropClient(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeat(ctx, c)

	for {
		_, frame, err := c.conn.Read(ctx)
		if err != nil {
			s.log.Info("client disconnected", "uuid", c.uuid)
			return
		}
		s.dispatch(ctx, c, frame)
	}
}

// heartbeat pings the client on an interval. Pong handling is done by the
// websocket library; a ping that errors or times out means the peer is gone.
func (s *Server) heartbeat(ctx context.Context, c *client) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A pong must arrive before the next ping is due.
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// The peer already missed a ping; a close handshake would
				// just block against it. Tear down abruptly so the read loop
				// reaps the member right away.
				s.log.Debug("heartbeat failed, closing connection", "uuid", c.uuid)
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Malformed frames are logged and dropped;
// the connection stays up.
func (s *Server) dispatch(ctx context.Context, c *client, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.log.Warn("dropping malformed frame", "uuid", c.uuid, "err", err)
		return
	}
	s.metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case protocol.MsgJoin:
		s.handleJoin(ctx, c, msg)
	case protocol.MsgForward:
		s.handleForward(ctx, c, msg)
	case protocol.MsgClientUpdate:
		s.handleClientUpdate(ctx, c, msg)
	default:
		s.log.Warn("unknown frame type", "uuid", c.uuid, "type", msg.Type)
	}
}

func (s *Server) handleJoin(ctx context.Context, c *client, msg protocol.Message) {
	var data protocol.JoinData
	if err := protocol.DecodeData(msg, &data); err != nil {
		s.log.Warn("dropping malformed join", "uuid", c.uuid, "err", err)
		return
	}
	if data.PartyID == "" {
		s.log.Warn("dropping join without partyId", "uuid", c.uuid)
		return
	}

	c.state = data.ClientState
	if c.state.ClientName == "" {
		c.state.ClientName = "Anonymous"
	}
	if c.state.Emoji == "" {
		c.state.Emoji = RandomEmoji()
	}

	// The client learns its identity before the first membership snapshot.
	assigned, err := protocol.Encode(protocol.MsgSetUUID, protocol.SetUUIDData{UUID: c.uuid})
	if err != nil {
		s.log.Error("encode setUUID", "err", err)
		return
	}
	c.send(ctx, s.log, assigned)

	s.mu.Lock()
	if c.party != nil {
		s.mu.Unlock()
		s.log.Warn("ignoring second join on one connection", "uuid", c.uuid)
		return
	}
	p, ok := s.parties[data.PartyID]
	if !ok {
		p = &party{id: data.PartyID}
		s.parties[data.PartyID] = p
		s.metrics.PartiesCreatedTotal.Inc()
		s.metrics.ActiveParties.Inc()
		s.log.Info("party created", "partyId", data.PartyID)
	}
	p.members = append(p.members, c)
	c.party = p
	s.mu.Unlock()

	s.metrics.ActiveClients.Inc()
	s.metrics.ClientConnectionsTotal.Inc()
	s.log.Info("client joined", "partyId", data.PartyID, "clientName", c.state.ClientName, "uuid", c.uuid)

	s.broadcastPartyState(ctx, p)
}

// handleForward stamps the sender onto the nested command and fans it out to
// every other party member. The sender never receives its own command back.
func (s *Server) handleForward(ctx context.Context, c *client, msg protocol.Message) {
	if c.party == nil {
		s.log.Warn("dropping forward from client outside a party", "uuid", c.uuid)
		return
	}
	var data protocol.ForwardData
	if err := protocol.DecodeData(msg, &data); err != nil {
		s.log.Warn("dropping malformed forward", "uuid", c.uuid, "err", err)
		return
	}

	cmd := data.CommandToForward
	switch cmd.Type {
	case protocol.MsgChatMessage, protocol.MsgVideoUpdate:
	default:
		s.log.Warn("dropping forward with unsupported command", "uuid", c.uuid, "type", cmd.Type)
		return
	}

	cmd.Peer = &protocol.PeerRef{UUID: c.uuid}
	frame, err := json.Marshal(cmd)
	if err != nil {
		s.log.Error("encode forwarded command", "err", err)
		return
	}
	s.notifyParty(ctx, c.party, c.uuid, frame)
}

func (s *Server) handleClientUpdate(ctx context.Context, c *client, msg protocol.Message) {
	if c.party == nil {
		s.log.Warn("dropping clientUpdate from client outside a party", "uuid", c.uuid)
		return
	}
	var data protocol.ClientUpdateData
	if err := protocol.DecodeData(msg, &data); err != nil {
		s.log.Warn("dropping malformed clientUpdate", "uuid", c.uuid, "err", err)
		return
	}

	// State is read by broadcasts under the registry lock.
	s.mu.Lock()
	for key, value := range data.NewClientState {
		switch key {
		case "emoji":
			c.state.Emoji = value
		case "clientName", "uuid":
			// Identity fields are assigned by the relay and stay immutable.
			s.log.Debug("dropping protected field from clientUpdate", "uuid", c.uuid, "field", key)
		default:
			s.log.Debug("ignoring unknown clientUpdate field", "uuid", c.uuid, "field", key)
		}
	}
	s.mu.Unlock()

	s.broadcastPartyState(ctx, c.party)
}

// dropClient removes a disconnected client from its party, deleting the
// party once its last member leaves.
func (s *Server) dropClient(c *client) {
	_ = c.conn.CloseNow()

	s.mu.Lock()
	p := c.party
	if p == nil {
		s.mu.Unlock()
		return
	}
	c.party = nil
	p.members = lo.Filter(p.members, func(m *client, _ int) bool { return m.uuid != c.uuid })
	empty := len(p.members) == 0
	if empty {
		delete(s.parties, p.id)
	}
	s.mu.Unlock()

	s.metrics.ActiveClients.Dec()
	if empty {
		s.metrics.ActiveParties.Dec()
		s.log.Info("party removed", "partyId", p.id)
		return
	}
	s.broadcastPartyState(context.Background(), p)
}

func (s *Server) broadcastPartyState(ctx context.Context, p *party) {
	s.mu.Lock()
	state := protocol.PartyState{
		IsActive: true,
		PartyID:  p.id,
		Peers: lo.Map(p.members, func(m *client, _ int) protocol.Peer {
			return protocol.Peer{UUID: m.uuid, ClientState: m.state}
		}),
	}
	s.mu.Unlock()

	frame, err := protocol.Encode(protocol.MsgPartyStateUpdate, protocol.PartyStateUpdateData{PartyState: state})
	if err != nil {
		s.log.Error("encode partyStateUpdate", "err", err)
		return
	}
	s.notifyParty(ctx, p, "", frame)
}

// notifyParty writes frame to every member except excludeUUID. Writes happen
// outside the registry lock so one slow client cannot stall the party.
func (s *Server) notifyParty(ctx context.Context, p *party, excludeUUID string, frame []byte) {
	s.mu.Lock()
	targets := lo.Filter(p.members, func(m *client, _ int) bool { return m.uuid != excludeUUID })
	s.mu.Unlock()

	for _, target := range targets {
		target.send(ctx, s.log, frame)
	}
}

func (c *client) send(ctx context.Context, log *slog.Logger, frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		log.Warn("write to client failed", "uuid", c.uuid, "err", err)
	}
}
