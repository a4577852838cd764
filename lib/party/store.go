package party

import (
	"sync"

	"github.com/Jelly-Party/jelly-party-next/lib/protocol"
	"github.com/samber/lo"
)

// EventType classifies synthetic chat entries derived from party activity.
type EventType string

const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
	EventPlay  EventType = "play"
	EventPause EventType = "pause"
	EventSeek  EventType = "seek"
)

// ChatMessage is one entry in the party chat log. Entries with a non-empty
// EventType were synthesized locally from membership or playback changes
// rather than typed by a peer.
type ChatMessage struct {
	ID        string
	PeerUUID  string
	PeerName  string
	PeerEmoji string
	Text      string
	Timestamp int64
	EventType EventType
}

// LocalUser is this client's identity as assigned by the relay.
type LocalUser struct {
	UUID        string
	ClientState protocol.ClientState
}

// Snapshot is a point-in-time copy of the store, safe to hold after the
// store moves on.
type Snapshot struct {
	PartyID      string
	Connected    bool
	Disconnected bool
	Self         *LocalUser
	Peers        []protocol.Peer
	Messages     []ChatMessage
}

// Store holds party membership and the chat log. All methods are safe for
// concurrent use; the chat log is append-only until Reset.
type Store struct {
	mu           sync.Mutex
	partyID      string
	connected    bool
	disconnected bool
	self         *LocalUser
	peers        []protocol.Peer
	messages     []ChatMessage
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) SetPartyID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partyID = id
}

func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// SetDisconnected marks the terminal state reached when reconnection gives
// up. It is cleared only by Reset.
func (s *Store) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnected = true
}

func (s *Store) SetSelf(uuid string, cs protocol.ClientState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = &LocalUser{UUID: uuid, ClientState: cs}
}

// ApplyPartyState replaces the peer list wholesale with the server snapshot.
// It returns the previous peer list so the caller can diff for join and
// leave events.
func (s *Store) ApplyPartyState(ps protocol.PartyState) []protocol.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.peers
	s.partyID = ps.PartyID
	s.peers = append([]protocol.Peer(nil), ps.Peers...)
	s.connected = ps.IsActive
	return prev
}

func (s *Store) AddMessage(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// Peer looks up a party member by uuid.
func (s *Store) Peer(uuid string) (protocol.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Find(s.peers, func(p protocol.Peer) bool { return p.UUID == uuid })
}

// PeerName resolves a uuid to a display name, falling back to "Unknown" for
// peers that already left or were never seen.
func (s *Store) PeerName(uuid string) string {
	if p, ok := s.Peer(uuid); ok {
		return p.ClientState.ClientName
	}
	return "Unknown"
}

// PeerEmoji resolves a uuid to an emoji, with a party-hat fallback.
func (s *Store) PeerEmoji(uuid string) string {
	if p, ok := s.Peer(uuid); ok && p.ClientState.Emoji != "" {
		return p.ClientState.Emoji
	}
	return "\U0001F389"
}

func (s *Store) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		PartyID:      s.partyID,
		Connected:    s.connected,
		Disconnected: s.disconnected,
		Peers:        append([]protocol.Peer(nil), s.peers...),
		Messages:     append([]ChatMessage(nil), s.messages...),
	}
	if s.self != nil {
		self := *s.self
		snap.Self = &self
	}
	return snap
}

// Reset returns the store to its zero state, dropping membership and the
// chat log. Used on explicit disconnect.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partyID = ""
	s.connected = false
	s.disconnected = false
	s.self = nil
	s.peers = nil
	s.messages = nil
}
