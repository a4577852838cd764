// Package protocol defines the JSON text-frame protocol spoken between party
// clients and the relay server. Every frame is a tagged envelope; the Data
// payload is decoded according to the Type tag.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type tags.
const (
	MsgJoin             = "join"
	MsgForward          = "forward"
	MsgClientUpdate     = "clientUpdate"
	MsgSetUUID          = "setUUID"
	MsgPartyStateUpdate = "partyStateUpdate"
	MsgChatMessage      = "chatMessage"
	MsgVideoUpdate      = "videoUpdate"
)

// Video update variants.
const (
	VariantPlayPause = "playPause"
	VariantSeek      = "seek"
)

// VideoEvent names a playback transition independent of its wire encoding.
type VideoEvent string

const (
	VideoPlay  VideoEvent = "play"
	VideoPause VideoEvent = "pause"
	VideoSeek  VideoEvent = "seek"
)

// ToVariant maps a video event to its wire encoding: seek keeps its own
// variant, play and pause share playPause and differ by the paused flag.
func (e VideoEvent) ToVariant() (variant string, paused bool) {
	if e == VideoSeek {
		return VariantSeek, false
	}
	return VariantPlayPause, e == VideoPause
}

// EventFromVariant reverses ToVariant.
func EventFromVariant(variant string, paused bool) VideoEvent {
	if variant == VariantSeek {
		return VideoSeek
	}
	if paused {
		return VideoPause
	}
	return VideoPlay
}

// ClientState is the self-description a client broadcasts to its peers. Only
// the owning client mutates it.
type ClientState struct {
	ClientName string `json:"clientName"`
	Emoji      string `json:"emoji"`
}

// Peer is one party member as seen in a party state snapshot.
type Peer struct {
	UUID        string      `json:"uuid"`
	ClientState ClientState `json:"clientState"`
}

// PeerRef identifies the originator of a forwarded command. The relay stamps
// it; clients never set it themselves.
type PeerRef struct {
	UUID string `json:"uuid"`
}

// PartyState is the server-pushed membership snapshot. It replaces the
// client's previous snapshot wholesale.
type PartyState struct {
	IsActive bool   `json:"isActive"`
	PartyID  string `json:"partyId"`
	Peers    []Peer `json:"peers"`
}

// Message is the wire envelope. Peer is present only on commands the relay
// forwarded on behalf of another client.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Peer *PeerRef        `json:"peer,omitempty"`
}

// JoinData asks the relay to add this connection to a party.
type JoinData struct {
	PartyID     string      `json:"partyId"`
	ClientState ClientState `json:"clientState"`
}

// ForwardData wraps a command the relay relays verbatim to every other party
// member, after stamping the sender's PeerRef onto it.
type ForwardData struct {
	CommandToForward Message `json:"commandToForward"`
}

// ClientUpdateData carries a partial client state. Keys are merged into the
// connection's state; clientName and uuid are protected and dropped.
type ClientUpdateData struct {
	NewClientState map[string]string `json:"newClientState"`
}

// SetUUIDData is the relay's identity assignment, sent once per join.
type SetUUIDData struct {
	UUID string `json:"uuid"`
}

// PartyStateUpdateData wraps a membership snapshot.
type PartyStateUpdateData struct {
	PartyState PartyState `json:"partyState"`
}

// ChatMessageData is a forwarded chat line.
type ChatMessageData struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// VideoUpdateData is a forwarded playback transition. Tick is the time from
// the end of the video in seconds, the duration-independent sync coordinate.
type VideoUpdateData struct {
	Variant string  `json:"variant"`
	Tick    float64 `json:"tick"`
	Paused  bool    `json:"paused"`
}

// NewMessage builds an envelope around a typed payload. Used for commands
// that nest inside a forward frame as well as for top-level frames.
func NewMessage(msgType string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Data: raw}, nil
}

// Encode builds a wire frame of the given type around data.
func Encode(msgType string, data any) ([]byte, error) {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return frame, nil
}

// Decode parses a wire frame into its envelope. Payload decoding is left to
// the caller, which knows the expected shape from the Type tag.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("parse envelope: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("envelope missing type tag")
	}
	return msg, nil
}

// DecodeData unmarshals an envelope payload into out.
func DecodeData(msg Message, out any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("parse %s payload: %w", msg.Type, err)
	}
	return nil
}
