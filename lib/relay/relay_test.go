package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jelly-Party/jelly-party-next/lib/protocol"
)

func newTestRelay(t *testing.T) (*Server, *Metrics, string) {
	t.Helper()
	metrics := NewMetrics()
	server := NewServer(Config{HeartbeatInterval: time.Minute}, slog.New(slog.DiscardHandler), metrics)
	srv := httptest.NewServer(http.HandlerFunc(server.HandleSocket))
	t.Cleanup(srv.Close)
	return server, metrics, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testPeer struct {
	conn *websocket.Conn
	uuid string
}

func dialPeer(t *testing.T, url string) *testPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return &testPeer{conn: conn}
}

// joinPeer dials and completes the join handshake, leaving any membership
// snapshots queued for the caller to read.
func joinPeer(t *testing.T, url, partyID string, state protocol.ClientState) *testPeer {
	t.Helper()
	p := dialPeer(t, url)
	p.write(t, protocol.MsgJoin, protocol.JoinData{PartyID: partyID, ClientState: state})

	msg := p.read(t)
	require.Equal(t, protocol.MsgSetUUID, msg.Type)
	var assigned protocol.SetUUIDData
	require.NoError(t, protocol.DecodeData(msg, &assigned))
	require.NotEmpty(t, assigned.UUID)
	p.uuid = assigned.UUID
	return p
}

func (p *testPeer) write(t *testing.T, msgType string, data any) {
	t.Helper()
	frame, err := protocol.Encode(msgType, data)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.conn.Write(ctx, websocket.MessageText, frame))
}

func (p *testPeer) writeRaw(t *testing.T, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func (p *testPeer) read(t *testing.T) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, frame, err := p.conn.Read(ctx)
	require.NoError(t, err)
	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

func (p *testPeer) readSnapshot(t *testing.T) protocol.PartyState {
	t.Helper()
	msg := p.read(t)
	require.Equal(t, protocol.MsgPartyStateUpdate, msg.Type)
	var data protocol.PartyStateUpdateData
	require.NoError(t, protocol.DecodeData(msg, &data))
	return data.PartyState
}

// expectSilence asserts no frame arrives shortly. It consumes the
// connection, so it must be the peer's last interaction.
func (p *testPeer) expectSilence(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, frame, err := p.conn.Read(ctx)
	require.Error(t, err, "unexpected frame: %s", string(frame))
}

func TestJoinBroadcastsMembershipToAllMembers(t *testing.T) {
	t.Parallel()

	_, _, url := newTestRelay(t)

	alice := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Alice", Emoji: "\U0001F680"})
	first := alice.readSnapshot(t)
	require.Len(t, first.Peers, 1)
	assert.Equal(t, alice.uuid, first.Peers[0].UUID)
	assert.True(t, first.IsActive)
	assert.Equal(t, "p-1", first.PartyID)

	bob := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Bob", Emoji: "\U0001F389"})
	second := alice.readSnapshot(t)
	require.Len(t, second.Peers, 2)

	bobView := bob.readSnapshot(t)
	require.Len(t, bobView.Peers, 2)

	names := []string{bobView.Peers[0].ClientState.ClientName, bobView.Peers[1].ClientState.ClientName}
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, names)
}

func TestPartiesAreIsolated(t *testing.T) {
	t.Parallel()

	_, _, url := newTestRelay(t)

	alice := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Alice"})
	alice.readSnapshot(t)

	joinPeer(t, url, "p-2", protocol.ClientState{ClientName: "Carol"})

	// Carol's join must not produce a snapshot in Alice's party.
	alice.expectSilence(t)
}

func TestForwardStampsPeerAndExcludesSender(t *testing.T) {
	t.Parallel()

	_, _, url := newTestRelay(t)

	alice := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Alice"})
	alice.readSnapshot(t)
	bob := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Bob"})
	alice.readSnapshot(t)
	bob.readSnapshot(t)

	cmd, err := protocol.NewMessage(protocol.MsgVideoUpdate, protocol.VideoUpdateData{
		Variant: protocol.VariantSeek,
		Tick:    120,
	})
	require.NoError(t, err)
	alice.write(t, protocol.MsgForward, protocol.ForwardData{CommandToForward: cmd})

	msg := bob.read(t)
	require.Equal(t, protocol.MsgVideoUpdate, msg.Type)
	require.NotNil(t, msg.Peer)
	assert.Equal(t, alice.uuid, msg.Peer.UUID)
	var update protocol.VideoUpdateData
	require.NoError(t, protocol.DecodeData(msg, &update))
	assert.Equal(t, float64(120), update.Tick)
	assert.Equal(t, protocol.VariantSeek, update.Variant)

	// The sender must not hear its own command back.
	alice.expectSilence(t)
}

func TestForwardWithUnsupportedCommandIsDropped(t *testing.T) {
	t.Parallel()

	_, _, url := newTestRelay(t)

	alice := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Alice"})
	alice.readSnapshot(t)
	bob := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Bob"})
	alice.readSnapshot(t)
	bob.readSnapshot(t)

	cmd, err := protocol.NewMessage(protocol.MsgJoin, protocol.JoinData{PartyID: "p-other"})
	require.NoError(t, err)
	alice.write(t, protocol.MsgForward, protocol.ForwardData{CommandToForward: cmd})

	bob.expectSilence(t)
}

func TestJoinDefaultsNameAndEmoji(t *testing.T) {
	t.Parallel()

	_, _, url := newTestRelay(t)

	anon := joinPeer(t, url, "p-1", protocol.ClientState{})
	snap := anon.readSnapshot(t)
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, "Anonymous", snap.Peers[0].ClientState.ClientName)
	assert.NotEmpty(t, snap.Peers[0].ClientState.Emoji)
}

func TestClientUpdateChangesEmojiButProtectsIdentity(t *testing.T) {
	t.Parallel()

	_, _, url := newTestRelay(t)

	alice := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Alice", Emoji: "\U0001F680"})
	alice.readSnapshot(t)

	alice.write(t, protocol.MsgClientUpdate, protocol.ClientUpdateData{NewClientState: map[string]string{
		"emoji":      "\U0001F98A",
		"clientName": "Mallory",
		"uuid":       "forged",
	}})

	snap := alice.readSnapshot(t)
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, "\U0001F98A", snap.Peers[0].ClientState.Emoji)
	assert.Equal(t, "Alice", snap.Peers[0].ClientState.ClientName)
	assert.Equal(t, alice.uuid, snap.Peers[0].UUID)
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	t.Parallel()

	_, _, url := newTestRelay(t)

	alice := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Alice"})
	alice.readSnapshot(t)
	bob := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Bob"})
	alice.readSnapshot(t)
	bob.readSnapshot(t)

	alice.writeRaw(t, "this is not json")

	cmd, err := protocol.NewMessage(protocol.MsgChatMessage, protocol.ChatMessageData{Text: "still here", Timestamp: 1})
	require.NoError(t, err)
	alice.write(t, protocol.MsgForward, protocol.ForwardData{CommandToForward: cmd})

	msg := bob.read(t)
	require.Equal(t, protocol.MsgChatMessage, msg.Type)
	var chat protocol.ChatMessageData
	require.NoError(t, protocol.DecodeData(msg, &chat))
	assert.Equal(t, "still here", chat.Text)
}

func TestPartyRemovedWhenLastMemberLeaves(t *testing.T) {
	t.Parallel()

	server, metrics, url := newTestRelay(t)

	alice := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Alice"})
	alice.readSnapshot(t)
	bob := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Bob"})
	alice.readSnapshot(t)
	bob.readSnapshot(t)
	require.Equal(t, 1, server.PartyCount())

	require.NoError(t, alice.conn.Close(websocket.StatusNormalClosure, "bye"))

	// The survivor sees the shrunken party before it empties out.
	snap := bob.readSnapshot(t)
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, bob.uuid, snap.Peers[0].UUID)

	require.NoError(t, bob.conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		return server.PartyCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ActiveParties) == 0 && testutil.ToFloat64(metrics.ActiveClients) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsCountPartiesAndConnections(t *testing.T) {
	t.Parallel()

	_, metrics, url := newTestRelay(t)

	alice := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Alice"})
	alice.readSnapshot(t)
	bob := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Bob"})
	alice.readSnapshot(t)
	bob.readSnapshot(t)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ActiveParties))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ActiveClients))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PartiesCreatedTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ClientConnectionsTotal))
}

func TestMetricsEndpointServesExposition(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	metrics.PartiesCreatedTotal.Inc()

	srv := httptest.NewServer(metrics.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "jellyparty_parties_created_total 1")
}

func TestHeartbeatDropsUnresponsivePeer(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	server := NewServer(Config{HeartbeatInterval: 50 * time.Millisecond}, slog.New(slog.DiscardHandler), metrics)
	srv := httptest.NewServer(http.HandlerFunc(server.HandleSocket))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	alice := joinPeer(t, url, "p-1", protocol.ClientState{ClientName: "Alice"})
	alice.readSnapshot(t)
	require.Equal(t, 1, server.PartyCount())

	// Pongs are only answered while the client reads. Alice stops reading,
	// so the ping goes unanswered and the relay drops her.
	require.Eventually(t, func() bool {
		return server.PartyCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}
