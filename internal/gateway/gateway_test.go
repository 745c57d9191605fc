package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LemmyAI/roomrelay/internal/metrics"
	"github.com/LemmyAI/roomrelay/internal/peer"
	"github.com/LemmyAI/roomrelay/internal/protocol"
	"github.com/LemmyAI/roomrelay/internal/room"
	"github.com/LemmyAI/roomrelay/internal/session"
	"github.com/LemmyAI/roomrelay/internal/signaling"
	"github.com/LemmyAI/roomrelay/internal/transport"
)

type harness struct {
	gateway *Gateway
	metrics *metrics.Metrics
	peers   *peer.Registry
	rooms   *room.Directory
}

func build(t transport.Transport, config Config) *harness {
	log, _ := test.NewNullLogger()
	m := metrics.New()
	peers := peer.NewRegistry()
	rooms := room.NewDirectory(room.DefaultConfig())

	emit := NewTransportEmitter(t, log, m)
	coord := session.NewCoordinator(peers, rooms, emit, session.Config{}, log)
	relay := signaling.NewRelay(peers, emit, log)

	g := New(t, coord, relay, config, log, m)
	g.Attach()
	return &harness{gateway: g, metrics: m, peers: peers, rooms: rooms}
}

func lastEvent(t *testing.T, mock *transport.MockTransport, connID, event string) protocol.Envelope {
	t.Helper()
	var found *protocol.Envelope
	for _, env := range mock.SentTo(connID) {
		if env.Event == event {
			found = &env
		}
	}
	require.NotNil(t, found, "%s received no %s", connID, event)
	return *found
}

func countEvents(mock *transport.MockTransport, connID, event string) int {
	n := 0
	for _, env := range mock.SentTo(connID) {
		if env.Event == event {
			n++
		}
	}
	return n
}

func frame(t *testing.T, mock *transport.MockTransport, connID, raw string) {
	t.Helper()
	require.NoError(t, mock.SimulateFrame(connID, []byte(raw)))
}

func TestScenarioThroughGateway(t *testing.T) {
	mock := transport.NewMockTransport()
	h := build(mock, Config{})

	for _, id := range []string{"A", "B", "C"} {
		mock.SimulateConnect(id)
		welcome := lastEvent(t, mock, id, protocol.EventWelcome)
		assert.JSONEq(t, `{"connectionId":"`+id+`"}`, string(welcome.Data))
	}

	frame(t, mock, "A", `{"event":"send_room","data":{"roomId":"R1","location":{"lat":1,"lng":2}}}`)
	assert.True(t, h.peers.IsHost("A"))

	frame(t, mock, "B", `{"event":"get_rooms"}`)
	assert.JSONEq(t, `[{"roomId":"R1","location":{"lat":1,"lng":2},"memberCount":0}]`,
		string(lastEvent(t, mock, "B", protocol.EventRoomList).Data))

	frame(t, mock, "C", `{"event":"join_room","data":"R1"}`)
	assert.JSONEq(t, `{"joinerConnectionId":"C"}`, string(lastEvent(t, mock, "A", protocol.EventJoinRoom).Data))
	assert.JSONEq(t, `1`, string(lastEvent(t, mock, "A", protocol.EventRoomMemberCount).Data))
	assert.JSONEq(t, `1`, string(lastEvent(t, mock, "C", protocol.EventRoomMemberCount).Data))

	frame(t, mock, "C", `{"event":"offer","data":{"targetConnectionId":"A","sdp":{"type":"offer", "sdp":"v=0\r\n"}}}`)
	assert.Equal(t, `{"senderConnectionId":"C","sdp":{"type":"offer", "sdp":"v=0\r\n"}}`,
		string(lastEvent(t, mock, "A", protocol.EventOffer).Data))

	frame(t, mock, "A", `{"event":"answer","data":{"senderSocketId":"C","sdp":"answer-sdp"}}`)
	assert.Equal(t, `{"receiverConnectionId":"A","sdp":"answer-sdp"}`,
		string(lastEvent(t, mock, "C", protocol.EventAnswer).Data))

	mock.SimulateDisconnect("A")
	assert.JSONEq(t, `"R1"`, string(lastEvent(t, mock, "C", protocol.EventCloseRoom).Data))

	frame(t, mock, "B", `{"event":"get_rooms"}`)
	assert.JSONEq(t, `[]`, string(lastEvent(t, mock, "B", protocol.EventRoomList).Data))

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RelayedCounter(protocol.EventOffer))+
		testutil.ToFloat64(h.metrics.RelayedCounter(protocol.EventAnswer)))
}

func TestDispatchIgnoresBadInput(t *testing.T) {
	mock := transport.NewMockTransport()
	h := build(mock, Config{})
	mock.SimulateConnect("a")
	mock.Clear()

	frame(t, mock, "a", `{"event":"dance"}`)
	frame(t, mock, "a", `{"event":"join_room","data":{"roomId":"  "}}`)
	frame(t, mock, "a", `{"event":"send_room","data":{"roomId":"r","location":{"lat":500,"lng":0}}}`)
	frame(t, mock, "a", `{"event":"join_room","data":"missing"}`)
	frame(t, mock, "a", `{"event":"offer","data":{"targetConnectionId":"ghost","sdp":"x"}}`)
	frame(t, mock, "a", `{"event":"close_room","data":"missing"}`)
	mock.SimulateMessage("a", protocol.Envelope{})

	assert.Empty(t, mock.SentMessages())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DropCounter(metrics.DropReasonUnknownEvent)))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.DropCounter(metrics.DropReasonMalformed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DropCounter(metrics.DropReasonUnknownRoom)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DropCounter(metrics.DropReasonUnknownTarget)))
	assert.False(t, h.rooms.Exists("missing"))
}

func TestSendRoomAcceptsLatitudeLongitude(t *testing.T) {
	mock := transport.NewMockTransport()
	h := build(mock, Config{})
	mock.SimulateConnect("a")

	frame(t, mock, "a", `{"event":"send_room","data":{"roomId":"R1","location":{"latitude":37.56,"longitude":126.97}}}`)
	frame(t, mock, "a", `{"event":"send_room","data":{"roomId":"R2","location":{}}}`)
	frame(t, mock, "a", `{"event":"get_rooms"}`)

	assert.JSONEq(t, `[{"roomId":"R1","location":{"lat":37.56,"lng":126.97},"memberCount":0}]`,
		string(lastEvent(t, mock, "a", protocol.EventRoomList).Data))
	assert.False(t, h.rooms.Exists("R2"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DropCounter(metrics.DropReasonMalformed)))
}

func TestRoomIDsAreKeptVerbatim(t *testing.T) {
	mock := transport.NewMockTransport()
	h := build(mock, Config{})
	mock.SimulateConnect("a")
	mock.SimulateConnect("b")

	frame(t, mock, "a", `{"event":"send_room","data":{"roomId":"R1"}}`)
	frame(t, mock, "b", `{"event":"send_room","data":{"roomId":" R1"}}`)

	assert.Equal(t, "a", h.rooms.HostID("R1"))
	assert.Equal(t, "b", h.rooms.HostID(" R1"))
	assert.Equal(t, 2, h.rooms.Count())
}

func TestRelayOverMsgpackKeepsPayload(t *testing.T) {
	mock := transport.NewMockTransport()
	build(mock, Config{})
	mock.SimulateConnect("A")
	mock.SimulateConnect("B")

	in, err := protocol.Msgpack.Encode(protocol.Envelope{
		Event: protocol.EventIceCandidate,
		Data:  json.RawMessage(`{"targetConnectionId":"B","candidate":{"id":9007199254740993}}`),
	})
	require.NoError(t, err)
	env, err := protocol.Msgpack.Decode(in)
	require.NoError(t, err)
	mock.SimulateMessage("A", env)

	out, err := protocol.Msgpack.Encode(lastEvent(t, mock, "B", protocol.EventIceCandidate))
	require.NoError(t, err)
	received, err := protocol.Msgpack.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, `{"originConnectionId":"A","candidate":{"id":9007199254740993}}`, string(received.Data))
}

func TestNonHostCloseIsDropped(t *testing.T) {
	mock := transport.NewMockTransport()
	h := build(mock, Config{})
	mock.SimulateConnect("host")
	mock.SimulateConnect("guest")

	frame(t, mock, "host", `{"event":"send_room","data":{"roomId":"r"}}`)
	frame(t, mock, "guest", `{"event":"join_room","data":{"roomId":"r"}}`)
	frame(t, mock, "guest", `{"event":"close_room","data":"r"}`)

	assert.True(t, h.rooms.Exists("r"))
	assert.Zero(t, countEvents(mock, "host", protocol.EventCloseRoom))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DropCounter(metrics.DropReasonNotHost)))

	frame(t, mock, "host", `{"event":"close_room","data":"r"}`)
	assert.False(t, h.rooms.Exists("r"))
	assert.Equal(t, 1, countEvents(mock, "guest", protocol.EventCloseRoom))
}

func TestRateLimit(t *testing.T) {
	mock := transport.NewMockTransport()
	h := build(mock, Config{EventsPerSecond: 1, EventBurst: 2})
	mock.SimulateConnect("a")

	for range 5 {
		frame(t, mock, "a", `{"event":"get_rooms"}`)
	}

	assert.Equal(t, 2, countEvents(mock, "a", protocol.EventRoomList))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.DropCounter(metrics.DropReasonRateLimited)))

	mock.SimulateDisconnect("a")
	h.gateway.mu.Lock()
	assert.Empty(t, h.gateway.limiters)
	h.gateway.mu.Unlock()
}

func TestFullSendBufferDisconnectsSlowClient(t *testing.T) {
	mock := transport.NewMockTransport()
	h := build(mock, Config{})
	mock.SimulateConnect("host")
	mock.SimulateConnect("slow")
	frame(t, mock, "slow", `{"event":"send_room","data":{"roomId":"slow-room"}}`)

	mock.FailSends("slow", transport.ErrSendBufferFull)
	frame(t, mock, "host", `{"event":"send_room","data":{"roomId":"r"}}`)

	assert.Equal(t, []string{"slow"}, mock.DisconnectRequests())
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.DropCounter(metrics.DropReasonSendBufferFull)), 1.0)

	// The transport reports the drop later; the room the slow client hosted goes with it.
	mock.SimulateDisconnect("slow")
	assert.False(t, h.peers.Exists("slow"))
	assert.False(t, h.rooms.Exists("slow-room"))
	assert.JSONEq(t, `"slow-room"`, string(lastEvent(t, mock, "host", protocol.EventCloseRoom).Data))
}

func readEvent(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		if env.Event == event {
			return env
		}
	}
}

func dial(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var welcome protocol.Welcome
	require.NoError(t, json.Unmarshal(readEvent(t, conn, protocol.EventWelcome).Data, &welcome))
	require.NotEmpty(t, welcome.ConnectionID)
	return conn, welcome.ConnectionID
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestScenarioOverWebSocket(t *testing.T) {
	log, _ := test.NewNullLogger()
	ws := transport.NewWebSocket(transport.DefaultConfig(), log, nil)
	build(ws, Config{EventsPerSecond: 100, EventBurst: 100})

	srv := httptest.NewServer(ws)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	a, aID := dial(t, url)
	b, _ := dial(t, url)
	c, cID := dial(t, url)

	send(t, a, `{"event":"send_room","data":{"roomId":"R1","location":{"lat":1,"lng":2}}}`)
	readEvent(t, a, protocol.EventRoomList)

	send(t, b, `{"event":"get_rooms"}`)
	list := readEvent(t, b, protocol.EventRoomList)
	assert.JSONEq(t, `[{"roomId":"R1","location":{"lat":1,"lng":2},"memberCount":0}]`, string(list.Data))

	send(t, c, `{"event":"join_room","data":"R1"}`)
	assert.JSONEq(t, `{"joinerConnectionId":"`+cID+`"}`, string(readEvent(t, a, protocol.EventJoinRoom).Data))
	assert.JSONEq(t, `1`, string(readEvent(t, a, protocol.EventRoomMemberCount).Data))
	assert.JSONEq(t, `1`, string(readEvent(t, c, protocol.EventRoomMemberCount).Data))

	sdp := `{"type":"offer",   "sdp":"v=0\r\na=group:BUNDLE 0\r\n"}`
	send(t, c, `{"event":"offer","data":{"targetConnectionId":"`+aID+`","sdp":`+sdp+`}}`)
	offer := readEvent(t, a, protocol.EventOffer)
	assert.Equal(t, `{"senderConnectionId":"`+cID+`","sdp":`+sdp+`}`, string(offer.Data))

	require.NoError(t, a.Close())
	assert.JSONEq(t, `"R1"`, string(readEvent(t, c, protocol.EventCloseRoom).Data))

	readEvent(t, b, protocol.EventCloseRoom)
	assert.JSONEq(t, `[]`, string(readEvent(t, b, protocol.EventRoomList).Data))
}
