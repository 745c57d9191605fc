package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LemmyAI/roomrelay/internal/protocol"
)

func quietLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

func TestMockTransport_SimulateMessage(t *testing.T) {
	mock := NewMockTransport()

	var received protocol.Envelope
	mock.OnMessage(func(connID string, env protocol.Envelope) {
		received = env
	})

	require.NoError(t, mock.SimulateFrame("c1", []byte(`{"event":"join_room","data":"r1"}`)))
	assert.Equal(t, protocol.EventJoinRoom, received.Event)
	assert.JSONEq(t, `"r1"`, string(received.Data))

	assert.ErrorIs(t, mock.SimulateFrame("c1", []byte(`not json`)), protocol.ErrMalformed)
}

func TestMockTransport_Send(t *testing.T) {
	mock := NewMockTransport()

	err := mock.Send("c1", protocol.MustEnvelope(protocol.EventRoomList, []string{}))
	assert.ErrorIs(t, err, ErrUnknownConnection)

	mock.SimulateConnect("c1")
	require.NoError(t, mock.Send("c1", protocol.MustEnvelope(protocol.EventRoomList, []string{})))

	sent := mock.SentTo("c1")
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventRoomList, sent[0].Event)

	mock.FailSends("c1", ErrSendBufferFull)
	assert.ErrorIs(t, mock.Send("c1", protocol.MustEnvelope(protocol.EventRoomList, nil)), ErrSendBufferFull)

	mock.Clear()
	assert.Empty(t, mock.SentMessages())
}

func TestMockTransport_ConnectDisconnect(t *testing.T) {
	mock := NewMockTransport()

	var connected, disconnected string
	mock.OnConnect(func(connID string) {
		connected = connID
	})
	mock.OnDisconnect(func(connID string) {
		disconnected = connID
	})

	mock.SimulateConnect("c1")
	assert.Equal(t, "c1", connected)
	assert.Equal(t, []string{"c1"}, mock.Connections())

	require.NoError(t, mock.Disconnect("c1"))
	assert.Equal(t, []string{"c1"}, mock.DisconnectRequests())
	assert.Empty(t, disconnected, "Disconnect must not fire the handler")

	mock.SimulateDisconnect("c1")
	assert.Equal(t, "c1", disconnected)
	assert.Empty(t, mock.Connections())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, int64(64*1024), cfg.MaxMessageSize)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Less(t, cfg.PingPeriod, cfg.PongWait)
}

func TestSendBufferFull(t *testing.T) {
	ws := NewWebSocket(DefaultConfig(), quietLogger(), nil)
	c := &client{
		id:    "c1",
		codec: protocol.JSON,
		send:  make(chan []byte, 1),
		done:  make(chan struct{}),
	}
	ws.clients[c.id] = c

	env := protocol.MustEnvelope(protocol.EventRoomMemberCount, 1)
	require.NoError(t, ws.Send("c1", env))
	assert.ErrorIs(t, ws.Send("c1", env), ErrSendBufferFull)

	c.shutdown()
	<-c.send
	assert.ErrorIs(t, ws.Send("c1", env), ErrUnknownConnection)
	assert.ErrorIs(t, ws.Send("missing", env), ErrUnknownConnection)
}

func startServer(t *testing.T, config Config) (*WebSocket, string) {
	t.Helper()

	ws := NewWebSocket(config, quietLogger(), nil)
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)
	return ws, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_EchoJSON(t *testing.T) {
	ws, url := startServer(t, DefaultConfig())

	ws.OnConnect(func(connID string) {
		_ = ws.Send(connID, protocol.MustEnvelope(protocol.EventWelcome, protocol.Welcome{ConnectionID: connID}))
	})
	ws.OnMessage(func(connID string, env protocol.Envelope) {
		_ = ws.Send(connID, env)
	})

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "", resp.Header.Get("Sec-WebSocket-Protocol"))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)

	welcome, err := protocol.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventWelcome, welcome.Event)

	offer := `{"event":"offer","data":{"sdp":{"type":"offer","sdp":"v=0\r\n"},  "targetConnectionId":"x"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(offer)))

	_, frame, err = conn.ReadMessage()
	require.NoError(t, err)
	echoed, err := protocol.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, `{"sdp":{"type":"offer","sdp":"v=0\r\n"},  "targetConnectionId":"x"}`, string(echoed.Data))
}

func TestWebSocket_MsgpackSubprotocol(t *testing.T) {
	ws, url := startServer(t, DefaultConfig())
	ws.OnMessage(func(connID string, env protocol.Envelope) {
		_ = ws.Send(connID, env)
	})

	dialer := websocket.Dialer{Subprotocols: []string{protocol.SubprotocolMsgpack}}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, protocol.SubprotocolMsgpack, resp.Header.Get("Sec-WebSocket-Protocol"))

	frame, err := protocol.Msgpack.Encode(protocol.MustEnvelope(protocol.EventJoinRoom, "lobby"))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)

	env, err := protocol.Msgpack.Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventJoinRoom, env.Event)
	assert.JSONEq(t, `"lobby"`, string(env.Data))
}

func TestWebSocket_DisconnectFiresHandlerOnce(t *testing.T) {
	ws, url := startServer(t, DefaultConfig())

	connected := make(chan string, 1)
	gone := make(chan string, 2)
	ws.OnConnect(func(connID string) { connected <- connID })
	ws.OnDisconnect(func(connID string) { gone <- connID })

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var id string
	select {
	case id = <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connect handler not called")
	}
	assert.Equal(t, []string{id}, ws.Connections())

	require.NoError(t, ws.Disconnect(id))

	select {
	case got := <-gone:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect handler not called")
	}
	assert.Empty(t, ws.Connections())
	assert.ErrorIs(t, ws.Disconnect(id), ErrUnknownConnection)

	select {
	case <-gone:
		t.Fatal("disconnect handler called twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	config := DefaultConfig()
	config.AllowedOrigins = []string{"https://relay.example"}
	_, url := startServer(t, config)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://relay.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocket_CloseRejectsNewConnections(t *testing.T) {
	ws, url := startServer(t, DefaultConfig())

	require.NoError(t, ws.Close())
	assert.ErrorIs(t, ws.Close(), ErrClosed)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
