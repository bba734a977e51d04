package websocket

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chatgate/internal/auth"
	"github.com/cory-johannsen/chatgate/internal/config"
	"github.com/cory-johannsen/chatgate/internal/gateway"
	"github.com/cory-johannsen/chatgate/internal/room"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	t        *testing.T
	server   *Server
	ts       *httptest.Server
	registry *room.Registry
	issuer   *auth.JWTAuthenticator
}

func newFixture(t *testing.T, origins ...string) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := room.NewRegistry(logger, config.RoomConfig{IDLength: 10, MaxIDAttempts: 16})
	issuer := auth.NewJWTAuthenticator([]byte(testSecret), "")
	gw := gateway.New(logger, issuer, registry, config.GatewayConfig{
		OutboxSize:      64,
		MaxFrameBytes:   4096,
		EventsPerSecond: 1000,
		EventBurst:      1000,
	}, time.Second)

	cfg := config.HTTPConfig{
		ReadHeaderTimeout: time.Second,
		ShutdownTimeout:   time.Second,
		AllowedOrigins:    origins,
		PingInterval:      50 * time.Millisecond,
		PongTimeout:       time.Second,
		WriteTimeout:      time.Second,
	}
	s := NewServer(cfg, 4096, gw, registry, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return &fixture{t: t, server: s, ts: ts, registry: registry, issuer: issuer}
}

func (f *fixture) token(id, name string) string {
	f.t.Helper()
	tok, err := f.issuer.Issue(id, name, time.Hour)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
}

func (f *fixture) dial(header http.Header, query string) *websocket.Conn {
	f.t.Helper()
	url := f.wsURL()
	if query != "" {
		url += "?" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(f.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	f.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) login(id, name string) *websocket.Conn {
	f.t.Helper()
	conn := f.dial(http.Header{"Authorization": {"Bearer " + f.token(id, name)}}, "")
	readFrame(f.t, conn, gateway.EventConnected)
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, ack *int64, data any) {
	t.Helper()
	frame, err := gateway.EncodeFrame(event, ack, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readFrame(t *testing.T, conn *websocket.Conn, event string) gateway.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := gateway.DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, event, f.Event, "frame %s", raw)
	return f
}

func request(t *testing.T, conn *websocket.Conn, ack int64, event string, data, reply any) {
	t.Helper()
	writeFrame(t, conn, event, &ack, data)
	f := readFrame(t, conn, gateway.EventAck)
	require.NotNil(t, f.Ack)
	require.Equal(t, ack, *f.Ack)
	require.NoError(t, json.Unmarshal(f.Data, reply))
}

func TestServer_RoomScenario(t *testing.T) {
	f := newFixture(t)
	a := f.login("u-alice", "Alice")
	b := f.login("u-bob", "Bob")

	var created gateway.CreateRoomReply
	request(t, a, 1, gateway.EventCreateRoom, gateway.CreateRoomPayload{RoomName: "general"}, &created)
	require.True(t, created.Success)

	var joined gateway.JoinRoomReply
	request(t, a, 2, gateway.EventJoinRoom, gateway.RoomPayload{RoomID: created.RoomID}, &joined)
	assert.Equal(t, gateway.JoinRoomReply{Success: true, RoomName: "general"}, joined)
	request(t, b, 1, gateway.EventJoinRoom, gateway.RoomPayload{RoomID: created.RoomID}, &joined)
	assert.Equal(t, gateway.JoinRoomReply{Success: true, RoomName: "general"}, joined)

	writeFrame(t, a, gateway.EventSendMessage, nil, gateway.SendMessagePayload{RoomID: created.RoomID, Message: "hi"})
	var msg gateway.ReceiveMessagePayload
	require.NoError(t, json.Unmarshal(readFrame(t, b, gateway.EventReceiveMessage).Data, &msg))
	assert.Equal(t, "Alice", msg.Sender)
	assert.Equal(t, "hi", msg.Message)
	ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, sessions := f.registry.Stats()
		return sessions == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.registry.Rooms(), 1)
}

func TestServer_TokenQueryParameter(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(nil, "token="+f.token("u-alice", "Alice"))

	var connected gateway.ConnectedPayload
	require.NoError(t, json.Unmarshal(readFrame(t, conn, gateway.EventConnected).Data, &connected))
	assert.Equal(t, gateway.User{ID: "u-alice", Username: "Alice"}, connected.User)
}

func TestServer_AuthenticateFrame(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(nil, "")

	writeFrame(t, conn, gateway.EventCreateRoom, nil, gateway.CreateRoomPayload{RoomName: "early"})
	writeFrame(t, conn, gateway.EventAuthenticate, nil, gateway.AuthenticatePayload{Token: f.token("u-alice", "Alice")})
	readFrame(t, conn, gateway.EventConnected)
	assert.Empty(t, f.registry.Rooms())
}

func TestServer_RejectsBadToken(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(http.Header{"Authorization": {"Bearer nonsense"}}, "")

	var payload gateway.MessagePayload
	require.NoError(t, json.Unmarshal(readFrame(t, conn, gateway.EventConnectError).Data, &payload))
	assert.Equal(t, gateway.MsgAuthError, payload.Message)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServer_OriginAllowList(t *testing.T) {
	f := newFixture(t, "http://chat.example")
	tok := f.token("u-alice", "Alice")

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), http.Header{
		"Origin":        {"http://evil.example"},
		"Authorization": {"Bearer " + tok},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn := f.dial(http.Header{
		"Origin":        {"http://chat.example"},
		"Authorization": {"Bearer " + tok},
	}, "")
	readFrame(t, conn, gateway.EventConnected)
}

func TestServer_EmptyAllowListRequiresSameHost(t *testing.T) {
	f := newFixture(t)
	tok := f.token("u-alice", "Alice")

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), http.Header{
		"Origin":        {"http://evil.example"},
		"Authorization": {"Bearer " + tok},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn := f.dial(http.Header{
		"Origin":        {f.ts.URL},
		"Authorization": {"Bearer " + tok},
	}, "")
	readFrame(t, conn, gateway.EventConnected)
}

func TestServer_StatusEndpoints(t *testing.T) {
	f := newFixture(t)
	a := f.login("u-alice", "Alice")
	var created gateway.CreateRoomReply
	request(t, a, 1, gateway.EventCreateRoom, gateway.CreateRoomPayload{RoomName: "general"}, &created)

	get := func(path string) []byte {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return body
	}

	assert.JSONEq(t, `{"status":"ok"}`, string(get("/health")))
	assert.JSONEq(t, `{"rooms":1,"sessions":1}`, string(get("/stats")))

	var rooms []room.RoomInfo
	require.NoError(t, json.Unmarshal(get("/rooms"), &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, created.RoomID, rooms[0].ID)
	assert.Equal(t, "general", rooms[0].Name)
	assert.True(t, rooms[0].CreatorPending)
}

func TestServer_KeepalivePings(t *testing.T) {
	f := newFixture(t)
	conn := f.login("u-alice", "Alice")

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	// Control frames are only processed while reading.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

func TestServer_StopEndsSessions(t *testing.T) {
	f := newFixture(t)
	conn := f.login("u-alice", "Alice")

	f.server.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	_, sessions := f.registry.Stats()
	assert.Zero(t, sessions)
}

func TestServer_ServeAndStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	registry := room.NewRegistry(logger, config.RoomConfig{IDLength: 10, MaxIDAttempts: 16})
	gw := gateway.New(logger, auth.NewJWTAuthenticator([]byte(testSecret), ""), registry, config.GatewayConfig{
		OutboxSize: 8, MaxFrameBytes: 1024, EventsPerSecond: 10, EventBurst: 10,
	}, time.Second)
	s := NewServer(config.HTTPConfig{
		ReadHeaderTimeout: time.Second,
		ShutdownTimeout:   time.Second,
		PingInterval:      time.Second,
		PongTimeout:       2 * time.Second,
		WriteTimeout:      time.Second,
	}, 1024, gw, registry, logger)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
