package websocket

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/signal-relay/backend/metrics"
	"github.com/adwski/signal-relay/backend/model"
	"github.com/adwski/signal-relay/backend/service"
	"github.com/adwski/signal-relay/backend/storage/memory"
	sw "github.com/adwski/signal-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readTimeout = 3 * time.Second

type env struct {
	svc *service.Service
	ws  *Server
	srv *httptest.Server
	url string
}

func newEnv(t *testing.T, mod func(*Config)) *env {
	t.Helper()
	logger := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry())
	reg := memory.NewRegistry()
	svc := service.NewService(service.Config{
		Logger:            &logger,
		Registry:          reg,
		RoomStore:         memory.NewRoomStore(),
		Switch:            sw.NewSwitch(sw.Config{Logger: &logger, Registry: reg, Metrics: m}),
		Metrics:           m,
		UnknownTypePolicy: service.UnknownTypeReply,
		ClearPeerRoom:     true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go svc.Run(ctx, wg)

	cfg := Config{
		Logger:           &logger,
		SignalingService: svc,
		Metrics:          m,
		AllowAnonymous:   true,
	}
	if mod != nil {
		mod(&cfg)
	}
	ws := NewServer(cfg)
	srv := httptest.NewServer(ws)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		wg.Wait()
	})
	return &env{
		svc: svc,
		ws:  ws,
		srv: srv,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/",
	}
}

func (e *env) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	u := e.url
	if userID != "" {
		u += "?userId=" + userID
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// join dials and waits for welcome, so connect order is deterministic.
func (e *env) join(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, userID)
	welcome := readType(t, conn, model.TypeWelcome)
	require.Equal(t, userID, welcome["userId"])
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readType skips frames until one of typ arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if frame["type"] == typ {
			return frame
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestServer_AnonymousWelcome(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.dial(t, "")

	welcome := readType(t, conn, model.TypeWelcome)
	userID, _ := welcome["userId"].(string)
	assert.True(t, strings.HasPrefix(userID, "anonymous_"), userID)
	assert.EqualValues(t, 1, welcome["totalConnections"])
	assert.NotZero(t, welcome["timestamp"])
}

func TestServer_RejectsMissingUserID(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.AllowAnonymous = false
	})
	conn := e.dial(t, "")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 0, e.svc.ConnectionCount())
}

func TestServer_CallFlow(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.join(t, "alice")
	bob := e.join(t, "bob")

	online := readType(t, alice, model.TypeUserStatusChange)
	assert.Equal(t, "bob", online["userId"])
	assert.Equal(t, model.StatusOnline, online["status"])

	send(t, alice, `{"type":"call","targetId":"bob","callerName":"Alice","offer":{"sdp":"v=0"}}`)

	incoming := readType(t, bob, model.TypeIncomingCall)
	assert.Equal(t, "alice", incoming["callerId"])
	assert.Equal(t, "Alice", incoming["callerName"])
	assert.Equal(t, map[string]any{"sdp": "v=0"}, incoming["offer"])

	sent := readType(t, alice, model.TypeCallSent)
	assert.Equal(t, "bob", sent["targetId"])

	send(t, bob, `{"type":"answer","callerId":"alice","answer":{"sdp":"v=1"}}`)
	answered := readType(t, alice, model.TypeCallAnswered)
	assert.Equal(t, "bob", answered["answererId"])
	assert.Equal(t, map[string]any{"sdp": "v=1"}, answered["answer"])

	send(t, alice, `{"type":"ice-candidate","targetId":"bob","candidate":{"candidate":"c1"}}`)
	cand := readType(t, bob, model.TypeICECandidate)
	assert.Equal(t, "alice", cand["senderId"])
}

func TestServer_PingPong(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.join(t, "alice")

	send(t, conn, `{"type":"ping"}`)
	pong := readType(t, conn, model.TypePong)
	assert.NotZero(t, pong["timestamp"])
}

func TestServer_MalformedFrame(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.join(t, "alice")

	send(t, conn, `{not json`)
	frame := readType(t, conn, model.TypeError)
	assert.Equal(t, model.ErrCodeMalformed, frame["code"])

	// connection stays usable
	send(t, conn, `{"type":"ping"}`)
	readType(t, conn, model.TypePong)
}

func TestServer_MessageTooBig(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.MaxMessageBytes = 64
	})
	conn := e.join(t, "alice")

	send(t, conn, `{"type":"chat-message","targetId":"bob","content":"`+strings.Repeat("x", 128)+`"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}

func TestServer_RateLimited(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.MessagesPerSecond = 0.001
		cfg.MessageBurst = 1
	})
	conn := e.join(t, "alice")

	send(t, conn, `{"type":"ping"}`)
	send(t, conn, `{"type":"ping"}`)

	// pong goes through the hub, the rejection does not, so order is not fixed
	got := map[string]map[string]any{}
	for i := 0; i < 2; i++ {
		frame := readFrame(t, conn)
		got[frame["type"].(string)] = frame
	}
	require.Contains(t, got, model.TypePong)
	require.Contains(t, got, model.TypeError)
	assert.Equal(t, model.ErrCodeRateLimited, got[model.TypeError]["code"])
}

func TestServer_DisconnectAnnounced(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.join(t, "alice")
	bob := e.join(t, "bob")
	require.Equal(t, 2, e.svc.ConnectionCount())

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	offline := readType(t, alice, model.TypeUserOffline)
	assert.Equal(t, "bob", offline["userId"])
	assert.Eventually(t, func() bool {
		return e.svc.ConnectionCount() == 1
	}, readTimeout, 10*time.Millisecond)
}

func TestServer_ShutdownNotifiesAndCloses(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.join(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	require.NoError(t, e.svc.Shutdown(ctx))

	frame := readType(t, alice, model.TypeServerShutdown)
	assert.Equal(t, "server is restarting", frame["message"])

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// late comers are turned away
	late := e.dial(t, "bob")
	require.NoError(t, late.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestSession_SendAfterClose(t *testing.T) {
	s := newSession("alice", nil, 1)
	assert.True(t, s.Open())
	assert.True(t, s.Send([]byte("a")))
	assert.False(t, s.Send([]byte("b")), "queue is full")

	s.Close(model.CloseNormalClosure, "bye")
	s.Close(model.CloseGoingAway, "again")
	assert.False(t, s.Open())
	assert.False(t, s.Send([]byte("c")))
	assert.True(t, s.closedByServer())

	code, reason := s.closeStatus()
	assert.Equal(t, model.CloseNormalClosure, code)
	assert.Equal(t, "bye", reason)

	var drained [][]byte
	s.drain(func(b []byte) bool {
		drained = append(drained, b)
		return true
	})
	assert.Equal(t, [][]byte{[]byte("a")}, drained)
}

func TestServer_WaitDrainsSessions(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.join(t, "alice")

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, e.ws.Wait(short), context.DeadlineExceeded, "session is still running")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.svc.Shutdown(ctx))
	require.NoError(t, e.ws.Wait(ctx))

	// everything was written before the socket went away
	frame := readType(t, alice, model.TypeServerShutdown)
	assert.Equal(t, "server is restarting", frame["message"])
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

type stoppedSignaling struct {
	err error
}

func (s stoppedSignaling) CreateSignalingSession(context.Context, model.Endpoint) error { return nil }
func (s stoppedSignaling) DeleteSignalingSession(context.Context, model.Endpoint) error { return s.err }
func (s stoppedSignaling) HandleMessage(context.Context, model.Endpoint, []byte) error  { return nil }

func TestServer_DestroySessionLogLevel(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantError bool
	}{
		{name: "signaling stopped", err: errors.Join(service.ErrDisconnect, service.ErrStopped)},
		{name: "deadline", err: errors.Join(service.ErrDisconnect, context.DeadlineExceeded), wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
			srv := NewServer(Config{Logger: &logger, SignalingService: stoppedSignaling{err: tt.err}})

			srv.destroySession(newSession("alice", nil, 1), &logger)

			if tt.wantError {
				assert.Contains(t, buf.String(), `"level":"error"`)
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}
