package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/signal-relay/backend/metrics"
	"github.com/adwski/signal-relay/backend/model"
	"github.com/adwski/signal-relay/backend/service"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 << 10
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultSendQueueSize               = 256

	defaultPingInterval = 30 * time.Second
	defaultIdleTimeout  = 90 * time.Second

	userIDParam     = "userId"
	anonymousPrefix = "anonymous_"
)

type (
	SignalingService interface {
		CreateSignalingSession(context.Context, model.Endpoint) error
		DeleteSignalingSession(context.Context, model.Endpoint) error
		HandleMessage(context.Context, model.Endpoint, []byte) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		Metrics          *metrics.Metrics

		// AllowAnonymous assigns generated id to clients without userId,
		// otherwise they are closed with policy violation.
		AllowAnonymous bool

		PingInterval      time.Duration
		IdleTimeout       time.Duration
		MaxMessageBytes   int64
		SendQueueSize     int
		MessagesPerSecond float64
		MessageBurst      int
	}

	// Server upgrades HTTP requests to signaling sessions.
	Server struct {
		svc     SignalingService
		ws      *websocket.Upgrader
		metrics *metrics.Metrics
		logger  zerolog.Logger

		allowAnonymous  bool
		pingInterval    time.Duration
		idleTimeout     time.Duration
		maxMessageBytes int64
		sendQueueSize   int
		msgRate         rate.Limit
		msgBurst        int

		sessions sync.WaitGroup
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:     cfg.SignalingService,
		metrics: cfg.Metrics,
		ws: &websocket.Upgrader{
			HandshakeTimeout:  defaultWebSocketHandshakeTimeout,
			ReadBufferSize:    defaultWebsocketReadBufferSize,
			WriteBufferSize:   defaultWebsocketWriteBufferSize,
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
		allowAnonymous:  cfg.AllowAnonymous,
		pingInterval:    orDuration(cfg.PingInterval, defaultPingInterval),
		idleTimeout:     orDuration(cfg.IdleTimeout, defaultIdleTimeout),
		maxMessageBytes: cfg.MaxMessageBytes,
		sendQueueSize:   cfg.SendQueueSize,
		msgRate:         rate.Limit(cfg.MessagesPerSecond),
		msgBurst:        cfg.MessageBurst,
	}
	if srv.maxMessageBytes <= 0 {
		srv.maxMessageBytes = defaultWebSocketMaxMessageSize
	}
	if srv.sendQueueSize <= 0 {
		srv.sendQueueSize = defaultSendQueueSize
	}
	if srv.msgBurst <= 0 {
		srv.msgBurst = 1
	}
	return srv
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get(userIDParam)

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if userID == "" {
		if !srv.allowAnonymous {
			srv.logger.Debug().Str("remote", r.RemoteAddr).Msg("rejecting connection without userId")
			writeClose(conn, websocket.ClosePolicyViolation, "userId is required", &srv.logger)
			_ = conn.Close()
			return
		}
		userID = anonymousPrefix + uuid.NewString()
	}

	sess := newSession(userID, conn, srv.sendQueueSize)

	ctx, cancel := context.WithCancel(context.Background()) // long-living session context

	if err = srv.svc.CreateSignalingSession(ctx, sess); err != nil {
		srv.logger.Error().Err(err).Str("userID", userID).Msg("failed to create signaling session")
		cancel()
		writeClose(conn, websocket.CloseInternalServerErr, "signaling unavailable", &srv.logger)
		_ = conn.Close()
		return
	}
	srv.logger.Debug().
		Str("userID", userID).
		Str("remote", r.RemoteAddr).
		Msg("signaling session created")

	srv.sessions.Add(1)
	go srv.handleWSConn(ctx, cancel, sess)
}

// Wait blocks until every session goroutine has finished or ctx is done.
// Closing sessions is up to signaling service, Wait only lets their writes complete.
func (srv *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		srv.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (srv *Server) destroySession(sess *session, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSignalingSessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteSignalingSession(ctx, sess); err != nil {
		if errors.Is(err, service.ErrStopped) {
			logger.Debug().Msg("signaling is stopped, session dropped with it")
			return
		}
		logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().Msg("signaling session ended")
}

func (srv *Server) handleWSConn(ctx context.Context, cancel context.CancelFunc, sess *session) {
	defer srv.sessions.Done()
	logger := srv.logger.With().Str("userID", sess.id).Logger()

	recvDone := make(chan struct{})
	sendDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		srv.webSocketReceiver(ctx, sess, &logger)
		cancel()
	}()
	go func() {
		defer close(sendDone)
		srv.webSocketSender(ctx, sess, &logger)
		cancel()
	}()

	<-sendDone
	if sess.closedByServer() {
		// close frame is already written, give peer a chance to answer it
		select {
		case <-recvDone:
		case <-time.After(defaultWebSocketCloseWriteDeadline):
		}
		sess.markClosed()
		if err := sess.conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("failed to close websocket connection")
		}
	} else {
		sess.markClosed()
		webSocketCloser(sess.conn, &logger)
	}
	<-recvDone

	srv.destroySession(sess, &logger)
}

func (srv *Server) webSocketSender(ctx context.Context, sess *session, logger *zerolog.Logger) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer pingTicker.Stop()

	conn := sess.conn
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop

		case <-sess.closing:
			sess.drain(func(b []byte) bool {
				return writeFrame(conn, b, logger)
			})
			code, reason := sess.closeStatus()
			writeClose(conn, code, reason, logger)
			break SendLoop

		case <-pingTicker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Warn().Err(err).Msg("failed to send ping")
				sess.markClosed()
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case b := <-sess.tx:
			if !writeFrame(conn, b, logger) {
				// registry is not told, liveness sweep will notice closed endpoint
				sess.markClosed()
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(ctx context.Context, sess *session, logger *zerolog.Logger) {
	conn := sess.conn
	conn.SetReadLimit(srv.maxMessageBytes)
	readDeadLineFunc := func() error {
		return conn.SetReadDeadline(time.Now().Add(srv.idleTimeout))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		sess.touch()
		return readDeadLineFunc()
	})
	if err := readDeadLineFunc(); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	var limiter *rate.Limiter
	if srv.msgRate > 0 {
		limiter = rate.NewLimiter(srv.msgRate, srv.msgBurst)
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			sess.touch()
			if wsErr = readDeadLineFunc(); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket read deadline")
				break RecvLoop
			}

			if limiter != nil && !limiter.Allow() {
				logger.Warn().Msg("inbound rate limit exceeded, message dropped")
				srv.rejectRateLimited(sess)
				continue
			}

			if wsErr = srv.svc.HandleMessage(ctx, sess, msg); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to hand over incoming message")
				break RecvLoop
			}
		}
	}
}

func (srv *Server) rejectRateLimited(sess *session) {
	b, err := json.Marshal(model.Error{
		Header:  model.NewHeader(model.TypeError, time.Now()),
		Code:    model.ErrCodeRateLimited,
		Message: "too many messages",
	})
	if err != nil {
		return
	}
	srv.metrics.ProtocolError(model.ErrCodeRateLimited)
	sess.Send(b)
}

func writeFrame(conn *websocket.Conn, b []byte, logger *zerolog.Logger) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return false
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		logger.Error().Err(err).Msg("failed to get websocket text writer")
		return false
	}
	if _, err = wsW.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write outgoing message")
		return false
	}
	if err = wsW.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close websocket writer")
		return false
	}
	return true
}

func writeClose(conn *websocket.Conn, code int, reason string, logger *zerolog.Logger) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(defaultWebSocketCloseWriteDeadline)); err != nil {
		logger.Debug().Err(err).Msg("failed to write close frame")
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	writeClose(conn, websocket.CloseNormalClosure, "", logger)
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
