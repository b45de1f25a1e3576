package http

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultServiceName      = "signal-relay"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// SignalingService is what HTTP side needs from signaling core.
type SignalingService interface {
	ConnectionCount() int
	Shutdown(ctx context.Context) error
}

// sessionWaiter is implemented by websocket handlers that can wait for their sessions to finish.
type sessionWaiter interface {
	Wait(ctx context.Context) error
}

type HealthResponse struct {
	Status          string `json:"status"`
	Service         string `json:"service"`
	Timestamp       string `json:"timestamp"`
	ConnectionCount int    `json:"connectionCount"`
}

type Server struct {
	logger      zerolog.Logger
	svc         SignalingService
	ws          http.Handler
	serviceName string
	shutdown    time.Duration
	now         func() time.Time

	ready    chan struct{}
	listener net.Listener
	*http.Server
}

type Config struct {
	Logger           *zerolog.Logger
	SignalingService SignalingService
	// WebSocket serves upgrade requests on any path.
	WebSocket       http.Handler
	Metrics         http.Handler
	ListenAddr      string
	ServiceName     string
	ShutdownTimeout time.Duration
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:      cfg.Logger.With().Str("component", "http-server").Logger(),
		svc:         cfg.SignalingService,
		ws:          cfg.WebSocket,
		serviceName: cfg.ServiceName,
		shutdown:    cfg.ShutdownTimeout,
		now:         time.Now,
		ready:       make(chan struct{}),
	}
	if srv.serviceName == "" {
		srv.serviceName = defaultServiceName
	}
	if srv.shutdown <= 0 {
		srv.shutdown = defaultShutdownDeadline
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("GET /test", srv.demoPage)
	r.HandleFunc("OPTIONS /", corsHandler)
	if cfg.Metrics != nil {
		r.Handle("GET /metrics", cfg.Metrics)
	}
	r.HandleFunc("/", srv.root)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.upgradeOr(r),
	}
	return srv
}

// upgradeOr hands websocket handshakes to signaling regardless of path.
func (srv *Server) upgradeOr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if srv.ws != nil && websocket.IsWebSocketUpgrade(r) {
			srv.ws.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		srv.health(w, r)
		return
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(&HealthResponse{
		Status:          "ok",
		Service:         srv.serviceName,
		Timestamp:       srv.now().UTC().Format(time.RFC3339Nano),
		ConnectionCount: srv.svc.ConnectionCount(),
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, http.StatusOK, "application/json", b)
}

var demoTemplate = template.Must(template.New("demo").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Signaling Test</title>
</head>
<body>
    <h1>Signaling server is running</h1>
    <p>Active connections: {{.Connections}}</p>
    <p>Server time: {{.Now}}</p>
    <script>
        const proto = window.location.protocol === 'https:' ? 'wss://' : 'ws://';
        const ws = new WebSocket(proto + window.location.host + '/?userId=demo_' + Date.now());
        ws.onopen = () => {
            document.body.innerHTML += '<p>WebSocket connected!</p>';
            ws.send(JSON.stringify({type: 'ping'}));
        };
        ws.onmessage = (e) => {
            const p = document.createElement('p');
            p.textContent = 'Received: ' + e.data;
            document.body.appendChild(p);
        };
    </script>
</body>
</html>
`))

func (srv *Server) demoPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := demoTemplate.Execute(w, struct {
		Connections int
		Now         string
	}{
		Connections: srv.svc.ConnectionCount(),
		Now:         srv.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to render demo page")
	}
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, contentType string, b []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

// Listener blocks until Run has bound the listening socket.
func (srv *Server) Listener() net.Listener {
	<-srv.ready
	return srv.listener
}

// Run serves until ctx is done. Shutdown order: signaling sessions are notified
// and closed first, their connections are drained, then the listener is closed.
func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		errc <- errors.Join(ErrUnexpected, err)
		return
	}
	srv.listener = ln
	close(srv.ready)

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.Serve(ln)
	}()

	srv.logger.Info().Str("addr", ln.Addr().String()).Msg("server started")

	select {
	case err = <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), srv.shutdown)
		defer shCancel()
		if err = srv.svc.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("signaling shutdown failed")
		}
		if w, ok := srv.ws.(sessionWaiter); ok {
			if err = w.Wait(shCtx); err != nil {
				srv.logger.Warn().Err(err).Msg("sessions were not drained in time")
			} else {
				srv.logger.Debug().Msg("sessions drained")
			}
		}
		if err = srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		srv.logger.Info().Msg("listener closed")
	}
}
