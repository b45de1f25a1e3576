package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/signal-relay/backend/metrics"
	"github.com/adwski/signal-relay/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultSweepInterval = time.Minute
	defaultEventQueueLen = 1024

	welcomeMessage  = "connected to signaling server"
	shutdownMessage = "server is restarting"
)

// Unknown message type policies.
const (
	UnknownTypeReply = "reply"
	UnknownTypeDrop  = "drop"
)

var (
	ErrStopped    = errors.New("signaling service is stopped")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
	ErrDeliver    = errors.New("unable to deliver message")
	ErrShutdown   = errors.New("unable to shutdown")
)

type (
	Registry interface {
		Register(id string, ep model.Endpoint) (model.Endpoint, bool)
		LookupOpen(id string) (model.Endpoint, bool)
		RemoveIf(id string, ep model.Endpoint) bool
		Snapshot() []string
		Each(fn func(id string, ep model.Endpoint))
		Len() int
	}

	RoomStore interface {
		Join(a, b string) string
		Leave(id string)
		LeaveWithPeer(id string) (string, bool)
	}

	Switch interface {
		Forward(dst string, frame model.Frame) bool
		Reply(ep model.Endpoint, frame model.Frame) bool
		Broadcast(src string, frame model.Frame) int
		Each(frame model.Frame, after func(ep model.Endpoint))
	}

	Config struct {
		Logger    *zerolog.Logger
		Registry  Registry
		RoomStore RoomStore
		Switch    Switch
		Metrics   *metrics.Metrics

		ICEServers        []webrtc.ICEServer
		UnknownTypePolicy string
		ClearPeerRoom     bool
		CloseSuperseded   bool
		SweepInterval     time.Duration

		// Clock defaults to time.Now.
		Clock func() time.Time
	}

	// Service is the signaling hub. Registry, rooms and all handlers are touched
	// only from the Run goroutine; transports talk to it through events.
	Service struct {
		registry Registry
		rooms    RoomStore
		sw       Switch
		metrics  *metrics.Metrics
		now      func() time.Time
		logger   zerolog.Logger

		iceServers      []webrtc.ICEServer
		dropUnknown     bool
		clearPeerRoom   bool
		closeSuperseded bool
		sweepInterval   time.Duration

		events  chan event
		stopped chan struct{}
		online  atomic.Int64

		// superseded holds replaced endpoints that are still open.
		superseded map[model.Endpoint]struct{}

		shuttingDown bool
	}
)

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventMessage
	eventShutdown
)

type event struct {
	kind eventKind
	ep   model.Endpoint
	raw  []byte
	done chan struct{}
}

func NewService(cfg Config) *Service {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		registry:        cfg.Registry,
		rooms:           cfg.RoomStore,
		sw:              cfg.Switch,
		metrics:         cfg.Metrics,
		now:             clock,
		logger:          cfg.Logger.With().Str("component", "signaling").Logger(),
		iceServers:      cfg.ICEServers,
		dropUnknown:     cfg.UnknownTypePolicy == UnknownTypeDrop,
		clearPeerRoom:   cfg.ClearPeerRoom,
		closeSuperseded: cfg.CloseSuperseded,
		sweepInterval:   sweep,
		events:          make(chan event, defaultEventQueueLen),
		stopped:         make(chan struct{}),
		superseded:      make(map[model.Endpoint]struct{}),
	}
}

// Run processes events until ctx is done.
func (svc *Service) Run(ctx context.Context, wg *sync.WaitGroup) {
	sweepTicker := time.NewTicker(svc.sweepInterval)
	defer func() {
		sweepTicker.Stop()
		close(svc.stopped)
		svc.logger.Debug().Msg("service stopped")
		wg.Done()
	}()

	svc.logger.Info().Dur("sweepInterval", svc.sweepInterval).Msg("service started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-svc.events:
			svc.handle(ev)
		case <-sweepTicker.C:
			svc.sweep()
		}
	}
}

func (svc *Service) handle(ev event) {
	switch ev.kind {
	case eventConnect:
		svc.connect(ev.ep)
	case eventDisconnect:
		svc.disconnect(ev.ep)
	case eventMessage:
		svc.dispatch(ev.ep, ev.raw)
	case eventShutdown:
		svc.shutdown()
	}
	if ev.done != nil {
		close(ev.done)
	}
}

func (svc *Service) enqueue(ctx context.Context, ev event) error {
	select {
	case <-svc.stopped:
		return ErrStopped
	default:
	}
	select {
	case svc.events <- ev:
		return nil
	case <-svc.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateSignalingSession registers endpoint under its id.
func (svc *Service) CreateSignalingSession(ctx context.Context, ep model.Endpoint) error {
	if err := svc.enqueue(ctx, event{kind: eventConnect, ep: ep}); err != nil {
		return errors.Join(ErrConnect, err)
	}
	return nil
}

// DeleteSignalingSession unregisters endpoint if it is still the one bound to its id.
func (svc *Service) DeleteSignalingSession(ctx context.Context, ep model.Endpoint) error {
	if err := svc.enqueue(ctx, event{kind: eventDisconnect, ep: ep}); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	return nil
}

// HandleMessage queues raw inbound frame for dispatch.
// Frames of one endpoint are dispatched in the order they were queued.
func (svc *Service) HandleMessage(ctx context.Context, ep model.Endpoint, raw []byte) error {
	if err := svc.enqueue(ctx, event{kind: eventMessage, ep: ep, raw: raw}); err != nil {
		return errors.Join(ErrDeliver, err)
	}
	return nil
}

// ConnectionCount is safe to call from any goroutine.
func (svc *Service) ConnectionCount() int {
	return int(svc.online.Load())
}

func (svc *Service) connect(ep model.Endpoint) {
	id := ep.ID()
	logger := svc.logger.With().Str("userID", id).Logger()

	if svc.shuttingDown {
		logger.Debug().Msg("rejecting session, shutdown in progress")
		ep.Close(model.CloseGoingAway, "server is shutting down")
		return
	}

	prev, replaced := svc.registry.Register(id, ep)
	if replaced {
		logger.Warn().Msg("participant reconnected, previous session superseded")
		if svc.closeSuperseded {
			prev.Close(model.CloseNormalClosure, "superseded by new session")
		} else if prev.Open() {
			svc.superseded[prev] = struct{}{}
		}
	}
	svc.updateCount()
	svc.metrics.Connected(replaced)

	svc.sw.Reply(ep, model.Welcome{
		Header:           model.NewHeader(model.TypeWelcome, svc.now()),
		UserID:           id,
		Message:          welcomeMessage,
		TotalConnections: svc.registry.Len(),
		ICEServers:       svc.iceServers,
	})
	svc.broadcastStatus(id, model.StatusOnline)

	logger.Info().Int("connections", svc.registry.Len()).Msg("participant connected")
}

func (svc *Service) disconnect(ep model.Endpoint) {
	id := ep.ID()
	if !svc.registry.RemoveIf(id, ep) {
		delete(svc.superseded, ep)
		svc.logger.Debug().Str("userID", id).Msg("stale session closed, nothing to unregister")
		return
	}
	svc.unregistered(id)
	svc.logger.Info().
		Str("userID", id).
		Int("connections", svc.registry.Len()).
		Msg("participant disconnected")
}

// unregistered cleans room state and tells others that id went away.
func (svc *Service) unregistered(id string) {
	svc.leaveRoom(id)
	svc.updateCount()
	svc.broadcastStatus(id, model.StatusOffline)
	svc.sw.Broadcast(id, model.UserOffline{
		Header: model.NewHeader(model.TypeUserOffline, svc.now()),
		UserID: id,
	})
}

func (svc *Service) leaveRoom(id string) {
	if !svc.clearPeerRoom {
		svc.rooms.Leave(id)
		return
	}
	if peer, ok := svc.rooms.LeaveWithPeer(id); ok {
		svc.logger.Debug().Str("userID", id).Str("peer", peer).Msg("room released")
	}
}

func (svc *Service) updateCount() {
	n := svc.registry.Len()
	svc.online.Store(int64(n))
	svc.metrics.SetConnections(n)
}
