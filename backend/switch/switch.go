package _switch

import (
	"encoding/json"

	"github.com/adwski/signal-relay/backend/metrics"
	"github.com/adwski/signal-relay/backend/model"
	"github.com/adwski/signal-relay/backend/storage/memory"
	"github.com/rs/zerolog"
)

type (
	// AudienceResolver decides who hears about participant's presence changes.
	AudienceResolver interface {
		ResolveAudience(userID string, online []string) []string
	}

	// EveryoneElse is the default resolver: all online participants except the subject.
	EveryoneElse struct{}

	Config struct {
		Logger   *zerolog.Logger
		Registry *memory.Registry
		Audience AudienceResolver
		Metrics  *metrics.Metrics
	}

	// Switch delivers frames to registered endpoints.
	// It must be used from the goroutine that owns the registry.
	Switch struct {
		logger   zerolog.Logger
		registry *memory.Registry
		audience AudienceResolver
		metrics  *metrics.Metrics
	}
)

func (EveryoneElse) ResolveAudience(userID string, online []string) []string {
	out := make([]string, 0, len(online))
	for _, id := range online {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

func NewSwitch(cfg Config) *Switch {
	audience := cfg.Audience
	if audience == nil {
		audience = EveryoneElse{}
	}
	return &Switch{
		logger:   cfg.Logger.With().Str("component", "switch").Logger(),
		registry: cfg.Registry,
		audience: audience,
		metrics:  cfg.Metrics,
	}
}

// Forward sends frame to dst if it is registered and open.
func (sw *Switch) Forward(dst string, frame model.Frame) bool {
	ep, ok := sw.registry.LookupOpen(dst)
	if !ok {
		sw.logger.Debug().
			Str("dst", dst).
			Str("type", frame.FrameType()).
			Msg("cannot forward, dst is offline")
		sw.metrics.Drop(metrics.DropReasonOffline)
		return false
	}
	b, ok := sw.encode(frame)
	if !ok {
		return false
	}
	return sw.send(ep, frame.FrameType(), b)
}

// Reply sends frame directly to endpoint regardless of its registration.
func (sw *Switch) Reply(ep model.Endpoint, frame model.Frame) bool {
	if !ep.Open() {
		return false
	}
	b, ok := sw.encode(frame)
	if !ok {
		return false
	}
	return sw.send(ep, frame.FrameType(), b)
}

// Broadcast encodes frame once and fans it out to the audience of src.
// It returns number of endpoints that accepted the frame.
func (sw *Switch) Broadcast(src string, frame model.Frame) int {
	b, ok := sw.encode(frame)
	if !ok {
		return 0
	}
	var sent int
	for _, dst := range sw.audience.ResolveAudience(src, sw.registry.Snapshot()) {
		if dst == src {
			continue
		}
		ep, ok := sw.registry.LookupOpen(dst)
		if !ok {
			continue
		}
		if sw.send(ep, frame.FrameType(), b) {
			sent++
		}
	}
	if sent == 0 {
		sw.logger.Debug().
			Str("type", frame.FrameType()).
			Str("src", src).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

// Each sends the same frame to every open endpoint. Used for server notices.
func (sw *Switch) Each(frame model.Frame, after func(ep model.Endpoint)) {
	b, ok := sw.encode(frame)
	if !ok {
		return
	}
	sw.registry.Each(func(_ string, ep model.Endpoint) {
		if !ep.Open() {
			return
		}
		sw.send(ep, frame.FrameType(), b)
		if after != nil {
			after(ep)
		}
	})
}

func (sw *Switch) encode(frame model.Frame) ([]byte, bool) {
	b, err := json.Marshal(frame)
	if err != nil {
		sw.logger.Error().Err(err).Str("type", frame.FrameType()).Msg("failed to marshall outgoing frame")
		return nil, false
	}
	return b, true
}

func (sw *Switch) send(ep model.Endpoint, typ string, b []byte) bool {
	if !ep.Send(b) {
		sw.logger.Error().
			Str("dst", ep.ID()).
			Str("type", typ).
			Msg("dead endpoint")
		sw.metrics.Drop(metrics.DropReasonQueueFull)
		return false
	}
	sw.logger.Trace().Str("dst", ep.ID()).Str("type", typ).Msg("frame is forwarded")
	sw.metrics.Sent(typ)
	return true
}
