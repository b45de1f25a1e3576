package service

import (
	"github.com/adwski/signal-relay/backend/model"
)

// sweep evicts registry entries whose endpoint is no longer open.
func (svc *Service) sweep() {
	var dead []model.Endpoint
	svc.registry.Each(func(_ string, ep model.Endpoint) {
		if !ep.Open() {
			dead = append(dead, ep)
		}
	})
	for ep := range svc.superseded {
		if !ep.Open() {
			delete(svc.superseded, ep)
		}
	}
	for _, ep := range dead {
		if !svc.registry.RemoveIf(ep.ID(), ep) {
			continue
		}
		svc.metrics.Evicted()
		svc.unregistered(ep.ID())
		svc.logger.Info().
			Str("userID", ep.ID()).
			Time("lastSeen", ep.LastSeen()).
			Msg("dead connection evicted")
	}
	if len(dead) > 0 {
		svc.logger.Debug().Int("evicted", len(dead)).Int("connections", svc.registry.Len()).Msg("sweep done")
	}
}
