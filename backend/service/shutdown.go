package service

import (
	"context"
	"errors"

	"github.com/adwski/signal-relay/backend/model"
)

// Shutdown notifies every open endpoint with server-shutdown and closes it.
// It returns after the hub has processed the request. Sessions created later are refused.
func (svc *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	if err := svc.enqueue(ctx, event{kind: eventShutdown, done: done}); err != nil {
		return errors.Join(ErrShutdown, err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrShutdown, ctx.Err())
	}
}

func (svc *Service) shutdown() {
	svc.shuttingDown = true
	frame := model.ServerShutdown{
		Header:  model.NewHeader(model.TypeServerShutdown, svc.now()),
		Message: shutdownMessage,
	}
	var closed int
	svc.sw.Each(frame, func(ep model.Endpoint) {
		ep.Close(model.CloseNormalClosure, "server shutdown")
		closed++
	})
	// replaced sessions are not in registry but their sockets are still open
	for ep := range svc.superseded {
		if ep.Open() {
			svc.sw.Reply(ep, frame)
			ep.Close(model.CloseNormalClosure, "server shutdown")
			closed++
		}
		delete(svc.superseded, ep)
	}
	svc.logger.Info().Int("closed", closed).Msg("all sessions notified and closed")
}
