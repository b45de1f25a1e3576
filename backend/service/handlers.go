package service

import (
	"github.com/adwski/signal-relay/backend/model"
)

func (svc *Service) handleCall(ep model.Endpoint, msg *model.Message) {
	callerID := ep.ID()
	if _, ok := svc.registry.LookupOpen(msg.TargetID); !ok {
		svc.logger.Debug().Str("callerID", callerID).Str("targetID", msg.TargetID).Msg("call target is offline")
		svc.sw.Reply(ep, model.UserOffline{
			Header:  model.NewHeader(model.TypeUserOffline, svc.now()),
			UserID:  msg.TargetID,
			Message: "user is not connected",
		})
		return
	}

	callerName := msg.CallerName
	if callerName == "" {
		callerName = callerID
	}
	svc.sw.Forward(msg.TargetID, model.IncomingCall{
		Header:     model.NewHeader(model.TypeIncomingCall, svc.now()),
		CallerID:   callerID,
		CallerName: callerName,
		Offer:      msg.Offer,
	})
	svc.sw.Reply(ep, model.CallSent{
		Header:   model.NewHeader(model.TypeCallSent, svc.now()),
		TargetID: msg.TargetID,
		Message:  "call notification sent",
	})
	svc.logger.Info().Str("callerID", callerID).Str("targetID", msg.TargetID).Msg("call placed")
}

func (svc *Service) handleAnswer(ep model.Endpoint, msg *model.Message) {
	answererID := ep.ID()
	if _, ok := svc.registry.LookupOpen(msg.CallerID); !ok {
		svc.logger.Debug().Str("answererID", answererID).Str("callerID", msg.CallerID).Msg("caller is gone, answer dropped")
		return
	}
	svc.sw.Forward(msg.CallerID, model.CallAnswered{
		Header:     model.NewHeader(model.TypeCallAnswered, svc.now()),
		AnswererID: answererID,
		Answer:     msg.Answer,
	})
	roomID := svc.rooms.Join(msg.CallerID, answererID)
	svc.logger.Info().Str("roomID", roomID).Msg("call answered")
}

func (svc *Service) handleICECandidate(ep model.Endpoint, msg *model.Message) {
	svc.sw.Forward(msg.TargetID, model.ICECandidate{
		Header:    model.NewHeader(model.TypeICECandidate, svc.now()),
		SenderID:  ep.ID(),
		Candidate: msg.Candidate,
	})
}

func (svc *Service) handleDeclineCall(ep model.Endpoint, msg *model.Message) {
	if svc.sw.Forward(msg.CallerID, model.CallDeclined{
		Header:     model.NewHeader(model.TypeCallDeclined, svc.now()),
		DeclinerID: ep.ID(),
	}) {
		svc.logger.Info().Str("declinerID", ep.ID()).Str("callerID", msg.CallerID).Msg("call declined")
	}
}

// handleEndCall releases room of both participants whether or not the target got the notice.
func (svc *Service) handleEndCall(ep model.Endpoint, msg *model.Message) {
	enderID := ep.ID()
	svc.sw.Forward(msg.TargetID, model.CallEnded{
		Header:  model.NewHeader(model.TypeCallEnded, svc.now()),
		EnderID: enderID,
	})
	svc.rooms.Leave(enderID)
	svc.rooms.Leave(msg.TargetID)
	svc.logger.Info().Str("enderID", enderID).Str("targetID", msg.TargetID).Msg("call ended")
}

func (svc *Service) handleChatMessage(ep model.Endpoint, msg *model.Message) {
	svc.sw.Forward(msg.TargetID, model.ChatMessage{
		Header:   model.NewHeader(model.TypeChatMessage, svc.now()),
		SenderID: ep.ID(),
		Content:  msg.Content,
	})
}

func (svc *Service) handleTyping(ep model.Endpoint, msg *model.Message) {
	svc.sw.Forward(msg.TargetID, model.Typing{
		Header:   model.NewHeader(model.TypeTyping, svc.now()),
		SenderID: ep.ID(),
		IsTyping: *msg.IsTyping,
	})
}

func (svc *Service) handleUpdateStatus(ep model.Endpoint, msg *model.Message) {
	svc.logger.Debug().Str("userID", ep.ID()).Str("status", msg.Status).Msg("status updated")
	svc.broadcastStatus(ep.ID(), msg.Status)
}

// handleGetUsers lists registered participants. Only online ones are known.
func (svc *Service) handleGetUsers(ep model.Endpoint, _ *model.Message) {
	now := svc.now()
	ids := svc.registry.Snapshot()
	users := make([]model.User, 0, len(ids))
	for _, id := range ids {
		users = append(users, model.User{
			ID:        id,
			Online:    true,
			Timestamp: now.UnixMilli(),
		})
	}
	svc.sw.Reply(ep, model.UsersList{
		Header: model.NewHeader(model.TypeUsersList, now),
		Users:  users,
		Total:  len(users),
	})
}

func (svc *Service) handlePing(ep model.Endpoint, _ *model.Message) {
	svc.sw.Reply(ep, model.Pong{Header: model.NewHeader(model.TypePong, svc.now())})
}

func (svc *Service) broadcastStatus(userID, status string) {
	svc.sw.Broadcast(userID, model.UserStatusChange{
		Header: model.NewHeader(model.TypeUserStatusChange, svc.now()),
		UserID: userID,
		Status: status,
	})
}
