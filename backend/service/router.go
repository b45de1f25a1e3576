package service

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/adwski/signal-relay/backend/model"
	"github.com/davecgh/go-spew/spew"
)

type handlerFunc func(svc *Service, ep model.Endpoint, msg *model.Message)

type route struct {
	handle handlerFunc
	check  func(msg *model.Message) string
}

var routes = map[string]route{
	model.TypeCall:         {handle: (*Service).handleCall, check: requireTargetAnd("offer", offer)},
	model.TypeAnswer:       {handle: (*Service).handleAnswer, check: requireCallerAnd("answer", answer)},
	model.TypeICECandidate: {handle: (*Service).handleICECandidate, check: requireTargetAnd("candidate", candidate)},
	model.TypeDeclineCall:  {handle: (*Service).handleDeclineCall, check: requireCallerAnd("", nil)},
	model.TypeEndCall:      {handle: (*Service).handleEndCall, check: requireTargetAnd("", nil)},
	model.TypeChatMessage:  {handle: (*Service).handleChatMessage, check: requireTargetAnd("content", content)},
	model.TypeTyping:       {handle: (*Service).handleTyping, check: requireTyping},
	model.TypeUpdateStatus: {handle: (*Service).handleUpdateStatus, check: requireStatus},
	model.TypeGetUsers:     {handle: (*Service).handleGetUsers},
	model.TypePing:         {handle: (*Service).handlePing},
}

// dispatch parses raw frame from ep and invokes the handler bound to its type.
// Protocol errors are answered with error frames, the connection is never closed here.
func (svc *Service) dispatch(ep model.Endpoint, raw []byte) {
	logger := svc.logger.With().Str("userID", ep.ID()).Logger()

	// envelope first, so a bad field is not mistaken for bad JSON
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope == nil {
		logger.Warn().Err(err).Msg("failed to unmarshall incoming message")
		if e := logger.Trace(); e.Enabled() {
			e.Str("dump", spew.Sdump(raw)).Msg("malformed frame")
		}
		svc.replyError(ep, model.Error{
			Code:    model.ErrCodeMalformed,
			Message: "invalid JSON message",
		})
		return
	}

	typ, isString := messageType(envelope["type"])
	r, ok := routes[typ]
	if !isString || !ok {
		if e := logger.Trace(); e.Enabled() {
			e.Str("dump", spew.Sdump(envelope)).Msg("unrecognized frame")
		}
		if svc.dropUnknown {
			logger.Warn().Str("type", typ).Msg("unrecognized message type dropped")
			svc.metrics.ProtocolError(model.ErrCodeUnrecognized)
			return
		}
		logger.Warn().Str("type", typ).Msg("unrecognized message type")
		svc.replyError(ep, model.Error{
			Code:        model.ErrCodeUnrecognized,
			Message:     "unrecognized message type: " + typ,
			MessageType: typ,
		})
		return
	}

	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		field := ""
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			field = typeErr.Field
		}
		logger.Warn().Err(err).Str("type", typ).Str("field", field).Msg("field has wrong type")
		svc.replyError(ep, model.Error{
			Code:        model.ErrCodeInvalid,
			Message:     "field has wrong type: " + field,
			MessageType: typ,
			Field:       field,
		})
		return
	}

	if r.check != nil {
		if field := r.check(&msg); field != "" {
			logger.Warn().Str("type", msg.Type).Str("field", field).Msg("required field is missing")
			svc.replyError(ep, model.Error{
				Code:        model.ErrCodeInvalid,
				Message:     "missing required field: " + field,
				MessageType: msg.Type,
				Field:       field,
			})
			return
		}
	}

	logger.Debug().Str("type", msg.Type).Msg("dispatching message")
	svc.metrics.Received(msg.Type)
	r.handle(svc, ep, &msg)
}

func (svc *Service) replyError(ep model.Endpoint, frame model.Error) {
	frame.Header = model.NewHeader(model.TypeError, svc.now())
	svc.metrics.ProtocolError(frame.Code)
	svc.sw.Reply(ep, frame)
}

// messageType returns type as sent. Non-string values are returned as raw JSON text.
func messageType(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var typ string
	if err := json.Unmarshal(raw, &typ); err != nil {
		return string(raw), false
	}
	return typ, true
}

func offer(msg *model.Message) json.RawMessage     { return msg.Offer }
func answer(msg *model.Message) json.RawMessage    { return msg.Answer }
func candidate(msg *model.Message) json.RawMessage { return msg.Candidate }
func content(msg *model.Message) json.RawMessage   { return msg.Content }

func requireTargetAnd(field string, get func(*model.Message) json.RawMessage) func(*model.Message) string {
	return func(msg *model.Message) string {
		if msg.TargetID == "" {
			return "targetId"
		}
		if get != nil && isAbsent(get(msg)) {
			return field
		}
		return ""
	}
}

func requireCallerAnd(field string, get func(*model.Message) json.RawMessage) func(*model.Message) string {
	return func(msg *model.Message) string {
		if msg.CallerID == "" {
			return "callerId"
		}
		if get != nil && isAbsent(get(msg)) {
			return field
		}
		return ""
	}
}

func requireTyping(msg *model.Message) string {
	if msg.TargetID == "" {
		return "targetId"
	}
	if msg.IsTyping == nil {
		return "isTyping"
	}
	return ""
}

func requireStatus(msg *model.Message) string {
	if msg.Status == "" {
		return "status"
	}
	return ""
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
