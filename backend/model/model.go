package model

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Inbound message types sent by clients.
const (
	TypeCall         = "call"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeDeclineCall  = "decline-call"
	TypeEndCall      = "end-call"
	TypeChatMessage  = "chat-message"
	TypeTyping       = "typing"
	TypeUpdateStatus = "update-status"
	TypeGetUsers     = "get-users"
	TypePing         = "ping"
)

// Outbound frame types sent by server.
const (
	TypeWelcome          = "welcome"
	TypeIncomingCall     = "incoming-call"
	TypeCallSent         = "call-sent"
	TypeUserOffline      = "user-offline"
	TypeCallAnswered     = "call-answered"
	TypeCallDeclined     = "call-declined"
	TypeCallEnded        = "call-ended"
	TypeUserStatusChange = "user-status-change"
	TypeUsersList        = "users-list"
	TypePong             = "pong"
	TypeError            = "error"
	TypeServerShutdown   = "server-shutdown"
)

// Presence statuses broadcast by server itself.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Error codes carried by error frames.
const (
	ErrCodeMalformed    = "malformed-message"
	ErrCodeUnrecognized = "unrecognized-type"
	ErrCodeInvalid      = "invalid-message"
	ErrCodeRateLimited  = "rate-limited"
)

// Close codes used by server, RFC 6455 section 7.4.1.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// Endpoint is the live channel to one client as seen by the signaling core.
// Send must never block.
type Endpoint interface {
	ID() string
	Open() bool
	LastSeen() time.Time
	Send(frame []byte) bool
	Close(code int, reason string)
}

// Message is the inbound envelope. Every handler reads only fields of its own type.
// Opaque payloads are kept raw and forwarded as is.
type Message struct {
	Type       string          `json:"type"`
	TargetID   string          `json:"targetId,omitempty"`
	CallerID   string          `json:"callerId,omitempty"`
	CallerName string          `json:"callerName,omitempty"`
	Status     string          `json:"status,omitempty"`
	IsTyping   *bool           `json:"isTyping,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// Header is embedded in every outbound frame.
type Header struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewHeader stamps frame with server time in unix milliseconds.
func NewHeader(typ string, now time.Time) Header {
	return Header{Type: typ, Timestamp: now.UnixMilli()}
}

func (h Header) FrameType() string {
	return h.Type
}

// Frame is any outbound frame.
type Frame interface {
	FrameType() string
}

type (
	Welcome struct {
		Header
		UserID           string             `json:"userId"`
		Message          string             `json:"message"`
		TotalConnections int                `json:"totalConnections"`
		ICEServers       []webrtc.ICEServer `json:"iceServers,omitempty"`
	}

	IncomingCall struct {
		Header
		CallerID   string          `json:"callerId"`
		CallerName string          `json:"callerName"`
		Offer      json.RawMessage `json:"offer"`
	}

	CallSent struct {
		Header
		TargetID string `json:"targetId"`
		Message  string `json:"message,omitempty"`
	}

	UserOffline struct {
		Header
		UserID  string `json:"userId"`
		Message string `json:"message,omitempty"`
	}

	CallAnswered struct {
		Header
		AnswererID string          `json:"answererId"`
		Answer     json.RawMessage `json:"answer"`
	}

	CallDeclined struct {
		Header
		DeclinerID string `json:"declinerId"`
	}

	CallEnded struct {
		Header
		EnderID string `json:"enderId"`
	}

	ICECandidate struct {
		Header
		SenderID  string          `json:"senderId"`
		Candidate json.RawMessage `json:"candidate"`
	}

	ChatMessage struct {
		Header
		SenderID string          `json:"senderId"`
		Content  json.RawMessage `json:"content"`
	}

	Typing struct {
		Header
		SenderID string `json:"senderId"`
		IsTyping bool   `json:"isTyping"`
	}

	UserStatusChange struct {
		Header
		UserID string `json:"userId"`
		Status string `json:"status"`
	}

	User struct {
		ID        string `json:"id"`
		Online    bool   `json:"online"`
		Timestamp int64  `json:"timestamp"`
	}

	UsersList struct {
		Header
		Users []User `json:"users"`
		Total int    `json:"total"`
	}

	Pong struct {
		Header
	}

	Error struct {
		Header
		Code        string `json:"code"`
		Message     string `json:"message"`
		MessageType string `json:"messageType,omitempty"`
		Field       string `json:"field,omitempty"`
	}

	ServerShutdown struct {
		Header
		Message string `json:"message"`
	}
)
