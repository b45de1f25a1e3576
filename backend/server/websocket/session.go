package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// session is one client connection. It implements model.Endpoint.
// Only the sender goroutine writes data frames to conn.
type session struct {
	id   string
	conn *websocket.Conn
	tx   chan []byte

	open     atomic.Bool
	lastSeen atomic.Int64

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
}

func newSession(id string, conn *websocket.Conn, queueSize int) *session {
	s := &session{
		id:      id,
		conn:    conn,
		tx:      make(chan []byte, queueSize),
		closing: make(chan struct{}),
	}
	s.open.Store(true)
	s.touch()
	return s
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Open() bool {
	return s.open.Load()
}

func (s *session) LastSeen() time.Time {
	return time.UnixMilli(s.lastSeen.Load())
}

// Send enqueues frame without blocking. Frames are dropped when queue is full.
func (s *session) Send(frame []byte) bool {
	if !s.open.Load() {
		return false
	}
	select {
	case s.tx <- frame:
		return true
	default:
		return false
	}
}

// Close flushes queued frames and closes connection with code.
func (s *session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		s.open.Store(false)
		close(s.closing)
	})
}

func (s *session) closedByServer() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *session) closeStatus() (int, string) {
	return s.closeCode, s.closeReason
}

func (s *session) markClosed() {
	s.open.Store(false)
}

func (s *session) touch() {
	s.lastSeen.Store(time.Now().UnixMilli())
}

// drain writes frames that are already queued, stops at first failure.
func (s *session) drain(write func([]byte) bool) {
	for {
		select {
		case b := <-s.tx:
			if !write(b) {
				return
			}
		default:
			return
		}
	}
}
