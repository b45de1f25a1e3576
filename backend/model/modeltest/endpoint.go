// Package modeltest provides an in-memory model.Endpoint that records frames.
package modeltest

import (
	"encoding/json"
	"sync"
	"time"
)

type Endpoint struct {
	mx        sync.Mutex
	id        string
	open      bool
	lastSeen  time.Time
	frames    [][]byte
	closeCode int
	closeMsg  string
}

func NewEndpoint(id string) *Endpoint {
	return &Endpoint{
		id:       id,
		open:     true,
		lastSeen: time.Now(),
	}
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Open() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.open
}

func (e *Endpoint) LastSeen() time.Time {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.lastSeen
}

func (e *Endpoint) Send(frame []byte) bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	if !e.open {
		return false
	}
	e.frames = append(e.frames, frame)
	return true
}

func (e *Endpoint) Close(code int, reason string) {
	e.mx.Lock()
	defer e.mx.Unlock()
	if !e.open {
		return
	}
	e.open = false
	e.closeCode = code
	e.closeMsg = reason
}

// Drop marks endpoint closed without a close handshake, like a dead transport.
func (e *Endpoint) Drop() {
	e.mx.Lock()
	e.open = false
	e.mx.Unlock()
}

func (e *Endpoint) CloseCode() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.closeCode
}

// Frames returns received frames decoded into generic maps.
func (e *Endpoint) Frames() []map[string]any {
	e.mx.Lock()
	defer e.mx.Unlock()
	out := make([]map[string]any, 0, len(e.frames))
	for _, b := range e.frames {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			m = map[string]any{"raw": string(b)}
		}
		out = append(out, m)
	}
	return out
}

// Types returns type field of every received frame in order.
func (e *Endpoint) Types() []string {
	frames := e.Frames()
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		t, _ := f["type"].(string)
		out = append(out, t)
	}
	return out
}

// Last returns the most recent frame or nil.
func (e *Endpoint) Last() map[string]any {
	frames := e.Frames()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (e *Endpoint) Reset() {
	e.mx.Lock()
	e.frames = nil
	e.mx.Unlock()
}
