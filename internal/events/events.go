// Package events carries presentation events from the call orchestrators to
// connected UI clients.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	TypeCallState    Type = "call-state"
	TypeCallDuration Type = "call-duration"
	TypeToast        Type = "toast"
	TypeNotification Type = "notification"
	TypeRingtone     Type = "ringtone"
	TypeRoomState    Type = "room-state"
	TypeShareState   Type = "share-state"
	// TypeShareAvailable tells a room call member who shares in the room.
	TypeShareAvailable Type = "share-available"
)

type Event struct {
	Type Type   `json:"type"`
	User string `json:"user"`
	Data any    `json:"data,omitempty"`
	Time int64  `json:"time"`
}

func New(t Type, user string, data any) Event {
	return Event{Type: t, User: user, Data: data, Time: time.Now().UnixMilli()}
}

// Toast is the payload of a toast event.
type Toast struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Duration is the payload of a call-duration event.
type Duration struct {
	CallID  string `json:"callId"`
	Seconds int64  `json:"seconds"`
}

// Emitter accepts events. Emit must not block.
type Emitter interface {
	Emit(Event)
}

type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t in order.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Toasts returns the messages of every recorded toast.
func (r *Recorder) Toasts() []string {
	var out []string
	for _, e := range r.OfType(TypeToast) {
		if t, ok := e.Data.(Toast); ok {
			out = append(out, t.Message)
		}
	}
	return out
}
