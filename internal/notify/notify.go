// Package notify rings and notifies the local user about incoming calls.
package notify

import (
	"context"
	"sync"

	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/rs/zerolog/log"
)

// Caller is what a call notification shows.
type Caller struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	PhotoURL string          `json:"photoUrl,omitempty"`
	Kind     models.CallKind `json:"kind"`
}

type Notifier interface {
	RequestPermission(ctx context.Context) bool
	ShowCallNotification(c Caller)
}

type Sounder interface {
	PlayRingtone()
	StopRingtone()
}

// Bridge is both collaborators together, as the call state machine uses them.
type Bridge interface {
	Notifier
	Sounder
}

// Log writes notifications and ringtone changes to the log.
type Log struct {
	User string
}

func (l Log) RequestPermission(context.Context) bool { return true }

func (l Log) ShowCallNotification(c Caller) {
	log.Info().Str("user", l.User).Str("caller", c.ID).Str("name", c.Name).Str("kind", string(c.Kind)).Msg("incoming call")
}

func (l Log) PlayRingtone() { log.Debug().Str("user", l.User).Msg("ringtone on") }
func (l Log) StopRingtone() { log.Debug().Str("user", l.User).Msg("ringtone off") }

// Events forwards notifications and ringtone changes to the user's UI
// clients, which own the speaker and the system notification area.
type Events struct {
	User    string
	Emitter events.Emitter

	mu      sync.Mutex
	ringing bool
}

func (e *Events) RequestPermission(context.Context) bool { return true }

func (e *Events) ShowCallNotification(c Caller) {
	e.Emitter.Emit(events.New(events.TypeNotification, e.User, c))
}

func (e *Events) PlayRingtone() { e.setRinging(true) }
func (e *Events) StopRingtone() { e.setRinging(false) }

// setRinging only emits on change; the state machine silences on every exit
// from incoming whether or not it rang.
func (e *Events) setRinging(on bool) {
	e.mu.Lock()
	changed := e.ringing != on
	e.ringing = on
	e.mu.Unlock()
	if changed {
		e.Emitter.Emit(events.New(events.TypeRingtone, e.User, map[string]bool{"playing": on}))
	}
}

// Tee fans every call out to several bridges.
func Tee(bridges ...Bridge) Bridge {
	return tee(bridges)
}

type tee []Bridge

// RequestPermission is granted only if every bridge grants it.
func (t tee) RequestPermission(ctx context.Context) bool {
	ok := true
	for _, b := range t {
		ok = b.RequestPermission(ctx) && ok
	}
	return ok
}

func (t tee) ShowCallNotification(c Caller) {
	for _, b := range t {
		b.ShowCallNotification(c)
	}
}

func (t tee) PlayRingtone() {
	for _, b := range t {
		b.PlayRingtone()
	}
}

func (t tee) StopRingtone() {
	for _, b := range t {
		b.StopRingtone()
	}
}

// Recorder counts bridge calls.
type Recorder struct {
	mu          sync.Mutex
	Ringing     bool
	Rings       int
	Silences    int
	Permissions int
	Shown       []Caller
}

func (r *Recorder) RequestPermission(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Permissions++
	return true
}

func (r *Recorder) ShowCallNotification(c Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Shown = append(r.Shown, c)
}

func (r *Recorder) PlayRingtone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ringing = true
	r.Rings++
}

func (r *Recorder) StopRingtone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ringing = false
	r.Silences++
}

// IsRinging reports the current ringtone state.
func (r *Recorder) IsRinging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Ringing
}

// ShownCount is how many call notifications were shown.
func (r *Recorder) ShownCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Shown)
}
