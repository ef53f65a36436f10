// Package agent bundles the call orchestrators of one local user and keeps
// one bundle per authenticated identity.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/call"
	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/notify"
	"github.com/mossy-p/webrtc-calls/internal/room"
	"github.com/mossy-p/webrtc-calls/internal/screenshare"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("agent registry closed")

// Deps are shared by every agent of a process.
type Deps struct {
	Channel *signaling.Channel
	Factory transport.Factory
	Media   media.Source
	// Emitter returns where a user's presentation events go. Nil drops
	// them.
	Emitter func(user string) events.Emitter
	// Bridge returns a user's notification bridge. Nil logs and forwards
	// to the user's events.
	Bridge func(user string, em events.Emitter) notify.Bridge
	Sinks  media.SinkFactory

	CallTimeout time.Duration
	Video       media.Constraints
	Display     media.Constraints
}

// Agent is everything one user can do: 1:1 calls, room calls and screen
// shares. Calls share a Line so a user is never in two calls at once.
type Agent struct {
	User      models.User
	Line      *call.Line
	Phone     *call.Phone
	Rooms     *room.Caller
	Share     *screenshare.Direct
	RoomShare *screenshare.RoomShare
}

func New(user models.User, d Deps) (*Agent, error) {
	em := events.Discard
	if d.Emitter != nil {
		em = d.Emitter(user.ID)
	}
	var bridge notify.Bridge
	if d.Bridge != nil {
		bridge = d.Bridge(user.ID, em)
	} else {
		bridge = notify.Tee(notify.Log{User: user.ID}, &notify.Events{User: user.ID, Emitter: em})
	}

	a := &Agent{User: user, Line: call.NewLine()}
	var err error
	a.Phone, err = call.NewPhone(call.Options{
		Self:    user,
		Channel: d.Channel,
		Factory: d.Factory,
		Media:   d.Media,
		Bridge:  bridge,
		Events:  em,
		Line:    a.Line,
		Sinks:   d.Sinks,
		Timeout: d.CallTimeout,
		Video:   d.Video,
	})
	if err != nil {
		return nil, err
	}
	a.Rooms, err = room.NewCaller(room.Options{
		Self:    user,
		Channel: d.Channel,
		Factory: d.Factory,
		Media:   d.Media,
		Events:  em,
		Line:    a.Line,
		Sinks:   d.Sinks,
	})
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	shareOpts := screenshare.Options{
		Self:    user,
		Channel: d.Channel,
		Factory: d.Factory,
		Media:   d.Media,
		Events:  em,
		Sinks:   d.Sinks,
		Display: d.Display,
	}
	if a.Share, err = screenshare.NewDirect(shareOpts); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	if a.RoomShare, err = screenshare.NewRoomShare(shareOpts); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	return a, nil
}

// Close ends every call and share of the user.
func (a *Agent) Close() error {
	var errs error
	if a.RoomShare != nil {
		errs = multierr.Append(errs, a.RoomShare.Close())
	}
	if a.Share != nil {
		errs = multierr.Append(errs, a.Share.Close())
	}
	if a.Rooms != nil {
		errs = multierr.Append(errs, a.Rooms.Close())
	}
	if a.Phone != nil {
		errs = multierr.Append(errs, a.Phone.Close())
	}
	return errs
}

// Registry holds the agent of every user seen so far.
type Registry struct {
	deps Deps

	mu     sync.Mutex
	agents map[string]*Agent
	closed bool
}

func NewRegistry(d Deps) *Registry {
	return &Registry{deps: d, agents: make(map[string]*Agent)}
}

// Get returns user's agent, creating it on first use. The display name and
// photo of an existing agent are not updated.
func (r *Registry) Get(user models.User) (*Agent, error) {
	if err := models.ValidateUserID(user.ID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if a, ok := r.agents[user.ID]; ok {
		return a, nil
	}
	a, err := New(user, r.deps)
	if err != nil {
		return nil, err
	}
	r.agents[user.ID] = a
	log.Info().Str("user", user.ID).Msg("agent: started")
	return a, nil
}

func (r *Registry) Lookup(id string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Remove closes and forgets id's agent.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	log.Info().Str("user", id).Msg("agent: stopped")
	return a.Close()
}

// Close shuts every agent down concurrently. Later Gets fail with
// ErrClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]*Agent)
	r.closed = true
	r.mu.Unlock()

	var mu sync.Mutex
	var errs error
	g, ctx := errgroup.WithContext(ctx)
	for id, a := range agents {
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- a.Close() }()
			select {
			case err := <-done:
				if err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
					log.Warn().Err(err).Str("user", id).Msg("agent: close incomplete")
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errs
}
