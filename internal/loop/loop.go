// Package loop runs closures one at a time on a dedicated goroutine. Each
// call orchestrator owns a Loop so its state is only ever touched in order,
// whatever goroutine a transport or store callback arrives on.
package loop

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrStopped  = errors.New("loop: stopped")
	ErrPanicked = errors.New("loop: task panicked")
)

type Loop struct {
	name string

	mu      sync.Mutex
	queue   []func()
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

// New starts a loop. name only appears in logs.
func New(name string) *Loop {
	l := &Loop{
		name:   name,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn without waiting. It never blocks, so it is safe from
// callbacks that may themselves be running on the loop.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for its result. It must not be called
// from the loop itself.
func (l *Loop) Do(fn func() error) error {
	result := make(chan error, 1)
	ok := l.Post(func() {
		err := ErrPanicked
		defer func() { result <- err }()
		err = fn()
	})
	if !ok {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		// fn may still have run just before the stop
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Stop drains the tasks already queued, then ends the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	<-l.done
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			<-l.signal
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("loop", l.name).Interface("panic", r).Msg("loop task panicked")
		}
	}()
	fn()
}
