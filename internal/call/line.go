package call

import "sync"

// Line is the local user's single call slot, shared by 1:1 and room calls.
type Line struct {
	mu    sync.Mutex
	owner string
}

func NewLine() *Line { return &Line{} }

// Acquire takes the line for owner. Taking it again as the same owner
// succeeds; any other owner gets ErrBusy.
func (l *Line) Acquire(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" && l.owner != owner {
		return ErrBusy
	}
	l.owner = owner
	return nil
}

// Release frees the line if owner holds it.
func (l *Line) Release(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
	}
}

func (l *Line) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

func (l *Line) Busy() bool { return l.Owner() != "" }
