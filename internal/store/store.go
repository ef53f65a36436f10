// Package store is the realtime document store the signaling layer runs on:
// last-write-wins values under slash separated keys, plus prefix watches that
// replay the current contents before streaming changes.
package store

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("store: key not found")
	ErrClosed   = errors.New("store: closed")
	ErrBadKey   = errors.New("store: invalid key")
)

// Op is the kind of change carried by an Event.
type Op int

const (
	OpPut Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one change observed by a watch.
type Event struct {
	Op    Op
	Key   string
	Value []byte // nil for OpDelete
}

// Entry is a stored key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a pub/sub + last-write-wins document store.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	// List returns every entry under prefix ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Watch delivers every entry currently under prefix as an OpPut, then
	// every subsequent change. The channel is closed when ctx is done or the
	// store is closed.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
	Close() error
}

func validKey(key string) bool {
	return key != "" && !strings.HasPrefix(key, "/") && !strings.Contains(key, "//")
}
