package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// OpenFunc opens a store backend.
type OpenFunc func(ctx context.Context) (Store, error)

// Opener opens a store at most once. Concurrent first calls share one
// open; later calls return the same handle. A failed open is not cached.
type Opener struct {
	open  OpenFunc
	group singleflight.Group

	mu    sync.Mutex
	store Store
}

// NewOpener creates an opener around open.
func NewOpener(open OpenFunc) *Opener {
	return &Opener{open: open}
}

// Open returns the live store, opening it on first use.
func (o *Opener) Open(ctx context.Context) (Store, error) {
	if s := o.current(); s != nil {
		return s, nil
	}

	v, err, _ := o.group.Do("open", func() (any, error) {
		if s := o.current(); s != nil {
			return s, nil
		}
		s, err := o.open(ctx)
		if err != nil {
			return nil, Wrap("open", "", err)
		}
		o.mu.Lock()
		o.store = s
		o.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Store), nil
}

// Close closes the store if it was opened. A later Open reopens it.
func (o *Opener) Close() error {
	o.mu.Lock()
	s := o.store
	o.store = nil
	o.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}

func (o *Opener) current() Store {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store
}
