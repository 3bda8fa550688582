// Package lockreg provides per-key mutual exclusion for chunk operations.
//
// One lock exists per chunk key while anyone holds or waits for it. The
// original insert-if-absent / remove-if-no-waiters pattern has a window where
// a new acquirer can grab a lock that is about to be removed; here every
// acquirer increments a reference count under the registry mutex and the last
// release evicts the entry in the same critical section, so an entry can
// never be dropped while a waiter still points at it.
package lockreg

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTimeout is returned when the lock could not be acquired in time.
var ErrTimeout = errors.New("lockreg: acquire timed out")

type entry struct {
	refs int
	sem  chan struct{} // capacity 1; holding the token means holding the lock
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Handle represents one held lock. Release is safe to call more than once;
// only the first call unlocks.
type Handle struct {
	reg  *Registry
	key  string
	e    *entry
	once sync.Once
}

func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		<-h.e.sem
		h.reg.unref(h.key, h.e)
	})
}

// Acquire blocks until the caller holds exclusive access to key, or until
// timeout elapses (timeout <= 0 means block forever). Mutual exclusion only;
// FIFO ordering between waiters is not guaranteed.
func (r *Registry) Acquire(key string, timeout time.Duration) (*Handle, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	if timeout <= 0 {
		e.sem <- struct{}{}
		return &Handle{reg: r, key: key, e: e}, nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case e.sem <- struct{}{}:
		return &Handle{reg: r, key: key, e: e}, nil
	case <-t.C:
		r.unref(key, e)
		return nil, ErrTimeout
	}
}

// AcquireAll locks every key in canonical order and returns the handles in
// that order. On timeout it releases everything it already holds.
func (r *Registry) AcquireAll(keys []string, timeout time.Duration) ([]*Handle, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	handles := make([]*Handle, 0, len(sorted))
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for _, k := range sorted {
		remaining := timeout
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				ReleaseAll(handles)
				return nil, ErrTimeout
			}
		}
		h, err := r.Acquire(k, remaining)
		if err != nil {
			ReleaseAll(handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// ReleaseAll releases handles in reverse acquisition order.
func ReleaseAll(handles []*Handle) {
	for i := len(handles) - 1; i >= 0; i-- {
		handles[i].Release()
	}
}

func (r *Registry) unref(key string, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// Stats reports the live entries, for the operator surface.
func (r *Registry) Stats() (active int, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys = make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return len(r.entries), keys
}
