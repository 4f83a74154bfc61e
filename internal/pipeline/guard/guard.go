package guard

import (
	"context"
	"sync/atomic"
)

// Guard is a single-slot mutual exclusion. TryAcquire never blocks: ok is
// false when the slot is taken. release must be called exactly once after a
// successful acquire.
type Guard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Local guards a slot within one process with an atomic compare-and-set.
type Local struct {
	held atomic.Bool
}

func (l *Local) TryAcquire(context.Context) (func(), bool, error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { l.held.Store(false) }, true, nil
}

// Held reports whether the slot is currently taken.
func (l *Local) Held() bool {
	return l.held.Load()
}

// Chain acquires every guard in order and releases them in reverse. If any
// guard refuses or fails, the ones already taken are released.
func Chain(guards ...Guard) Guard {
	return chain(guards)
}

type chain []Guard

func (c chain) TryAcquire(ctx context.Context) (func(), bool, error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range c {
		release, ok, err := g.TryAcquire(ctx)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}
