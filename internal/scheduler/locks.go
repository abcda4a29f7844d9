package scheduler

import (
	"context"
	"slices"
	"sync"
)

// ResourceLockManager gives tasks exclusive access to named resources while
// their payloads run. Each resource gets its own lock, so tasks holding
// disjoint resources proceed in parallel.
type ResourceLockManager struct {
	mu    sync.Mutex               // Guards the locks map itself
	locks map[string]chan struct{} // Per-resource locks; a full channel is held
}

// NewResourceLockManager creates an empty ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]chan struct{}),
	}
}

func (r *ResourceLockManager) lock(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[name]
	if !ok {
		l = make(chan struct{}, 1)
		r.locks[name] = l
	}
	return l
}

// Acquire locks every named resource and returns the function that releases them.
// Names are de-duplicated and taken in sorted order so that two tasks can
// never wait on each other.
func (r *ResourceLockManager) Acquire(names []string) (release func()) {
	release, _ = r.AcquireContext(context.Background(), names)
	return release
}

// AcquireContext is Acquire that gives up when ctx is done. On error nothing
// is held and release is a no-op.
func (r *ResourceLockManager) AcquireContext(ctx context.Context, names []string) (release func(), err error) {
	if len(names) == 0 {
		return func() {}, nil
	}

	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]chan struct{}, 0, len(sorted))
	unlock := func() {
		// Release in reverse acquisition order
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, name := range sorted {
		l := r.lock(name)
		select {
		case l <- struct{}{}:
			held = append(held, l)
		case <-ctx.Done():
			unlock()
			return func() {}, ctx.Err()
		}
	}
	return unlock, nil
}

// Len returns how many resources have been seen.
func (r *ResourceLockManager) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
