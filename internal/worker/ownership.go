package worker

import (
	"maps"
	"sync"
)

// Ownership maps worker indexes to the watch each one is checking. A watch
// is owned by at most one worker at a time.
type Ownership struct {
	mu       sync.Mutex
	byWorker map[int]string
	byWatch  map[string]int
}

// NewOwnership returns an empty tracker.
func NewOwnership() *Ownership {
	return &Ownership{
		byWorker: make(map[int]string),
		byWatch:  make(map[string]int),
	}
}

// Claim records that workerID owns watchID. It fails when another worker
// already owns the watch. A worker claiming a new watch drops its old one.
func (o *Ownership) Claim(workerID int, watchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, ok := o.byWatch[watchID]; ok && owner != workerID {
		return false
	}
	if prev, ok := o.byWorker[workerID]; ok {
		delete(o.byWatch, prev)
	}
	o.byWorker[workerID] = watchID
	o.byWatch[watchID] = workerID
	return true
}

// Release clears whatever workerID owns.
func (o *Ownership) Release(workerID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.byWorker[workerID]; ok {
		delete(o.byWatch, id)
		delete(o.byWorker, workerID)
	}
}

// IsOwned reports whether any worker is checking watchID.
func (o *Ownership) IsOwned(watchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.byWatch[watchID]
	return ok
}

// Snapshot returns a copy of the worker -> watch assignments.
func (o *Ownership) Snapshot() map[int]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return maps.Clone(o.byWorker)
}
