package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/changewatch/internal/watch"
)

// WatchStore is an in-memory watch.Store. Reads hand out deep copies, so
// callers never observe a record another goroutine is mutating.
type WatchStore struct {
	mu      sync.RWMutex
	watches map[string]watch.Watch
}

var _ watch.Store = (*WatchStore)(nil)

// NewWatchStore constructs an empty WatchStore.
func NewWatchStore() *WatchStore {
	return &WatchStore{watches: make(map[string]watch.Watch)}
}

// Add stores a new watch with empty history and LastChecked 0.
func (s *WatchStore) Add(_ context.Context, w watch.Watch) (watch.Watch, error) {
	if w.ID == "" {
		return watch.Watch{}, fmt.Errorf("watch id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.watches[w.ID]; exists {
		return watch.Watch{}, fmt.Errorf("add %s: %w", w.ID, watch.ErrAlreadyExists)
	}
	fresh := watch.Watch{ID: w.ID, DateCreated: w.DateCreated}.ApplyConfig(w)
	s.watches[w.ID] = fresh
	return fresh.Copy(), nil
}

// Clone copies the configuration of id into a new watch named newID.
func (s *WatchStore) Clone(_ context.Context, id, newID string, now time.Time) (watch.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.watches[id]
	if !ok {
		return watch.Watch{}, fmt.Errorf("clone %s: %w", id, watch.ErrNotFound)
	}
	if _, exists := s.watches[newID]; exists {
		return watch.Watch{}, fmt.Errorf("clone into %s: %w", newID, watch.ErrAlreadyExists)
	}
	clone := src.CloneAs(newID, now)
	s.watches[newID] = clone
	return clone.Copy(), nil
}

// Update replaces the editable fields of an existing watch.
func (s *WatchStore) Update(_ context.Context, w watch.Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.watches[w.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", w.ID, watch.ErrNotFound)
	}
	s.watches[w.ID] = current.ApplyConfig(w)
	return nil
}

// SetPaused toggles the paused flag.
func (s *WatchStore) SetPaused(_ context.Context, id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.watches[id]
	if !ok {
		return fmt.Errorf("pause %s: %w", id, watch.ErrNotFound)
	}
	current.Paused = paused
	s.watches[id] = current
	return nil
}

// Delete removes a watch and returns it so its snapshots can be cleaned up.
func (s *WatchStore) Delete(_ context.Context, id string) (watch.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.watches[id]
	if !ok {
		return watch.Watch{}, fmt.Errorf("delete %s: %w", id, watch.ErrNotFound)
	}
	delete(s.watches, id)
	return current, nil
}

// List returns copies of every watch ordered by creation time, then ID.
func (s *WatchStore) List(_ context.Context) ([]watch.Watch, error) {
	s.mu.RLock()
	out := make([]watch.Watch, 0, len(s.watches))
	for _, w := range s.watches {
		out = append(out, w.Copy())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateCreated != out[j].DateCreated {
			return out[i].DateCreated < out[j].DateCreated
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DueWatches copies the registry under the read lock and filters outside it.
func (s *WatchStore) DueWatches(ctx context.Context, now time.Time, globalMinutes int) ([]watch.Watch, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return watch.FilterDue(all, now, globalMinutes), nil
}

// Get returns a copy of one watch.
func (s *WatchStore) Get(_ context.Context, id string) (watch.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.watches[id]
	if !ok {
		return watch.Watch{}, fmt.Errorf("get %s: %w", id, watch.ErrNotFound)
	}
	return w.Copy(), nil
}

// Exists reports whether id is registered.
func (s *WatchStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.watches[id]
	return ok, nil
}

// RecordCheckResult stores the outcome of one check.
func (s *WatchStore) RecordCheckResult(_ context.Context, id string, result watch.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.watches[id]
	if !ok {
		return fmt.Errorf("record result %s: %w", id, watch.ErrNotFound)
	}
	current.LastChecked = result.Timestamp
	current.FetchTime = result.FetchTime
	if result.StatusCode > 0 {
		current.LastStatusCode = result.StatusCode
	}
	current.LastError = watch.ErrorText(result.Err)
	s.watches[id] = current
	return nil
}

// AppendHistory adds a snapshot entry and moves the fingerprint with it.
func (s *WatchStore) AppendHistory(_ context.Context, id string, entry watch.HistoryEntry, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.watches[id]
	if !ok {
		return fmt.Errorf("append history %s: %w", id, watch.ErrNotFound)
	}
	if current.HasHistoryAt(entry.Timestamp) {
		return fmt.Errorf("append history %s at %d: %w", id, entry.Timestamp, watch.ErrDuplicateHistory)
	}
	current.History = append(current.History, entry)
	current.PreviousMD5 = fingerprint
	s.watches[id] = current
	return nil
}
