package builder

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultTombstones is the number of terminated BIDs remembered by a Registry.
const DefaultTombstones = 1024

// Registry maps BIDs to live tasks. Terminated BIDs are remembered as tombstones so late
// messages for them can be told apart from messages for builds that never existed.
type Registry struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	tombstones *lru.Cache[string, Status]
}

// NewRegistry creates a registry remembering up to tombstones terminated BIDs.
func NewRegistry(tombstones int) *Registry {
	if tombstones <= 0 {
		tombstones = DefaultTombstones
	}
	cache, err := lru.New[string, Status](tombstones)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Registry{
		tasks:      make(map[string]*Task),
		tombstones: cache,
	}
}

// Add registers a live task. A BID may be hired again after it terminated.
func (r *Registry) Add(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.BID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateBuild, t.BID)
	}
	r.tasks[t.BID] = t
	r.tombstones.Remove(t.BID)
	return nil
}

// Get returns the live task of a BID.
func (r *Registry) Get(bid string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[bid]
	return t, ok
}

// Remove unregisters t and tombstones its BID with the final status. It does nothing if the
// BID is now owned by another task.
func (r *Registry) Remove(t *Task, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.tasks[t.BID]; !ok || current != t {
		return
	}
	delete(r.tasks, t.BID)
	r.tombstones.Add(t.BID, status)
}

// Tombstone returns the final status of a recently terminated BID.
func (r *Registry) Tombstone(bid string) (Status, bool) {
	return r.tombstones.Get(bid)
}

// BIDs lists the live BIDs in sorted order.
func (r *Registry) BIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bids := make([]string, 0, len(r.tasks))
	for bid := range r.tasks {
		bids = append(bids, bid)
	}
	sort.Strings(bids)
	return bids
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
