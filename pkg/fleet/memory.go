package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/psantana5/recogpool/pkg/models"
)

// MemoryFleet is a table of instance states that records every call.
// Used by tests and dry runs.
type MemoryFleet struct {
	mu     sync.Mutex
	states map[string]models.InstanceState
	starts [][]string
	stops  [][]string
	err    error
}

// NewMemoryFleet creates a fleet with the given running and stopped instances
func NewMemoryFleet(running, stopped []string) *MemoryFleet {
	f := &MemoryFleet{states: make(map[string]models.InstanceState)}
	for _, id := range running {
		f.states[id] = models.InstanceRunning
	}
	for _, id := range stopped {
		f.states[id] = models.InstanceStopped
	}
	return f
}

// FailWith makes every subsequent call return err; nil clears it
func (f *MemoryFleet) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// List returns instance ids in state, sorted, or the injected error
func (f *MemoryFleet) List(_ context.Context, state models.InstanceState) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var ids []string
	for id, s := range f.states {
		if s == state {
			ids = append(ids, id)
		}
	}
	return sorted(ids), nil
}

func (f *MemoryFleet) set(ids []string, state models.InstanceState) error {
	for _, id := range ids {
		if _, ok := f.states[id]; !ok {
			return fmt.Errorf("unknown instance %s", id)
		}
	}
	for _, id := range ids {
		f.states[id] = state
	}
	return nil
}

// Start marks ids running and records the batch
func (f *MemoryFleet) Start(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.starts = append(f.starts, append([]string(nil), ids...))
	return f.set(ids, models.InstanceRunning)
}

// Stop marks ids stopped and records the batch
func (f *MemoryFleet) Stop(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stops = append(f.stops, append([]string(nil), ids...))
	return f.set(ids, models.InstanceStopped)
}

// Starts returns the id batches passed to Start, in call order
func (f *MemoryFleet) Starts() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.starts...)
}

// Stops returns the id batches passed to Stop, in call order
func (f *MemoryFleet) Stops() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.stops...)
}
