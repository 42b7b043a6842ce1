package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/models"
)

// RunFunc runs one worker until ctx is cancelled or it decides to exit
type RunFunc func(ctx context.Context, instanceID string) error

type localSlot struct {
	id         string
	running    bool
	cancel     context.CancelFunc
	generation int
}

// LocalFleet runs worker loops as goroutines, one per slot.
// Stop cancels the slot's context; a worker that exits on its own
// (idle timeout) returns its slot to stopped.
type LocalFleet struct {
	mu     sync.Mutex
	slots  map[string]*localSlot
	run    RunFunc
	parent context.Context
	wg     sync.WaitGroup
	logger *logging.Logger
}

// NewLocalFleet creates size stopped slots named local-00, local-01, ...
// Workers run under parent, so cancelling it stops the whole fleet.
func NewLocalFleet(parent context.Context, size int, run RunFunc, logger *logging.Logger) *LocalFleet {
	if logger == nil {
		logger = logging.Default()
	}
	f := &LocalFleet{
		slots:  make(map[string]*localSlot, size),
		run:    run,
		parent: parent,
		logger: logger.WithField("component", "local-fleet"),
	}
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("local-%02d", i)
		f.slots[id] = &localSlot{id: id}
	}
	return f
}

// List returns slot ids in state, sorted
func (f *LocalFleet) List(_ context.Context, state models.InstanceState) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, s := range f.slots {
		if s.running == (state == models.InstanceRunning) {
			ids = append(ids, id)
		}
	}
	return sorted(ids), nil
}

// Start launches the run func for each stopped slot; running slots are left alone
func (f *LocalFleet) Start(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		slot, ok := f.slots[id]
		if !ok {
			return fmt.Errorf("unknown instance %s", id)
		}
		if slot.running {
			continue
		}

		ctx, cancel := context.WithCancel(f.parent)
		slot.running = true
		slot.cancel = cancel
		slot.generation++
		gen := slot.generation

		f.wg.Add(1)
		go f.runSlot(ctx, slot, gen)
	}
	return nil
}

func (f *LocalFleet) runSlot(ctx context.Context, slot *localSlot, gen int) {
	defer f.wg.Done()
	f.logger.Info("Instance started", logging.Fields{"instance_id": slot.id})

	err := f.run(ctx, slot.id)
	if err != nil && ctx.Err() == nil {
		f.logger.Error("Instance exited with error", logging.Fields{"instance_id": slot.id, "error": err})
	} else {
		f.logger.Info("Instance exited", logging.Fields{"instance_id": slot.id})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// a newer Start may already own the slot
	if slot.generation == gen {
		slot.running = false
		if slot.cancel != nil {
			slot.cancel()
			slot.cancel = nil
		}
	}
}

// Stop cancels each running slot's context. It does not wait for the run func to return.
func (f *LocalFleet) Stop(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		slot, ok := f.slots[id]
		if !ok {
			return fmt.Errorf("unknown instance %s", id)
		}
		if !slot.running {
			continue
		}
		slot.running = false
		slot.generation++
		if slot.cancel != nil {
			slot.cancel()
			slot.cancel = nil
		}
	}
	return nil
}

// Wait blocks until every worker goroutine has returned
func (f *LocalFleet) Wait() {
	f.wg.Wait()
}
