// Package dispatch decodes inbound frames and fans typed updates out to observers.
package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/lumetrade/streamcore/internal/observability"
	"github.com/lumetrade/streamcore/internal/schema"
)

// DeliverFunc is the observer handler invoked once per dispatched update.
type DeliverFunc func(ctx context.Context, u schema.Update) error

// observerEntry pairs a registration id with its handler.
type observerEntry struct {
	id      string
	deliver DeliverFunc
}

// Dispatcher decodes raw frames into typed updates and delivers each update
// to every registered observer at most once, in wire-arrival order.
//
// Ordering holds because Dispatch blocks until all observers have handled the
// update and the stream read loop calls Dispatch sequentially. No buffering or
// replay is provided: an observer registered after an update was delivered
// never sees it.
type Dispatcher struct {
	mu         sync.RWMutex
	observers  map[string]observerEntry
	maxWorkers int
}

// New constructs a dispatcher with the provided fan-out concurrency limit.
func New(maxWorkers int) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	d := new(Dispatcher)
	d.observers = make(map[string]observerEntry)
	d.maxWorkers = maxWorkers
	return d
}

// Register adds an observer and returns a cancel handle that removes it.
func (d *Dispatcher) Register(deliver DeliverFunc) (cancel func()) {
	if deliver == nil {
		return func() {}
	}
	id := uuid.NewString()
	d.mu.Lock()
	d.observers[id] = observerEntry{id: id, deliver: deliver}
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Dispatch decodes the raw frame and delivers the update to all observers.
// Unrecognized frames (unknown tag or malformed payload) are counted, logged,
// and dropped without error.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	update := schema.DecodeUpdate(raw)
	if un, ok := update.(schema.UnrecognizedUpdate); ok {
		observability.Telemetry().IncCounter("dispatch_unrecognized_total", 1, map[string]string{"tag": un.Tag})
		observability.Log().Debug("dropping unrecognized frame",
			observability.Field{Key: "tag", Value: un.Tag},
			observability.Field{Key: "bytes", Value: len(un.Raw)},
		)
		return nil
	}
	return d.deliver(ctx, update)
}

// DispatchUpdate delivers an already-decoded update to all observers.
func (d *Dispatcher) DispatchUpdate(ctx context.Context, update schema.Update) error {
	if update == nil {
		return nil
	}
	if _, ok := update.(schema.UnrecognizedUpdate); ok {
		return nil
	}
	return d.deliver(ctx, update)
}

func (d *Dispatcher) deliver(ctx context.Context, update schema.Update) error {
	d.mu.RLock()
	observers := make([]observerEntry, 0, len(d.observers))
	for _, entry := range d.observers {
		observers = append(observers, entry)
	}
	d.mu.RUnlock()

	observability.Telemetry().IncCounter("dispatch_updates_total", 1, map[string]string{"type": string(update.UpdateType())})

	count := len(observers)
	if count == 0 {
		return nil
	}
	if count == 1 {
		return observers[0].safeDeliver(ctx, update)
	}

	workerLimit := d.maxWorkers
	if workerLimit > count {
		workerLimit = count
	}

	var mu sync.Mutex
	var workerErrs []error
	p := pool.New().WithMaxGoroutines(workerLimit)
	for _, entry := range observers {
		obs := entry
		p.Go(func() {
			if err := obs.safeDeliver(ctx, update); err != nil {
				mu.Lock()
				workerErrs = append(workerErrs, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()

	if len(workerErrs) == 0 {
		return nil
	}
	return observability.AggregateErrors(
		"update fan-out",
		workerErrs,
		observability.Field{Key: "update_type", Value: string(update.UpdateType())},
		observability.Field{Key: "observer_count", Value: count},
	)
}

func (e observerEntry) safeDeliver(ctx context.Context, update schema.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer %s panic: %v", e.id, r)
		}
	}()
	if deliverErr := e.deliver(ctx, update); deliverErr != nil {
		return fmt.Errorf("observer %s: %w", e.id, deliverErr)
	}
	return nil
}
