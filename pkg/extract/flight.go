package extract

import (
	"context"
	"sync"
	"time"

	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/logger"
)

const subscriberBuffer = 256

// flight is the handle to one in-flight computation. All events are
// appended to history so a late subscriber replays the exact sequence a
// first subscriber observed.
type flight struct {
	key string
	req Request

	ctx       context.Context
	cancelCtx context.CancelCauseFunc

	mu        sync.Mutex
	history   []common.ProgressEvent
	subs      []chan common.ProgressEvent
	finished  bool
	result    *common.KnowledgeGraphResult
	err       error
	startedAt *time.Time
	progress  float64

	done chan struct{}
}

func newFlight(key string, req Request) *flight {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &flight{
		key:       key,
		req:       req,
		ctx:       ctx,
		cancelCtx: cancel,
		done:      make(chan struct{}),
	}
}

func (f *flight) cancel(cause error) {
	f.cancelCtx(cause)
}

func (f *flight) markStarted(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedAt = &at
}

// emit appends the event to history and delivers it to current
// subscribers. A subscriber that cannot keep up has non-terminal events
// dropped; terminal outcomes are always available via Wait.
func (f *flight) emit(event common.ProgressEvent) {
	f.mu.Lock()
	f.history = append(f.history, event)
	if event.Type == common.EventStageProgress {
		f.progress = event.Progress
	}
	subs := make([]chan common.ProgressEvent, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			logger.Warn("[Router] Dropping progress event for slow subscriber", "key", f.key, "event", string(event.Type))
		}
	}
}

// subscribe attaches a new subscriber, replaying all history first so
// every subscriber observes the same sequence.
func (f *flight) subscribe() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan common.ProgressEvent, len(f.history)+subscriberBuffer)
	for _, event := range f.history {
		ch <- event
	}
	if f.finished {
		close(ch)
	} else {
		f.subs = append(f.subs, ch)
	}

	return &Subscription{
		events: ch,
		done:   f.done,
		outcome: func() (*common.KnowledgeGraphResult, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.result, f.err
		},
	}
}

// finish records the terminal outcome and closes all subscriber
// channels. Idempotent.
func (f *flight) finish(result *common.KnowledgeGraphResult, err error) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	f.result = result
	f.err = err
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	close(f.done)
}

func (f *flight) status() common.ExtractionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startedAt == nil {
		return common.ExtractionStatus{Status: common.StatePending}
	}
	return common.ExtractionStatus{
		Status:    common.StateRunning,
		Progress:  f.progress,
		StartedAt: f.startedAt,
	}
}

// Subscription is one caller's view of an extraction's progress stream.
// The events channel is closed after the terminal event; Wait returns
// the terminal outcome.
type Subscription struct {
	events  chan common.ProgressEvent
	done    <-chan struct{}
	outcome func() (*common.KnowledgeGraphResult, error)
}

// Events returns the ordered progress stream. The channel closes after
// the terminal event.
func (s *Subscription) Events() <-chan common.ProgressEvent {
	return s.events
}

// Wait blocks until the extraction reaches a terminal outcome or ctx is
// done.
func (s *Subscription) Wait(ctx context.Context) (*common.KnowledgeGraphResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return s.outcome()
	}
}

// newReplaySubscription short-circuits a cached result: one synthetic
// extraction-complete event, then the cached terminal outcome.
func newReplaySubscription(result *common.KnowledgeGraphResult) *Subscription {
	ch := make(chan common.ProgressEvent, 1)
	ch <- common.ProgressEvent{Type: common.EventComplete, Progress: 100}
	close(ch)

	done := make(chan struct{})
	close(done)

	return &Subscription{
		events: ch,
		done:   done,
		outcome: func() (*common.KnowledgeGraphResult, error) {
			return result, nil
		},
	}
}

// flightTable is the concurrent key → in-flight computation map. The
// insert-if-absent semantics make two racing submits agree on a single
// owner.
type flightTable struct {
	mu      sync.Mutex
	flights map[string]*flight
}

func newFlightTable() *flightTable {
	return &flightTable{flights: make(map[string]*flight)}
}

// getOrCreate returns the existing flight for key, or atomically
// registers a new one. The second return reports whether the caller
// created it and therefore owns enqueueing it.
func (t *flightTable) getOrCreate(key string, req Request) (*flight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.flights[key]; ok {
		return f, false
	}
	f := newFlight(key, req)
	t.flights[key] = f
	return f, true
}

func (t *flightTable) get(key string) (*flight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flights[key]
	return f, ok
}

func (t *flightTable) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flights, key)
}

// statusTable retains terminal statuses for polling after the flight is
// gone, bounded by evicting the oldest entry.
type statusTable struct {
	mu      sync.Mutex
	entries map[string]common.ExtractionStatus
	order   []string
	max     int
}

func newStatusTable(max int) *statusTable {
	return &statusTable{
		entries: make(map[string]common.ExtractionStatus),
		max:     max,
	}
}

func (t *statusTable) set(key string, status common.ExtractionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; !exists {
		t.order = append(t.order, key)
		if len(t.order) > t.max {
			oldest := t.order[0]
			t.order = t.order[1:]
			delete(t.entries, oldest)
		}
	}
	t.entries[key] = status
}

func (t *statusTable) get(key string) (common.ExtractionStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.entries[key]
	return status, ok
}
