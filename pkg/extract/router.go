package extract

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/kgerr"
	"github.com/graphloom/loom/backend/pkg/logger"
)

// Workflow is the external extraction pipeline: it turns request text
// into a knowledge graph, reporting progress through emit. It may retry
// its own sub-steps; the router never retries it.
type Workflow interface {
	Extract(ctx context.Context, req Request, emit func(common.ProgressEvent)) (*common.KnowledgeGraph, error)
}

// CancelledError is the cancellation cause recorded when a caller
// interrupts an in-flight extraction. It matches context.Canceled under
// errors.Is so cancellation is classified as interrupted, not failed.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "extraction cancelled"
	}
	return "extraction cancelled: " + e.Reason
}

func (e *CancelledError) Is(target error) bool {
	return target == context.Canceled
}

// Router guarantees at most one concurrent extraction per idempotency
// key. Requests are hashed onto a fixed shard set so every key has a
// well-defined owner, and racing submits for one key coalesce onto a
// single in-flight computation via atomic insert-if-absent on the flight
// table. Cached keys short-circuit without re-invoking the workflow.
type Router struct {
	workflow Workflow
	cache    *Cache

	rootCtx  context.Context
	stop     context.CancelFunc
	shards   []chan *flight
	statuses *statusTable

	flights *flightTable
}

// NewRouterParams configures a Router.
type NewRouterParams struct {
	Workflow Workflow
	Cache    *Cache
	// Shards is the number of owning workers; defaults to 4.
	Shards int
	// QueueDepth bounds each shard's backlog; defaults to 128.
	QueueDepth int
	// StatusRetention bounds the terminal-status table; defaults to 1024.
	StatusRetention int
}

// NewRouter creates a router and starts its shard workers. Call Close to
// tear them down.
func NewRouter(params NewRouterParams) *Router {
	shardCount := params.Shards
	if shardCount <= 0 {
		shardCount = 4
	}
	queueDepth := params.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 128
	}
	retention := params.StatusRetention
	if retention <= 0 {
		retention = 1024
	}

	ctx, stop := context.WithCancel(context.Background())
	r := &Router{
		workflow: params.Workflow,
		cache:    params.Cache,
		rootCtx:  ctx,
		stop:     stop,
		shards:   make([]chan *flight, shardCount),
		statuses: newStatusTable(retention),
		flights:  newFlightTable(),
	}

	for i := range r.shards {
		r.shards[i] = make(chan *flight, queueDepth)
		go r.runShard(r.shards[i])
	}

	return r
}

// Close stops the shard workers. In-flight extractions are cancelled.
func (r *Router) Close() {
	r.stop()
}

// Submit routes a request to its owning shard and returns a subscription
// over the extraction's progress stream. If a result is already cached
// the call short-circuits: the subscription replays a synthetic
// extraction-complete and the workflow is not invoked. Concurrent
// submits with the same idempotency key join the same in-flight
// computation and observe the same event sequence.
func (r *Router) Submit(ctx context.Context, req Request) (*Subscription, error) {
	key := IdempotencyKey(req)

	cached, err := r.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		logger.Debug("[Router] Cache hit, replaying result", "key", key)
		return newReplaySubscription(cached), nil
	}

	f, created := r.flights.getOrCreate(key, req)
	if !created {
		return f.subscribe(), nil
	}

	r.statuses.set(key, common.ExtractionStatus{Status: common.StatePending})
	sub := f.subscribe()

	shard := r.shards[shardFor(key, len(r.shards))]
	select {
	case shard <- f:
	case <-ctx.Done():
		r.flights.remove(key)
		f.finish(nil, ctx.Err())
		return nil, ctx.Err()
	}

	return sub, nil
}

// CachedResult returns the cached terminal result for key, or nil when
// absent or never finished. It never blocks on an in-flight computation.
func (r *Router) CachedResult(ctx context.Context, key string) (*common.KnowledgeGraphResult, error) {
	return r.cache.Get(ctx, key)
}

// Status reports the observable status of key: pending before a shard
// picks it up, running with best-effort progress while in-flight, and
// complete or failed once terminal.
func (r *Router) Status(ctx context.Context, key string) (common.ExtractionStatus, error) {
	if f, ok := r.flights.get(key); ok {
		return f.status(), nil
	}
	if status, ok := r.statuses.get(key); ok {
		return status, nil
	}

	cached, err := r.cache.Get(ctx, key)
	if err != nil {
		return common.ExtractionStatus{}, err
	}
	if cached != nil {
		extractedAt := cached.Metadata.ExtractedAt
		return common.ExtractionStatus{
			Status:      common.StateComplete,
			Progress:    100,
			CompletedAt: &extractedAt,
		}, nil
	}

	return common.ExtractionStatus{Status: common.StatePending}, nil
}

// Cancel interrupts the in-flight computation owning key. It returns
// true only if a running or queued computation was found. Cancelling
// never clears a cached terminal result, and cancelling an
// already-complete extraction is a no-op returning false.
func (r *Router) Cancel(key, reason string) bool {
	f, ok := r.flights.get(key)
	if !ok {
		return false
	}
	logger.Info("[Router] Cancelling extraction", "key", key, "reason", reason)
	f.cancel(&CancelledError{Reason: reason})
	return true
}

// InvalidateCache clears the entire extraction cache namespace.
func (r *Router) InvalidateCache(ctx context.Context) error {
	return r.cache.InvalidateAll(ctx)
}

func shardFor(key string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

func (r *Router) runShard(queue chan *flight) {
	for {
		select {
		case <-r.rootCtx.Done():
			return
		case f := <-queue:
			r.runFlight(f)
		}
	}
}

func (r *Router) runFlight(f *flight) {
	defer r.flights.remove(f.key)

	if f.ctx.Err() != nil {
		// Cancelled while still queued.
		r.finishCancelled(f, context.Cause(f.ctx))
		return
	}

	startedAt := time.Now()
	f.markStarted(startedAt)
	r.statuses.set(f.key, common.ExtractionStatus{Status: common.StateRunning, StartedAt: &startedAt})

	graph, err := r.workflow.Extract(f.ctx, f.req, f.emit)
	if err != nil {
		if errors.Is(err, context.Canceled) || f.ctx.Err() != nil {
			cause := context.Cause(f.ctx)
			if cause == nil {
				cause = err
			}
			r.finishCancelled(f, cause)
			return
		}

		logger.Error("[Router] Extraction failed", "key", f.key, "err", err)
		completedAt := time.Now()
		f.emit(common.ProgressEvent{
			Type:      common.EventFailed,
			Error:     err.Error(),
			ErrorType: kgerr.TypeOf(err),
			Retryable: kgerr.IsRetryable(err),
		})
		r.statuses.set(f.key, common.ExtractionStatus{
			Status:      common.StateFailed,
			StartedAt:   &startedAt,
			CompletedAt: &completedAt,
			Error:       err.Error(),
			ErrorType:   kgerr.TypeOf(err),
			Retryable:   kgerr.IsRetryable(err),
		})
		f.finish(nil, err)
		return
	}

	completedAt := time.Now()
	result := &common.KnowledgeGraphResult{
		Entities:  graph.Entities,
		Relations: graph.Relations,
		Metadata: common.ResultMetadata{
			IdempotencyKey:  f.key,
			OntologyID:      f.req.OntologyID,
			OntologyVersion: f.req.OntologyVersion,
			ExtractedAt:     completedAt,
			DurationMs:      completedAt.Sub(startedAt).Milliseconds(),
		},
	}

	if err := r.cache.Put(f.ctx, f.key, result, f.req.Params.Model, f.req.Params.Temperature); err != nil {
		// The result is still returned to subscribers; the next submit recomputes.
		logger.Warn("[Router] Failed to cache result", "key", f.key, "err", err)
	}

	f.emit(common.ProgressEvent{Type: common.EventComplete, Progress: 100})
	r.statuses.set(f.key, common.ExtractionStatus{
		Status:      common.StateComplete,
		Progress:    100,
		StartedAt:   &startedAt,
		CompletedAt: &completedAt,
	})
	f.finish(result, nil)
}

// finishCancelled reports an interrupted computation. It never populates
// the result cache.
func (r *Router) finishCancelled(f *flight, cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	logger.Info("[Router] Extraction cancelled", "key", f.key, "cause", cause.Error())

	completedAt := time.Now()
	f.emit(common.ProgressEvent{
		Type:      common.EventFailed,
		Error:     cause.Error(),
		ErrorType: kgerr.TypeOf(cause),
	})
	r.statuses.set(f.key, common.ExtractionStatus{
		Status:      common.StateFailed,
		CompletedAt: &completedAt,
		Error:       cause.Error(),
		ErrorType:   kgerr.TypeOf(cause),
	})
	f.finish(nil, cause)
}
