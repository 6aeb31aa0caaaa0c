package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graphloom/loom/backend/internal/storage"
	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/kgerr"
)

type fakeWorkflow struct {
	calls   atomic.Int32
	block   chan struct{}
	failErr error
}

func (w *fakeWorkflow) Extract(ctx context.Context, req Request, emit func(common.ProgressEvent)) (*common.KnowledgeGraph, error) {
	w.calls.Add(1)

	emit(common.ProgressEvent{Type: common.EventStageStarted, Stage: "entity-extraction"})
	emit(common.ProgressEvent{Type: common.EventStageProgress, Stage: "entity-extraction", Progress: 50})

	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if w.failErr != nil {
		return nil, w.failErr
	}

	emit(common.ProgressEvent{Type: common.EventStageComplete, Stage: "entity-extraction", Progress: 100})
	return &common.KnowledgeGraph{
		Entities: []common.Entity{
			{ID: "e1", Mention: "Apple", Types: []string{"Organization"}},
			{ID: "e2", Mention: "Steve Jobs", Types: []string{"Person"}},
		},
		Relations: []common.Relation{
			{SubjectID: "e2", Predicate: "founded", ObjectID: "e1"},
		},
	}, nil
}

func newTestRouter(workflow Workflow) *Router {
	return NewRouter(NewRouterParams{
		Workflow: workflow,
		Cache:    NewCache(storage.NewMemoryStore()),
		Shards:   2,
	})
}

func testRequest(text string) Request {
	return Request{Text: text, OntologyID: "biz", OntologyVersion: "v1"}
}

func drain(sub *Subscription) []common.ProgressEvent {
	var events []common.ProgressEvent
	for event := range sub.Events() {
		events = append(events, event)
	}
	return events
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := IdempotencyKey(testRequest("Apple was founded by Steve Jobs."))
	b := IdempotencyKey(testRequest("Apple was founded by Steve Jobs."))
	if a != b {
		t.Errorf("identical requests produced different keys: %s vs %s", a, b)
	}

	c := IdempotencyKey(testRequest("different text"))
	if a == c {
		t.Error("different requests produced the same key")
	}

	params := testRequest("Apple was founded by Steve Jobs.")
	params.Params.Temperature = 0.7
	if IdempotencyKey(params) == a {
		t.Error("changed params produced the same key")
	}
}

func TestSubmitStreamsAndCompletes(t *testing.T) {
	workflow := &fakeWorkflow{}
	router := newTestRouter(workflow)
	defer router.Close()

	sub, err := router.Submit(context.Background(), testRequest("Apple was founded by Steve Jobs."))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	events := drain(sub)
	if len(events) == 0 {
		t.Fatal("no progress events received")
	}
	last := events[len(events)-1]
	if last.Type != common.EventComplete {
		t.Errorf("terminal event = %s, want extraction-complete", last.Type)
	}

	result, err := sub.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	var foundApple, foundJobs bool
	for _, entity := range result.Entities {
		switch entity.Mention {
		case "Apple":
			foundApple = true
		case "Steve Jobs":
			foundJobs = true
		}
	}
	if !foundApple || !foundJobs {
		t.Errorf("result entities = %+v, want Apple and Steve Jobs", result.Entities)
	}
	if len(result.Relations) != 1 || result.Relations[0].Predicate != "founded" {
		t.Errorf("result relations = %+v, want one founded relation", result.Relations)
	}
}

func TestSecondSubmitServedFromCache(t *testing.T) {
	workflow := &fakeWorkflow{}
	router := newTestRouter(workflow)
	defer router.Close()

	req := testRequest("cached text")

	first, err := router.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	firstResult, err := first.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	second, err := router.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	events := drain(second)
	if len(events) != 1 || events[0].Type != common.EventComplete {
		t.Errorf("cache replay events = %+v, want single synthetic extraction-complete", events)
	}

	secondResult, err := second.Wait(context.Background())
	if err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}
	if len(secondResult.Entities) != len(firstResult.Entities) || len(secondResult.Relations) != len(firstResult.Relations) {
		t.Error("cached result differs from computed result")
	}

	if got := workflow.calls.Load(); got != 1 {
		t.Errorf("workflow calls = %d, want 1 (no recomputation)", got)
	}
}

func TestConcurrentSubmitsCoalesce(t *testing.T) {
	workflow := &fakeWorkflow{block: make(chan struct{})}
	router := newTestRouter(workflow)
	defer router.Close()

	req := testRequest("coalesced text")
	const callers = 6

	subs := make([]*Subscription, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := router.Submit(context.Background(), req)
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			subs[i] = sub
		}()
	}
	wg.Wait()

	close(workflow.block)

	for i, sub := range subs {
		if sub == nil {
			continue
		}
		result, err := sub.Wait(context.Background())
		if err != nil {
			t.Errorf("caller %d: Wait() error = %v", i, err)
			continue
		}
		if len(result.Entities) != 2 {
			t.Errorf("caller %d: entities = %d, want 2", i, len(result.Entities))
		}
		events := drain(sub)
		if len(events) == 0 || events[len(events)-1].Type != common.EventComplete {
			t.Errorf("caller %d: missing terminal extraction-complete", i)
		}
	}

	if got := workflow.calls.Load(); got != 1 {
		t.Errorf("workflow calls = %d, want 1 (coalesced)", got)
	}
}

func TestCancelRunningExtraction(t *testing.T) {
	workflow := &fakeWorkflow{block: make(chan struct{})}
	router := newTestRouter(workflow)
	defer router.Close()

	req := testRequest("cancel me")
	key := IdempotencyKey(req)

	sub, err := router.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitForState(t, router, key, common.StateRunning)

	if !router.Cancel(key, "operator request") {
		t.Fatal("Cancel() = false, want true for running extraction")
	}

	_, err = sub.Wait(context.Background())
	if err == nil {
		t.Fatal("Wait() expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation error = %v, want to match context.Canceled", err)
	}
	var cancelled *CancelledError
	if !errors.As(err, &cancelled) || cancelled.Reason != "operator request" {
		t.Errorf("error = %v, want CancelledError with reason", err)
	}

	status, err := router.Status(context.Background(), key)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.ErrorType != "interrupted" {
		t.Errorf("status classification = %q, want interrupted", status.ErrorType)
	}

	// Cancellation must never populate the cache.
	cached, err := router.CachedResult(context.Background(), key)
	if err != nil {
		t.Fatalf("CachedResult() error = %v", err)
	}
	if cached != nil {
		t.Error("cancelled extraction populated the cache")
	}
}

func TestCancelCompletedExtractionIsNoop(t *testing.T) {
	workflow := &fakeWorkflow{}
	router := newTestRouter(workflow)
	defer router.Close()

	req := testRequest("done already")
	key := IdempotencyKey(req)

	sub, err := router.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := sub.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if router.Cancel(key, "too late") {
		t.Error("Cancel() = true, want false for completed extraction")
	}

	cached, err := router.CachedResult(context.Background(), key)
	if err != nil {
		t.Fatalf("CachedResult() error = %v", err)
	}
	if cached == nil {
		t.Error("cancel of completed extraction cleared the cache")
	}
}

func TestFailedExtractionReportsTerminalFailure(t *testing.T) {
	workflow := &fakeWorkflow{failErr: kgerr.Service("llm unavailable", true, fmt.Errorf("connection refused"))}
	router := newTestRouter(workflow)
	defer router.Close()

	req := testRequest("will fail")
	key := IdempotencyKey(req)

	sub, err := router.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	events := drain(sub)
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if last.Type != common.EventFailed || last.Error == "" {
		t.Errorf("terminal event = %+v, want extraction-failed with message", last)
	}
	if last.ErrorType != "expected" || !last.Retryable {
		t.Errorf("terminal event classification = %q retryable=%v, want expected/true", last.ErrorType, last.Retryable)
	}

	if _, err := sub.Wait(context.Background()); err == nil {
		t.Fatal("Wait() expected failure")
	}

	status, err := router.Status(context.Background(), key)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Status != common.StateFailed || status.Error == "" {
		t.Errorf("status = %+v, want failed with error text", status)
	}
	if status.ErrorType != "expected" || !status.Retryable {
		t.Errorf("status classification = %q retryable=%v, want expected/true", status.ErrorType, status.Retryable)
	}

	cached, err := router.CachedResult(context.Background(), key)
	if err != nil {
		t.Fatalf("CachedResult() error = %v", err)
	}
	if cached != nil {
		t.Error("failed extraction populated the cache")
	}
}

func TestTimedOutExtractionClassifiedAsTimeout(t *testing.T) {
	workflow := &fakeWorkflow{failErr: kgerr.Timeout("entity-extraction", context.DeadlineExceeded)}
	router := newTestRouter(workflow)
	defer router.Close()

	sub, err := router.Submit(context.Background(), testRequest("too slow"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	events := drain(sub)
	last := events[len(events)-1]
	if last.Type != common.EventFailed || last.ErrorType != "timeout" {
		t.Errorf("terminal event = %+v, want extraction-failed classified as timeout", last)
	}
	if last.Retryable {
		t.Error("timeout marked retryable, want false")
	}
}

func TestStatusLifecycle(t *testing.T) {
	workflow := &fakeWorkflow{block: make(chan struct{})}
	router := newTestRouter(workflow)
	defer router.Close()

	req := testRequest("status text")
	key := IdempotencyKey(req)

	status, err := router.Status(context.Background(), key)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Status != common.StatePending {
		t.Errorf("unknown key status = %s, want pending", status.Status)
	}

	sub, err := router.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitForState(t, router, key, common.StateRunning)

	close(workflow.block)
	if _, err := sub.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	waitForState(t, router, key, common.StateComplete)
}

func waitForState(t *testing.T, router *Router, key string, want common.ExtractionState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		status, err := router.Status(context.Background(), key)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if status.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, last %s", want, status.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
