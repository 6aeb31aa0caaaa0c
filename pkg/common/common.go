package common

import "time"

// KnowledgeGraph is a collection of entities and the relations that
// connect them. Entity ids are unique within a graph.
//
// Graphs are produced by the extraction workflow, cached per idempotency
// key, and later merged across documents by the resolution engine.
type KnowledgeGraph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Entity represents a node in the graph: an organization, person,
// location, or any other concept mentioned in the source text.
//
// Mention is the surface form as it appeared in the text. ChunkIndex
// records which chunk of the source document produced the mention,
// preserving provenance through merges.
type Entity struct {
	ID         string            `json:"id"`
	Mention    string            `json:"mention"`
	Types      []string          `json:"types"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ChunkIndex int               `json:"chunk_index"`
}

// Relation represents a directional edge between a subject entity and an
// object. The object is either an entity reference (ObjectID) or a plain
// literal (ObjectLiteral); exactly one of the two is set.
type Relation struct {
	SubjectID     string `json:"subject_id"`
	Predicate     string `json:"predicate"`
	ObjectID      string `json:"object_id,omitempty"`
	ObjectLiteral string `json:"object_literal,omitempty"`
}

// IsEntityObject reports whether the relation's object references an entity.
func (r Relation) IsEntityObject() bool {
	return r.ObjectID != ""
}

// ResultMetadata describes how and when a cached extraction result was
// computed.
type ResultMetadata struct {
	IdempotencyKey  string    `json:"idempotency_key"`
	OntologyID      string    `json:"ontology_id"`
	OntologyVersion string    `json:"ontology_version"`
	ExtractedAt     time.Time `json:"extracted_at"`
	DurationMs      int64     `json:"duration_ms"`
}

// KnowledgeGraphResult is the immutable terminal product of one
// extraction. It is produced at most once per idempotency key and cached
// until explicit invalidation.
type KnowledgeGraphResult struct {
	Entities  []Entity       `json:"entities"`
	Relations []Relation     `json:"relations"`
	Metadata  ResultMetadata `json:"metadata"`
}

// ProgressEventType enumerates the events of an extraction's progress
// stream. The terminal event is always exactly one of EventComplete or
// EventFailed.
type ProgressEventType string

const (
	EventStageStarted  ProgressEventType = "stage-started"
	EventStageProgress ProgressEventType = "stage-progress"
	EventStageComplete ProgressEventType = "stage-complete"
	EventComplete      ProgressEventType = "extraction-complete"
	EventFailed        ProgressEventType = "extraction-failed"
)

// Terminal reports whether the event type ends the stream.
func (t ProgressEventType) Terminal() bool {
	return t == EventComplete || t == EventFailed
}

// ProgressEvent is one step in the finite, non-restartable event sequence
// emitted per extraction.
type ProgressEvent struct {
	Type     ProgressEventType `json:"type"`
	Stage    string            `json:"stage,omitempty"`
	Progress float64           `json:"progress,omitempty"`
	Error    string            `json:"error,omitempty"`
	// ErrorType classifies a terminal failure for callers deciding
	// whether to retry: expected, defect, interrupted, timeout or
	// unknown. Only set on extraction-failed events.
	ErrorType string `json:"error_type,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ExtractionState enumerates the observable lifecycle of one idempotency
// key. Authoritative state lives in the cache entry and the in-flight
// flight table; this is derived for status polling.
type ExtractionState string

const (
	StatePending  ExtractionState = "pending"
	StateRunning  ExtractionState = "running"
	StateComplete ExtractionState = "complete"
	StateFailed   ExtractionState = "failed"
)

// ExtractionStatus is the observable status of one idempotency key.
type ExtractionStatus struct {
	Status      ExtractionState `json:"status"`
	Progress    float64         `json:"progress,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorType   string          `json:"error_type,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
}
