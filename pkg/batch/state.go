package batch

import "time"

// Stage names one phase of the batch pipeline.
type Stage string

const (
	StagePending       Stage = "pending"
	StagePreprocessing Stage = "preprocessing"
	StageExtracting    Stage = "extracting"
	StageResolving     Stage = "resolving"
	StageValidating    Stage = "validating"
	StageIngesting     Stage = "ingesting"
	StageComplete      Stage = "complete"
	StageFailed        Stage = "failed"
)

var stageOrder = map[Stage]int{
	StagePending:       0,
	StagePreprocessing: 1,
	StageExtracting:    2,
	StageResolving:     3,
	StageValidating:    4,
	StageIngesting:     5,
	StageComplete:      6,
	StageFailed:        6,
}

// Terminal reports whether the stage ends the pipeline.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Order returns the stage's position in the forward pipeline. Complete
// and Failed share the terminal position.
func (s Stage) Order() int {
	return stageOrder[s]
}

// State is the tagged union over batch pipeline stages. Exactly the
// eight variants below implement it; consumers switch exhaustively so a
// new stage is a compile-visible change.
//
// A batch's state is created when its manifest is accepted and mutated
// only by the owning orchestrator. Everyone else observes transitions.
type State interface {
	Stage() Stage
	sealed()
}

// Pending is the accepted-but-unstarted state.
type Pending struct {
	DocumentCount int
}

// Preprocessing counts manifest documents as they are classified for
// extraction.
type Preprocessing struct {
	DocumentsTotal      int
	DocumentsClassified int
	DocumentsFailed     int
}

// Extracting tracks per-document extraction progress. CurrentDocumentID
// is the most recently finished document, best effort.
type Extracting struct {
	DocumentsTotal     int
	DocumentsCompleted int
	DocumentsFailed    int
	CurrentDocumentID  string
}

// Resolving reports the entity-resolution outcome for the batch.
type Resolving struct {
	EntitiesTotal  int
	ClustersFormed int
}

// Validating marks the integrity-check phase.
type Validating struct {
	ValidationStartedAt time.Time
}

// Ingesting tracks triple delivery into the downstream store.
type Ingesting struct {
	TriplesTotal    int
	TriplesIngested int
}

// Stats summarizes a completed batch.
type Stats struct {
	DocumentsTotal     int `json:"documents_total"`
	DocumentsCompleted int `json:"documents_completed"`
	DocumentsFailed    int `json:"documents_failed"`
	EntitiesTotal      int `json:"entities_total"`
	ClustersFormed     int `json:"clusters_formed"`
	TriplesIngested    int `json:"triples_ingested"`
}

// Complete is the successful terminal state.
type Complete struct {
	Stats       Stats
	CompletedAt time.Time
}

// Failed is the unsuccessful terminal state, reachable from any
// non-terminal stage.
type Failed struct {
	FailedInStage       Stage
	LastSuccessfulStage Stage
	Error               string
	FailedAt            time.Time
}

func (Pending) Stage() Stage       { return StagePending }
func (Preprocessing) Stage() Stage { return StagePreprocessing }
func (Extracting) Stage() Stage    { return StageExtracting }
func (Resolving) Stage() Stage     { return StageResolving }
func (Validating) Stage() Stage    { return StageValidating }
func (Ingesting) Stage() Stage     { return StageIngesting }
func (Complete) Stage() Stage      { return StageComplete }
func (Failed) Stage() Stage        { return StageFailed }

func (Pending) sealed()       {}
func (Preprocessing) sealed() {}
func (Extracting) sealed()    {}
func (Resolving) sealed()     {}
func (Validating) sealed()    {}
func (Ingesting) sealed()     {}
func (Complete) sealed()      {}
func (Failed) sealed()        {}

// Transition is one observable state change of a batch. Transitions for
// a batch are published in order on a single channel; UpdatedAt is set
// by the orchestrator at publish time.
type Transition struct {
	BatchID         string
	OntologyID      string
	OntologyVersion string
	ManifestURI     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	State           State
}
