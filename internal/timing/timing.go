package timing

import (
	"context"
	"time"

	"github.com/graphloom/loom/backend/pkg/kgerr"
	"github.com/graphloom/loom/backend/pkg/logger"
)

// StageTimeout holds the soft and hard limits for one pipeline stage.
// The soft limit only emits a warning; the hard limit fails the stage.
type StageTimeout struct {
	Soft time.Duration
	Hard time.Duration
}

var stageTimeouts = map[string]StageTimeout{
	"chunking":            {Soft: 3 * time.Second, Hard: 5 * time.Second},
	"entity-extraction":   {Soft: 45 * time.Second, Hard: 60 * time.Second},
	"relation-extraction": {Soft: 45 * time.Second, Hard: 60 * time.Second},
	"grounding":           {Soft: 20 * time.Second, Hard: 30 * time.Second},
	"verification":        {Soft: 30 * time.Second, Hard: 45 * time.Second},
	"serialization":       {Soft: 7 * time.Second, Hard: 10 * time.Second},
}

var defaultTimeout = StageTimeout{Soft: 10 * time.Second, Hard: 15 * time.Second}

// TimeoutFor returns the timeout pair for the named stage, falling back
// to the default for unrecognized stages.
func TimeoutFor(stage string) StageTimeout {
	if t, ok := stageTimeouts[stage]; ok {
		return t
	}
	return defaultTimeout
}

// GuardStage runs fn under the stage's soft and hard timeouts. The soft
// timer logs a warning and its watcher is stopped as soon as fn returns,
// success or failure. The hard timer cancels fn's context; a hard timeout
// always wins a race against completion.
func GuardStage(ctx context.Context, stage string, fn func(context.Context) error) error {
	limits := TimeoutFor(stage)

	hardCtx, cancel := context.WithTimeout(ctx, limits.Hard)
	defer cancel()

	softDone := make(chan struct{})
	go func() {
		t := time.NewTimer(limits.Soft)
		defer t.Stop()
		select {
		case <-softDone:
		case <-hardCtx.Done():
		case <-t.C:
			logger.Warn("[Timing] Stage exceeded soft timeout", "stage", stage, "soft_timeout", limits.Soft.String())
		}
	}()

	err := fn(hardCtx)
	close(softDone)

	if hardCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return kgerr.Timeout(stage, hardCtx.Err())
	}
	return err
}
