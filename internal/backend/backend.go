// Package backend defines the pluggable execution contract that the
// workflow engine drives: submit a target, ask whether it is submitted or
// running, cancel it. The generic TrackingBackend implements the contract
// on top of scheduler-specific Ops and a persisted job database, so Slurm,
// Torque, and the local cluster all track jobs the same way.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"

	"github.com/mbrandal/flowline/internal/model"
)

// ErrUnsupportedOperation is returned by backends that cannot perform the
// requested operation, like cancelling on the local cluster.
var ErrUnsupportedOperation = errors.New("operation not supported by backend")

// JobState is the scheduler-independent vocabulary for live job states.
type JobState int

const (
	JobUnknown JobState = iota // finished, vanished, or never seen
	JobQueued
	JobHeld
	JobRunning
)

func (s JobState) String() string {
	switch s {
	case JobRunning:
		return "R"
	case JobQueued:
		return "Q"
	case JobHeld:
		return "H"
	default:
		return "?"
	}
}

// Ops is the scheduler-specific seam under a TrackingBackend. Slurm and
// Torque implementations shell out to the scheduler's command-line tools;
// the local implementation speaks the cluster protocol.
type Ops interface {
	// Configure resolves whatever the ops need to run, like executables
	// or a cluster connection. Called once before any other method.
	Configure(ctx context.Context) error

	// JobStates performs one bulk query for the state of all live jobs,
	// keyed by job identifier.
	JobStates(ctx context.Context) (map[string]JobState, error)

	// Submit submits the target with its dependency job identifiers
	// already resolved and returns the new job identifier.
	Submit(ctx context.Context, target *model.Target, depJobIDs []string) (string, error)

	// Cancel cancels a live job.
	Cancel(ctx context.Context, jobID string) error

	// Close releases any resources held by the ops.
	Close() error
}

// Backend is the contract the engine drives, one implementation per
// scheduler kind.
type Backend interface {
	Configure(ctx context.Context) error
	Submitted(target *model.Target) bool
	Running(target *model.Target) bool
	Submit(ctx context.Context, target *model.Target) error
	Cancel(ctx context.Context, target *model.Target) error
	Close() error
}

// Compile-time interface satisfaction check.
var _ Backend = (*TrackingBackend)(nil)

// TrackingBackend implements Backend generically: it persists a target
// name to job identifier mapping across engine runs, reconciles it against
// a live poll on Configure, and resolves dependency job identifiers on
// Submit. It is driven from a single engine thread; each call blocks on
// the underlying ops.
type TrackingBackend struct {
	name       string
	workingDir string
	ops        Ops
	logger     *slog.Logger

	jobDB *JobDB
	live  map[string]JobState
}

// NewTrackingBackend wraps ops for the named scheduler kind. workingDir is
// the workflow's working directory; the job database lives under its
// .flowline directory.
func NewTrackingBackend(name, workingDir string, ops Ops, logger *slog.Logger) *TrackingBackend {
	return &TrackingBackend{
		name:       name,
		workingDir: workingDir,
		ops:        ops,
		logger:     logger.With("backend", name),
	}
}

// jobDBPath is where this backend instance persists its job database.
func (b *TrackingBackend) jobDBPath() string {
	return filepath.Join(b.workingDir, ".flowline", b.name+"-backend-jobdb.json")
}

// Configure prepares the ops, loads the persisted job database, and drops
// entries whose job is no longer visible in the scheduler's live listing.
// Stale entries are normal steady-state reconciliation, not a failure.
func (b *TrackingBackend) Configure(ctx context.Context) error {
	if err := b.ops.Configure(ctx); err != nil {
		return fmt.Errorf("configure %s backend: %w", b.name, err)
	}

	jobDB, err := LoadJobDB(b.jobDBPath())
	if err != nil {
		return fmt.Errorf("load job database: %w", err)
	}
	b.jobDB = jobDB

	live, err := b.ops.JobStates(ctx)
	if err != nil {
		return fmt.Errorf("poll job states: %w", err)
	}
	// Copy the poll result: Submit caches optimistic entries in the live
	// map, and those must not leak back into whatever the ops returned.
	b.live = make(map[string]JobState, len(live))
	maps.Copy(b.live, live)
	b.logger.Debug("polled live jobs", "count", len(live))

	for _, name := range b.jobDB.Names() {
		jobID, _ := b.jobDB.Get(name)
		if _, ok := live[jobID]; !ok {
			b.logger.Debug("dropping stale job", "target", name, "job_id", jobID)
			b.jobDB.Delete(name)
		}
	}
	return nil
}

// Submitted reports whether the target has a tracked live job.
func (b *TrackingBackend) Submitted(target *model.Target) bool {
	_, ok := b.jobDB.Get(target.Name)
	return ok
}

// Running reports whether the target's tracked job is running.
func (b *TrackingBackend) Running(target *model.Target) bool {
	jobID, ok := b.jobDB.Get(target.Name)
	if !ok {
		return false
	}
	return b.live[jobID] == JobRunning
}

// Submit submits the target. Dependencies whose targets have tracked jobs
// are passed to the ops as resolved job identifiers; the graph guarantees
// dependencies were submitted first, so untracked dependencies are ones
// that already finished. The new job is optimistically cached as held
// until the next state refresh.
func (b *TrackingBackend) Submit(ctx context.Context, target *model.Target) error {
	var depJobIDs []string
	for _, depName := range target.Deps {
		if jobID, ok := b.jobDB.Get(depName); ok {
			depJobIDs = append(depJobIDs, jobID)
		}
	}

	jobID, err := b.ops.Submit(ctx, target, depJobIDs)
	if err != nil {
		return fmt.Errorf("submit %s: %w", target.Name, err)
	}

	b.logger.Info("target submitted", "target", target.Name, "job_id", jobID)
	b.jobDB.Set(target.Name, jobID)
	b.live[jobID] = JobHeld
	return nil
}

// Cancel cancels the target's job if it is still live; cancelling a
// finished or unknown job is a no-op, never an error.
func (b *TrackingBackend) Cancel(ctx context.Context, target *model.Target) error {
	jobID, ok := b.jobDB.Get(target.Name)
	if !ok {
		return nil
	}
	if _, live := b.live[jobID]; !live {
		return nil
	}
	if err := b.ops.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("cancel %s (job %s): %w", target.Name, jobID, err)
	}
	return nil
}

// Close persists the job database and releases the ops.
func (b *TrackingBackend) Close() error {
	if b.jobDB != nil {
		if err := b.jobDB.Save(); err != nil {
			return fmt.Errorf("persist job database: %w", err)
		}
	}
	return b.ops.Close()
}
