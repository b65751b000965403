// Package local adapts the local cluster's client to the backend ops
// contract, so the engine drives a running cluster the same way it drives
// Slurm or Torque.
package local

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/mbrandal/flowline/internal/backend"
	"github.com/mbrandal/flowline/internal/cluster"
	"github.com/mbrandal/flowline/internal/model"
)

// Name is the backend kind registered for the local cluster.
const Name = "local"

// Compile-time interface satisfaction check.
var _ backend.Ops = (*Ops)(nil)

// Ops speaks the cluster protocol through a Client.
type Ops struct {
	workingDir string
	host       string
	port       int
	logger     *slog.Logger

	connect func(host string, port int) (*cluster.Client, error)
	client  *cluster.Client
}

// NewOps creates local ops for a cluster at the given endpoint.
func NewOps(workingDir, host string, port int, logger *slog.Logger) *Ops {
	return &Ops{
		workingDir: workingDir,
		host:       host,
		port:       port,
		logger:     logger,
		connect:    cluster.ConnectClient,
	}
}

// New is the registry factory for the local backend.
func New(s backend.Settings) (backend.Backend, error) {
	return backend.NewTrackingBackend(Name, s.WorkingDir, NewOps(s.WorkingDir, s.Host, s.Port, s.Logger), s.Logger), nil
}

// Configure connects to the cluster. An unreachable server surfaces the
// actionable no-workers error, not a raw socket error.
func (o *Ops) Configure(ctx context.Context) error {
	client, err := o.connect(o.host, o.port)
	if err != nil {
		return err
	}
	o.client = client
	return nil
}

// JobStates maps the cluster's task states into the backend vocabulary:
// a running task is running, a submitted one is queued, and terminal
// tasks are unknown so the tracking layer treats them as done.
func (o *Ops) JobStates(ctx context.Context) (map[string]backend.JobState, error) {
	taskStates, err := o.client.Status()
	if err != nil {
		return nil, err
	}

	states := make(map[string]backend.JobState, len(taskStates))
	for taskID, state := range taskStates {
		switch state {
		case model.StateRunning:
			states[taskID] = backend.JobRunning
		case model.StateSubmitted:
			states[taskID] = backend.JobQueued
		default:
			states[taskID] = backend.JobUnknown
		}
	}
	return states, nil
}

// Submit sends the target to the cluster with log paths under the
// workflow's log directory and returns the generated task identifier.
func (o *Ops) Submit(ctx context.Context, target *model.Target, depJobIDs []string) (string, error) {
	logDir := filepath.Join(o.workingDir, ".flowline", "logs")
	return o.client.Submit(
		target,
		filepath.Join(logDir, target.Name+".stdout"),
		filepath.Join(logDir, target.Name+".stderr"),
		depJobIDs,
	)
}

// Cancel is not supported by the local cluster.
func (o *Ops) Cancel(ctx context.Context, jobID string) error {
	return backend.ErrUnsupportedOperation
}

// Close shuts the client connection down.
func (o *Ops) Close() error {
	if o.client == nil {
		return nil
	}
	return o.client.Close()
}
