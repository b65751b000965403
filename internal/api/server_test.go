package api

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/mbrandal/flowline/internal/backend"
	"github.com/mbrandal/flowline/internal/model"
	"github.com/mbrandal/flowline/internal/store"
)

// fakeCluster is a Snapshotter with canned live task states.
type fakeCluster struct {
	states map[string]model.TaskState
}

func (f *fakeCluster) Snapshot() map[string]model.TaskState {
	return f.states
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := backend.NewRegistry()
	reg.Register("slurm", func(backend.Settings) (backend.Backend, error) { return nil, nil })
	reg.Register("local", func(backend.Settings) (backend.Backend, error) { return nil, nil })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewServer("localhost:0", st, reg, &fakeCluster{}, logger)
}

// seedTask records a submitted task and returns it.
func seedTask(t *testing.T, srv *Server, name string) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:           model.NewTaskID(),
		Name:         name,
		WorkingDir:   "/data/project",
		Spec:         "true",
		Dependencies: []string{},
		StdoutPath:   "/data/project/.flowline/logs/" + name + ".stdout",
		StderrPath:   "/data/project/.flowline/logs/" + name + ".stderr",
	}
	if err := srv.store.RecordSubmission(context.Background(), task); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	return task
}
