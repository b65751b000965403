package cluster_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbrandal/flowline/internal/cluster"
	"github.com/mbrandal/flowline/internal/model"
	"github.com/mbrandal/flowline/internal/proto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// startServer runs a server on an ephemeral port and stops it when the
// test finishes.
func startServer(t *testing.T) *cluster.Server {
	t.Helper()
	srv := cluster.NewServer("127.0.0.1", 0, nil, testLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Run()
	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case <-srv.Done():
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

// fakeWorker speaks the worker side of the protocol without executing
// anything, so tests control exactly when tasks report state.
type fakeWorker struct {
	id    string
	conn  *proto.Conn
	runCh chan *proto.Message
}

func joinFakeWorker(t *testing.T, srv *cluster.Server, id string) *fakeWorker {
	t.Helper()
	conn, err := proto.Dial("127.0.0.1", srv.Port())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Send(&proto.Message{Type: proto.MsgJoinWorker, WorkerID: id}); err != nil {
		t.Fatalf("join: %v", err)
	}
	w := &fakeWorker{id: id, conn: conn, runCh: make(chan *proto.Message, 16)}
	go func() {
		for {
			msg, err := conn.Recv()
			if err != nil {
				return
			}
			switch msg.Type {
			case proto.MsgRunTask:
				w.runCh <- msg
			case proto.MsgShutdown:
				conn.Send(&proto.Message{Type: proto.MsgLeaveWorker, WorkerID: id})
				conn.Close()
				return
			}
		}
	}()
	return w
}

// expectTask waits for a run_task dispatch on the worker.
func (w *fakeWorker) expectTask(t *testing.T) *proto.Message {
	t.Helper()
	select {
	case msg := <-w.runCh:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("worker %s: no task dispatched", w.id)
		return nil
	}
}

// expectNoTask asserts no dispatch arrives within the window.
func (w *fakeWorker) expectNoTask(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case msg := <-w.runCh:
		t.Fatalf("worker %s: unexpected dispatch of task %s", w.id, msg.TaskID)
	case <-time.After(window):
	}
}

func (w *fakeWorker) report(t *testing.T, taskID string, state model.TaskState) {
	t.Helper()
	err := w.conn.Send(&proto.Message{
		Type:     proto.MsgUpdateTaskState,
		TaskID:   taskID,
		NewState: state.String(),
	})
	if err != nil {
		t.Fatalf("report state: %v", err)
	}
}

func connectClient(t *testing.T, srv *cluster.Server) *cluster.Client {
	t.Helper()
	c, err := cluster.ConnectClient("127.0.0.1", srv.Port())
	if err != nil {
		t.Fatalf("ConnectClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func submit(t *testing.T, c *cluster.Client, name string, deps []string) string {
	t.Helper()
	dir := t.TempDir()
	id, err := c.Submit(&model.Target{
		Name:       name,
		WorkingDir: dir,
		Spec:       "true\n",
	}, dir+"/"+name+".stdout", dir+"/"+name+".stderr", deps)
	if err != nil {
		t.Fatalf("Submit(%s): %v", name, err)
	}
	return id
}

// waitForState polls Status until the task reaches the expected state.
func waitForState(t *testing.T, c *cluster.Client, taskID string, want model.TaskState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		states, err := c.Status()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if states[taskID] == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	states, _ := c.Status()
	t.Fatalf("task %s never reached %v (last: %v)", taskID, want, states[taskID])
}

func TestDispatchWaitsForDependencyCompletion(t *testing.T) {
	srv := startServer(t)
	w := joinFakeWorker(t, srv, "w0")
	c := connectClient(t, srv)

	aID := submit(t, c, "a", nil)
	bID := submit(t, c, "b", []string{aID})

	got := w.expectTask(t)
	if got.TaskID != aID {
		t.Fatalf("first dispatch = %s, want %s", got.TaskID, aID)
	}

	// B must stay pending while A is merely running.
	w.report(t, aID, model.StateRunning)
	w.expectNoTask(t, 100*time.Millisecond)

	w.report(t, aID, model.StateCompleted)
	got = w.expectTask(t)
	if got.TaskID != bID {
		t.Fatalf("second dispatch = %s, want %s", got.TaskID, bID)
	}
}

func TestFailureCascadesWithoutDispatch(t *testing.T) {
	srv := startServer(t)
	w := joinFakeWorker(t, srv, "w0")
	c := connectClient(t, srv)

	aID := submit(t, c, "a", nil)
	bID := submit(t, c, "b", []string{aID})
	cID := submit(t, c, "c", []string{bID})

	got := w.expectTask(t)
	if got.TaskID != aID {
		t.Fatalf("dispatch = %s, want %s", got.TaskID, aID)
	}
	w.report(t, aID, model.StateFailed)

	// The failure propagates transitively: b fails because a failed, and
	// c fails because b failed, with no run_task for either.
	waitForState(t, c, bID, model.StateFailed)
	waitForState(t, c, cID, model.StateFailed)
	w.expectNoTask(t, 100*time.Millisecond)
}

func TestSingleWorkerRunsTasksOneAtATime(t *testing.T) {
	srv := startServer(t)
	w := joinFakeWorker(t, srv, "w0")
	c := connectClient(t, srv)

	aID := submit(t, c, "a", nil)
	bID := submit(t, c, "b", nil)

	first := w.expectTask(t)
	w.expectNoTask(t, 100*time.Millisecond)

	w.report(t, first.TaskID, model.StateCompleted)

	second := w.expectTask(t)
	if first.TaskID == second.TaskID {
		t.Fatalf("task %s dispatched twice", first.TaskID)
	}
	seen := map[string]bool{first.TaskID: true, second.TaskID: true}
	if !seen[aID] || !seen[bID] {
		t.Fatalf("dispatched %v, want both %s and %s", seen, aID, bID)
	}
}

func TestIndependentTasksSpreadAcrossWorkers(t *testing.T) {
	srv := startServer(t)
	w0 := joinFakeWorker(t, srv, "w0")
	w1 := joinFakeWorker(t, srv, "w1")
	c := connectClient(t, srv)

	submit(t, c, "a", nil)
	submit(t, c, "b", nil)

	// Each worker is used by at most one task: both dispatches arrive, one
	// per worker, never two on the same worker.
	getTask := func(w *fakeWorker) string {
		select {
		case msg := <-w.runCh:
			return msg.TaskID
		case <-time.After(5 * time.Second):
			return ""
		}
	}
	a := getTask(w0)
	b := getTask(w1)
	if a == "" || b == "" {
		t.Fatalf("dispatches missing: w0=%q w1=%q", a, b)
	}
	if a == b {
		t.Fatalf("same task %s dispatched to both workers", a)
	}
	w0.expectNoTask(t, 100*time.Millisecond)
	w1.expectNoTask(t, 100*time.Millisecond)
}

func TestStatusReflectsSubmission(t *testing.T) {
	srv := startServer(t)
	c := connectClient(t, srv)

	// No workers joined: submissions stay SUBMITTED.
	aID := submit(t, c, "a", nil)
	bID := submit(t, c, "b", nil)

	states, err := c.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if states[aID] != model.StateSubmitted || states[bID] != model.StateSubmitted {
		t.Fatalf("states = %v, want both SUBMITTED", states)
	}
}

func TestWorkerLossFailsItsTask(t *testing.T) {
	srv := startServer(t)
	w := joinFakeWorker(t, srv, "w0")
	c := connectClient(t, srv)

	aID := submit(t, c, "a", nil)
	bID := submit(t, c, "b", []string{aID})

	got := w.expectTask(t)
	if got.TaskID != aID {
		t.Fatalf("dispatch = %s, want %s", got.TaskID, aID)
	}
	w.report(t, aID, model.StateRunning)

	// Drop the connection while the task is live. The fail-fast policy
	// marks the task failed and cascades to its dependent.
	w.conn.CloseSocket()

	waitForState(t, c, aID, model.StateFailed)
	waitForState(t, c, bID, model.StateFailed)
}

func TestSnapshotMatchesClientStatus(t *testing.T) {
	srv := startServer(t)
	c := connectClient(t, srv)

	aID := submit(t, c, "a", nil)
	waitForState(t, c, aID, model.StateSubmitted)

	snap := srv.Snapshot()
	if snap[aID] != model.StateSubmitted {
		t.Fatalf("snapshot = %v, want %s SUBMITTED", snap, aID)
	}
}

func TestBackwardStateUpdateIsDropped(t *testing.T) {
	srv := startServer(t)
	w := joinFakeWorker(t, srv, "w0")
	c := connectClient(t, srv)

	aID := submit(t, c, "a", nil)
	got := w.expectTask(t)
	w.report(t, got.TaskID, model.StateRunning)
	w.report(t, got.TaskID, model.StateCompleted)
	waitForState(t, c, aID, model.StateCompleted)

	// A stale report arriving after the terminal state must not move the
	// task backward, and a report for an unknown id must not invent one.
	w.report(t, aID, model.StateRunning)
	w.report(t, "no-such-task", model.StateRunning)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		states, err := c.Status()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if states[aID] != model.StateCompleted {
			t.Fatalf("task %s moved backward to %v", aID, states[aID])
		}
		if _, ok := states["no-such-task"]; ok {
			t.Fatal("update for unknown task created state")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectClientNoServer(t *testing.T) {
	// Port 1 is reserved and nothing listens on it.
	_, err := cluster.ConnectClient("127.0.0.1", 1)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !errors.Is(err, cluster.ErrNoWorkers) {
		t.Fatalf("error %v does not wrap ErrNoWorkers", err)
	}
}
