package cluster

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mbrandal/flowline/internal/model"
	"github.com/mbrandal/flowline/internal/proto"
)

// targetNameEnv is exported into every task subprocess.
const targetNameEnv = "FLOWLINE_TARGET_NAME"

// shutdownGrace bounds how long an interrupted worker waits for its
// subprocess before reporting the task failed. A longer-lived subprocess
// is reaped in the background whenever it finishes.
const shutdownGrace = 100 * time.Millisecond

// Worker executes tasks dispatched by the server. A worker owns exactly
// one live task at a time.
type Worker struct {
	id     string
	conn   *proto.Conn
	logger *slog.Logger

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// ConnectWorker dials the server and joins as a worker.
func ConnectWorker(workerID, host string, port int, logger *slog.Logger) (*Worker, error) {
	conn, err := proto.Dial(host, port)
	if err != nil {
		return nil, fmt.Errorf("worker %s connect: %w", workerID, err)
	}
	if err := conn.Send(&proto.Message{Type: proto.MsgJoinWorker, WorkerID: workerID}); err != nil {
		conn.CloseSocket()
		return nil, fmt.Errorf("worker %s join: %w", workerID, err)
	}
	return &Worker{
		id:       workerID,
		conn:     conn,
		logger:   logger.With("worker_id", workerID),
		shutdown: make(chan struct{}),
	}, nil
}

// Start receives and dispatches messages until a shutdown is requested.
// Shutdown is cooperative: the worker finishes or aborts its current task,
// reports leave_worker, and closes its connection. That is the only clean
// termination path.
func (w *Worker) Start() error {
	msgs := make(chan *proto.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := w.conn.Recv()
			if err != nil {
				readErr <- err
				return
			}
			// Handled out of band so a shutdown can interrupt a task the
			// main loop is currently executing.
			if msg.Type == proto.MsgShutdown {
				w.requestShutdown()
				return
			}
			msgs <- msg
		}
	}()

	for {
		select {
		case <-w.shutdown:
			w.logger.Debug("worker shutting down")
			if err := w.conn.Send(&proto.Message{Type: proto.MsgLeaveWorker, WorkerID: w.id}); err != nil {
				w.logger.Warn("leave_worker send failed", "error", err)
			}
			return w.conn.Close()
		case err := <-readErr:
			return fmt.Errorf("worker %s: %w", w.id, err)
		case msg := <-msgs:
			switch msg.Type {
			case proto.MsgRunTask:
				w.runTask(msg.Task())
			default:
				return fmt.Errorf("worker %s: unexpected message type %q", w.id, msg.Type)
			}
		}
	}
}

func (w *Worker) requestShutdown() {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
}

// runTask executes one task and reports its outcome. Any failure during
// subprocess setup, a non-zero exit, or a shutdown interruption is caught
// here and reported as FAILED; the worker itself stays available.
func (w *Worker) runTask(task *model.Task) {
	logger := w.logger.With("task_id", task.ID, "name", task.Name)
	logger.Debug("task started")
	w.updateState(task.ID, model.StateRunning)

	start := time.Now()
	err := w.executeTask(task)
	taskDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("task failed", "error", err)
		w.updateState(task.ID, model.StateFailed)
		return
	}
	logger.Debug("task completed")
	w.updateState(task.ID, model.StateCompleted)
}

// executeTask spawns a shell in the task's working directory, delivers the
// spec as the script body on stdin, and captures stdout/stderr to the
// task's log paths. The wait is interruptible by a pending shutdown; no
// forced kill is issued, so an interrupted subprocess may outlive the
// worker until its normal completion.
func (w *Worker) executeTask(task *model.Task) error {
	stdout, err := createLogFile(task.StdoutPath)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	defer stdout.Close()

	stderr, err := createLogFile(task.StderrPath)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	defer stderr.Close()

	cmd := exec.Command("bash")
	cmd.Dir = task.WorkingDir
	cmd.Env = append(os.Environ(), targetNameEnv+"="+task.Name)
	cmd.Stdin = strings.NewReader(task.Spec)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		if err != nil {
			return fmt.Errorf("task %s (%s): %w", task.ID, task.Name, err)
		}
		return nil
	case <-w.shutdown:
		// No forced kill; the subprocess may outlive the shutdown request
		// and the wait goroutine reaps it whenever it finishes. The worker
		// itself waits only shutdownGrace for a quick exit before
		// reporting the interruption.
		select {
		case <-waitCh:
		case <-time.After(shutdownGrace):
		}
		return fmt.Errorf("task %s (%s): worker received shutdown signal", task.ID, task.Name)
	}
}

// updateState is fire and forget; the worker does not wait for an
// acknowledgement before taking its next task.
func (w *Worker) updateState(taskID string, state model.TaskState) {
	msg := &proto.Message{
		Type:     proto.MsgUpdateTaskState,
		TaskID:   taskID,
		NewState: state.String(),
	}
	if err := w.conn.Send(msg); err != nil {
		w.logger.Warn("state update send failed", "task_id", taskID, "state", state.String(), "error", err)
	}
}

func createLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}
