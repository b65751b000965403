// Package cluster implements the self-hosted local cluster: a scheduler
// server, the workers that execute tasks, the client used to submit them,
// and the Cluster runtime composing all three.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mbrandal/flowline/internal/model"
	"github.com/mbrandal/flowline/internal/proto"
)

// Default endpoint for the local cluster.
const (
	DefaultHost = "localhost"
	DefaultPort = 12345
)

// History receives task lifecycle records for after-the-fact auditing.
// A nil History disables recording.
type History interface {
	RecordSubmission(ctx context.Context, task *model.Task) error
	RecordTransition(ctx context.Context, taskID string, state model.TaskState, workerID string) error
}

// joinedWorker is the server-side handle for a connected worker.
type joinedWorker struct {
	workerID string
	conn     *proto.Conn
}

// runTask dispatches a task to the worker. Fire and forget.
func (w *joinedWorker) runTask(task *model.Task) error {
	return w.conn.Send(proto.TaskMessage(proto.MsgRunTask, task))
}

// event is one unit of work for the server's run loop: a decoded message
// from a connection, or a read failure indicating the peer dropped.
type event struct {
	conn *proto.Conn
	msg  *proto.Message
	err  error
}

// Server owns the scheduling state of the local cluster. All state below
// the events channel is touched only by the Run goroutine; handlers and
// scheduling passes are linearized by that single owner, so no locking is
// needed around scheduling decisions.
type Server struct {
	host    string
	port    int
	logger  *slog.Logger
	history History

	listener     net.Listener
	events       chan event
	shutdownOnce sync.Once
	shutdown     chan struct{}
	done         chan struct{}
	snaps        chan chan map[string]model.TaskState

	// Owned by the Run goroutine.
	tasks       map[string]*model.Task
	taskStates  map[string]model.TaskState
	pending     map[string]bool
	workers     map[string]*joinedWorker
	assignments map[string]string // task id -> worker id
	conns       map[*proto.Conn]string
	stopping    bool
}

// NewServer creates a server for the given endpoint. history may be nil.
func NewServer(host string, port int, history History, logger *slog.Logger) *Server {
	return &Server{
		host:        host,
		port:        port,
		logger:      logger,
		history:     history,
		events:      make(chan event, 64),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		snaps:       make(chan chan map[string]model.TaskState),
		tasks:       make(map[string]*model.Task),
		taskStates:  make(map[string]model.TaskState),
		pending:     make(map[string]bool),
		workers:     make(map[string]*joinedWorker),
		assignments: make(map[string]string),
		conns:       make(map[*proto.Conn]string),
	}
}

// Listen binds the listening socket. Call before Run so that a caller can
// connect as soon as Run is started. Listening twice is a no-op.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", s.host, s.port, err)
	}
	s.listener = listener
	s.logger.Info("server listening", "host", s.host, "port", s.port)
	return nil
}

// Port reports the bound port. Useful when the server was configured with
// port 0.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Run accepts connections and processes events until shutdown has been
// requested and every worker has left. The ordering matters: waiting for
// workers to leave ensures their shutdown acknowledgements are not lost.
func (s *Server) Run() {
	go s.acceptLoop()

	shutdownCh := s.shutdown
	for {
		select {
		case ev := <-s.events:
			if ev.err != nil {
				s.handleDisconnect(ev.conn)
			} else {
				s.dispatch(ev.conn, ev.msg)
			}
		case <-shutdownCh:
			shutdownCh = nil // one-shot
			s.stopping = true
			for _, w := range s.workers {
				s.logger.Debug("sending shutdown to worker", "worker_id", w.workerID)
				if err := w.conn.Send(&proto.Message{Type: proto.MsgShutdown}); err != nil {
					s.logger.Warn("shutdown send failed", "worker_id", w.workerID, "error", err)
				}
			}
		case replyCh := <-s.snaps:
			replyCh <- s.snapshotLocked()
		}

		if s.stopping && len(s.workers) == 0 {
			break
		}
	}

	s.listener.Close()
	for conn := range s.conns {
		conn.CloseSocket()
	}
	close(s.done)
	s.logger.Info("server stopped")
}

// Done is closed when the run loop has terminated.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown asks every joined worker to stop and lets the run loop drain.
// Termination is cooperative: connections are not closed until each worker
// has reported leave_worker. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

// Snapshot returns a copy of the task state table as seen after every
// event processed strictly before the call was dequeued.
func (s *Server) Snapshot() map[string]model.TaskState {
	replyCh := make(chan map[string]model.TaskState, 1)
	select {
	case s.snaps <- replyCh:
		return <-replyCh
	case <-s.done:
		return nil
	}
}

func (s *Server) snapshotLocked() map[string]model.TaskState {
	out := make(map[string]model.TaskState, len(s.taskStates))
	for id, state := range s.taskStates {
		out[id] = state
	}
	return out
}

// acceptLoop registers every accepted connection for reads. Each connection
// gets a reader goroutine that feeds decoded messages into the events
// channel; the run loop is the only consumer.
func (s *Server) acceptLoop() {
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			return
		}
		conn := proto.NewConn(sock)
		s.logger.Debug("accepted connection", "remote", conn.RemoteAddr().String())
		go s.readLoop(conn)
	}
}

func (s *Server) readLoop(conn *proto.Conn) {
	for {
		msg, err := conn.Recv()
		if err != nil {
			s.events <- event{conn: conn, err: err}
			return
		}
		s.events <- event{conn: conn, msg: msg}
		if msg.Type == proto.MsgClose || msg.Type == proto.MsgLeaveWorker {
			return
		}
	}
}

// dispatch routes one message to its handler. Exactly one message is
// handled per event; every handler that changes state triggers a
// scheduling pass itself.
func (s *Server) dispatch(conn *proto.Conn, msg *proto.Message) {
	switch msg.Type {
	case proto.MsgJoinWorker:
		s.handleJoinWorker(conn, msg.WorkerID)
	case proto.MsgLeaveWorker:
		s.handleLeaveWorker(msg.WorkerID)
	case proto.MsgSubmitTask:
		s.handleSubmitTask(msg.Task())
	case proto.MsgUpdateTaskState:
		s.handleUpdateTaskState(msg.TaskID, msg.NewState)
	case proto.MsgGetTaskStates:
		s.handleGetTaskStates(conn)
	case proto.MsgClose:
		s.handleClose(conn)
	default:
		s.logger.Warn("unknown message type", "type", msg.Type, "remote", conn.RemoteAddr().String())
	}
}

func (s *Server) handleJoinWorker(conn *proto.Conn, workerID string) {
	s.logger.Info("worker joined", "worker_id", workerID)
	s.workers[workerID] = &joinedWorker{workerID: workerID, conn: conn}
	s.conns[conn] = workerID
	joinedWorkers.Set(float64(len(s.workers)))
	s.scheduleOnce()
}

func (s *Server) handleLeaveWorker(workerID string) {
	s.logger.Info("worker left", "worker_id", workerID)
	w, ok := s.workers[workerID]
	s.removeWorker(workerID)
	if ok {
		w.conn.CloseSocket()
	}
}

// removeWorker deregisters a worker. If the worker still holds a live
// assignment the task is failed rather than left unresolved; dependents
// cascade through the scheduling pass. Tasks are not re-dispatched because
// shell specs are not known to be idempotent.
func (s *Server) removeWorker(workerID string) {
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	delete(s.workers, workerID)
	delete(s.conns, w.conn)
	joinedWorkers.Set(float64(len(s.workers)))

	for taskID, assigned := range s.assignments {
		if assigned != workerID {
			continue
		}
		if !s.taskStates[taskID].Terminal() {
			s.logger.Error("worker lost while running task, failing it",
				"worker_id", workerID, "task_id", taskID)
			s.setTaskState(taskID, model.StateFailed, workerID)
		}
		delete(s.assignments, taskID)
	}
	s.scheduleOnce()
}

func (s *Server) handleSubmitTask(task *model.Task) {
	s.logger.Debug("task submitted", "task_id", task.ID, "name", task.Name)
	s.tasks[task.ID] = task
	s.taskStates[task.ID] = model.StateSubmitted
	s.pending[task.ID] = true
	pendingTasks.Set(float64(len(s.pending)))
	if s.history != nil {
		if err := s.history.RecordSubmission(context.Background(), task); err != nil {
			s.logger.Error("record submission failed", "task_id", task.ID, "error", err)
		}
	}
	s.scheduleOnce()
}

func (s *Server) handleUpdateTaskState(taskID, stateName string) {
	state, err := model.ParseTaskState(stateName)
	if err != nil {
		s.logger.Warn("invalid task state update", "task_id", taskID, "state", stateName)
		return
	}
	if current := s.taskStates[taskID]; !model.ValidTransition(current, state) {
		s.logger.Warn("dropping invalid task state transition",
			"task_id", taskID, "from", current.String(), "to", state.String())
		return
	}
	workerID := s.assignments[taskID]
	s.setTaskState(taskID, state, workerID)
	if state.Terminal() {
		delete(s.assignments, taskID)
	}
	s.scheduleOnce()
}

// setTaskState records a state transition, its history row, and terminal
// outcome metrics.
func (s *Server) setTaskState(taskID string, state model.TaskState, workerID string) {
	s.taskStates[taskID] = state
	if state == model.StateCompleted {
		tasksTotal.WithLabelValues(outcomeCompleted).Inc()
	} else if state == model.StateFailed {
		tasksTotal.WithLabelValues(outcomeFailed).Inc()
	}
	if s.history != nil {
		if err := s.history.RecordTransition(context.Background(), taskID, state, workerID); err != nil {
			s.logger.Error("record transition failed", "task_id", taskID, "error", err)
		}
	}
}

func (s *Server) handleGetTaskStates(conn *proto.Conn) {
	tasks := make(map[string]string, len(s.taskStates))
	for id, state := range s.taskStates {
		tasks[id] = state.String()
	}
	if err := conn.Send(&proto.Message{Type: proto.MsgTaskStates, Tasks: tasks}); err != nil {
		s.logger.Warn("task states reply failed", "error", err)
	}
}

func (s *Server) handleClose(conn *proto.Conn) {
	if workerID, ok := s.conns[conn]; ok {
		s.removeWorker(workerID)
	}
	conn.CloseSocket()
}

func (s *Server) handleDisconnect(conn *proto.Conn) {
	if workerID, ok := s.conns[conn]; ok {
		s.logger.Warn("worker connection lost", "worker_id", workerID)
		s.removeWorker(workerID)
	}
	conn.CloseSocket()
}

// scheduleOnce runs scheduling passes over the pending set until a pass
// fails no task. A task failed by one pass can have pending dependents of
// its own, so failure propagates through the whole ancestry chain within
// one call rather than waiting for a future event.
func (s *Server) scheduleOnce() {
	for s.schedulePass() {
	}
	pendingTasks.Set(float64(len(s.pending)))
}

// schedulePass runs one pass over the whole pending set and reports
// whether it failed any task. A task with a failed dependency is failed
// without ever being dispatched; a task whose dependencies have all
// completed is assigned to the first free worker. Ready tasks in excess of
// free workers stay pending until the next pass. Re-scanning everything on
// every event trades efficiency for correctness under arbitrary event
// interleaving, which is fine at workflow scale.
func (s *Server) schedulePass() bool {
	var failed, scheduled []string
	taken := make(map[string]bool, len(s.assignments))
	for _, workerID := range s.assignments {
		taken[workerID] = true
	}

	for taskID := range s.pending {
		task := s.tasks[taskID]

		if s.anyDepInState(task, model.StateFailed) {
			failed = append(failed, taskID)
			continue
		}
		if !s.allDepsInState(task, model.StateCompleted) {
			continue
		}

		for workerID, w := range s.workers {
			if taken[workerID] {
				continue
			}
			if err := w.runTask(task); err != nil {
				s.logger.Error("dispatch failed", "task_id", taskID, "worker_id", workerID, "error", err)
				continue
			}
			s.logger.Debug("task dispatched", "task_id", taskID, "worker_id", workerID)
			s.assignments[taskID] = workerID
			taken[workerID] = true
			scheduled = append(scheduled, taskID)
			break
		}
	}

	for _, taskID := range scheduled {
		delete(s.pending, taskID)
	}
	for _, taskID := range failed {
		s.setTaskState(taskID, model.StateFailed, "")
		delete(s.pending, taskID)
	}
	return len(failed) > 0
}

func (s *Server) anyDepInState(task *model.Task, state model.TaskState) bool {
	for _, depID := range task.Dependencies {
		if s.taskStates[depID] == state {
			return true
		}
	}
	return false
}

func (s *Server) allDepsInState(task *model.Task, state model.TaskState) bool {
	for _, depID := range task.Dependencies {
		if s.taskStates[depID] != state {
			return false
		}
	}
	return true
}
