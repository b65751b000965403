package cluster

import (
	"errors"
	"fmt"

	"github.com/mbrandal/flowline/internal/model"
	"github.com/mbrandal/flowline/internal/proto"
)

// ErrNoWorkers reports that no local cluster is reachable. Raw connection
// errors stay behind this boundary; the message tells the user what to do
// about it.
var ErrNoWorkers = errors.New("no workers available")

// Client submits tasks to a running local cluster and queries their state.
type Client struct {
	conn *proto.Conn
}

// ConnectClient dials the cluster server at the given endpoint.
func ConnectClient(host string, port int) (*Client, error) {
	conn, err := proto.Dial(host, port)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: could not connect to workers at %s port %d, start workers with `flowline workers`",
			ErrNoWorkers, host, port,
		)
	}
	return &Client{conn: conn}, nil
}

// Submit generates a fresh task identifier, sends the task to the server,
// and returns immediately; it does not wait for the task to complete.
func (c *Client) Submit(target *model.Target, stdoutPath, stderrPath string, deps []string) (string, error) {
	task := &model.Task{
		ID:           model.NewTaskID(),
		Name:         target.Name,
		WorkingDir:   target.WorkingDir,
		Spec:         target.Spec,
		Dependencies: deps,
		StdoutPath:   stdoutPath,
		StderrPath:   stderrPath,
	}
	if err := c.conn.Send(proto.TaskMessage(proto.MsgSubmitTask, task)); err != nil {
		return "", fmt.Errorf("submit %s: %w", target.Name, err)
	}
	return task.ID, nil
}

// Status asks the server for a full snapshot of task states and blocks for
// the single reply.
func (c *Client) Status() (map[string]model.TaskState, error) {
	if err := c.conn.Send(&proto.Message{Type: proto.MsgGetTaskStates}); err != nil {
		return nil, fmt.Errorf("request task states: %w", err)
	}
	reply, err := c.conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("receive task states: %w", err)
	}
	if reply.Type != proto.MsgTaskStates {
		return nil, fmt.Errorf("expected %s reply, got %q", proto.MsgTaskStates, reply.Type)
	}

	states := make(map[string]model.TaskState, len(reply.Tasks))
	for taskID, name := range reply.Tasks {
		state, err := model.ParseTaskState(name)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", taskID, err)
		}
		states[taskID] = state
	}
	return states, nil
}

// Close shuts the connection down gracefully.
func (c *Client) Close() error {
	return c.conn.Close()
}
