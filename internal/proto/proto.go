// Package proto implements the wire protocol spoken between the local
// cluster's server, its workers, and the submitting client. Every message
// is one self-describing JSON object per line, so peers can read a message
// at a time without a length prefix.
package proto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"github.com/mbrandal/flowline/internal/model"
)

// Message types exchanged on a cluster connection.
const (
	MsgJoinWorker      = "join_worker"
	MsgLeaveWorker     = "leave_worker"
	MsgSubmitTask      = "submit_task"
	MsgUpdateTaskState = "update_task_state"
	MsgGetTaskStates   = "get_task_states"
	MsgTaskStates      = "task_states"
	MsgRunTask         = "run_task"
	MsgShutdown        = "shutdown"
	MsgClose           = "close"
)

// Message is the envelope for every message on the wire. Type is always
// set; the remaining fields are populated per message type.
type Message struct {
	Type string `json:"type"`

	// join_worker, leave_worker
	WorkerID string `json:"worker_id,omitempty"`

	// submit_task, run_task, update_task_state
	TaskID       string   `json:"task_id,omitempty"`
	Name         string   `json:"name,omitempty"`
	WorkingDir   string   `json:"working_dir,omitempty"`
	Spec         string   `json:"spec,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	StdoutPath   string   `json:"stdout_path,omitempty"`
	StderrPath   string   `json:"stderr_path,omitempty"`

	// update_task_state
	NewState string `json:"new_state,omitempty"`

	// task_states reply
	Tasks map[string]string `json:"tasks,omitempty"`
}

// Task reconstructs the task carried by a submit_task or run_task message.
func (m *Message) Task() *model.Task {
	return &model.Task{
		ID:           m.TaskID,
		Name:         m.Name,
		WorkingDir:   m.WorkingDir,
		Spec:         m.Spec,
		Dependencies: m.Dependencies,
		StdoutPath:   m.StdoutPath,
		StderrPath:   m.StderrPath,
	}
}

// TaskMessage builds a message of the given type carrying all task fields.
func TaskMessage(msgType string, t *model.Task) *Message {
	return &Message{
		Type:         msgType,
		TaskID:       t.ID,
		Name:         t.Name,
		WorkingDir:   t.WorkingDir,
		Spec:         t.Spec,
		Dependencies: t.Dependencies,
		StdoutPath:   t.StdoutPath,
		StderrPath:   t.StderrPath,
	}
}

// Conn is a message-framed channel over a socket. It owns the socket and
// its read buffer and must not be shared between components.
type Conn struct {
	sock   net.Conn
	reader *bufio.Reader
}

// Dial connects to the given host and port and wraps the socket.
func Dial(host string, port int) (*Conn, error) {
	sock, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	return NewConn(sock), nil
}

// NewConn wraps an established socket.
func NewConn(sock net.Conn) *Conn {
	return &Conn{
		sock:   sock,
		reader: bufio.NewReader(sock),
	}
}

// Send marshals msg and writes it as a single newline-terminated line in
// one Write call. Nothing is buffered across messages; a blocking reader
// on the peer sees every message as soon as it is sent.
func (c *Conn) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	data = append(data, '\n')
	if _, err := c.sock.Write(data); err != nil {
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}
	return nil
}

// Recv reads one line and decodes it. It blocks until a full message is
// available or the connection fails.
func (c *Conn) Recv() (*Message, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	msg := &Message{}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type tag")
	}
	return msg, nil
}

// Close notifies the peer and releases the socket. The close message is
// best effort; the socket is released either way.
func (c *Conn) Close() error {
	_ = c.Send(&Message{Type: MsgClose})
	return c.sock.Close()
}

// CloseSocket releases the socket without sending a close notification.
// The server uses this for connections whose peer has already gone away.
func (c *Conn) CloseSocket() error {
	return c.sock.Close()
}

// RemoteAddr reports the address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}
