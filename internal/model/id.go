package model

import "github.com/oklog/ulid/v2"

// NewTaskID generates a new ULID string for use as a task identifier.
func NewTaskID() string {
	return ulid.Make().String()
}
