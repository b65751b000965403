package model

// Target is a unit of declared work from the workflow definition. Targets
// are constructed upstream by the workflow graph and are immutable for the
// duration of a run.
type Target struct {
	Name       string            `json:"name"`
	WorkingDir string            `json:"working_dir"`
	Spec       string            `json:"spec"`
	Options    map[string]string `json:"options,omitempty"`
	Deps       []string          `json:"deps,omitempty"`
}

// Task is the local backend's runtime submission record for a target.
// The ID is generated client-side and is globally unique per submission.
// Tasks are immutable after creation; the server owns them for the task's
// lifetime.
type Task struct {
	ID           string   `json:"task_id"`
	Name         string   `json:"name"`
	WorkingDir   string   `json:"working_dir"`
	Spec         string   `json:"spec"`
	Dependencies []string `json:"dependencies"`
	StdoutPath   string   `json:"stdout_path"`
	StderrPath   string   `json:"stderr_path"`
}
