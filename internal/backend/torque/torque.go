// Package torque implements the backend ops for the Torque resource
// manager, shelling out to qsub, qstat, and qdel.
package torque

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbrandal/flowline/internal/backend"
	"github.com/mbrandal/flowline/internal/model"
)

// Name is the backend kind registered for Torque.
const Name = "torque"

// jobIDVar is Torque's job identifier variable.
const jobIDVar = "$PBS_JOBID"

// stateCodes maps qstat job state codes to the scheduler-independent
// vocabulary. Torque exposes hold state as its own code, so no dependency
// column is needed to tell held from queued.
var stateCodes = map[string]backend.JobState{
	"R": backend.JobRunning,
	"E": backend.JobRunning, // exiting, still occupies its node
	"S": backend.JobRunning, // suspended
	"Q": backend.JobQueued,
	"W": backend.JobQueued, // waiting for its scheduled start
	"T": backend.JobQueued, // in transit
	"H": backend.JobHeld,
	"C": backend.JobUnknown, // completed
	"X": backend.JobUnknown,
}

// ParseStateCode maps a raw qstat state code to the backend vocabulary.
func ParseStateCode(code string) backend.JobState {
	state, ok := stateCodes[code]
	if !ok {
		return backend.JobUnknown
	}
	return state
}

// compileHeader renders the PBS directive lines in fixed order. Torque
// combines node and core counts into one resource line; unrecognized
// target options are ignored.
func compileHeader(options map[string]string) []string {
	var header []string
	nodes, hasNodes := options["nodes"]
	cores, hasCores := options["cores"]
	switch {
	case hasNodes && hasCores:
		header = append(header, fmt.Sprintf("#PBS -l nodes=%s:ppn=%s", nodes, cores))
	case hasNodes:
		header = append(header, fmt.Sprintf("#PBS -l nodes=%s", nodes))
	case hasCores:
		header = append(header, fmt.Sprintf("#PBS -l nodes=1:ppn=%s", cores))
	}
	if memory, ok := options["memory"]; ok {
		header = append(header, "#PBS -l mem="+memory)
	}
	if walltime, ok := options["walltime"]; ok {
		header = append(header, "#PBS -l walltime="+walltime)
	}
	if queue, ok := options["queue"]; ok {
		header = append(header, "#PBS -q "+queue)
	}
	if account, ok := options["account"]; ok {
		header = append(header, "#PBS -A "+account)
	}
	if mailType, ok := options["mail_type"]; ok {
		header = append(header, "#PBS -m "+mailType)
	}
	if mailUser, ok := options["mail_user"]; ok {
		header = append(header, "#PBS -M "+mailUser)
	}
	return header
}

// CompileScript assembles the Torque submission script for a target.
func CompileScript(target *model.Target) string {
	return backend.AssembleScript(compileHeader(target.Options), jobIDVar, target)
}

// Compile-time interface satisfaction check.
var _ backend.Ops = (*Ops)(nil)

// Ops shells out to the Torque command-line tools.
type Ops struct {
	optionDefaults map[string]string
	logger         *slog.Logger

	run      backend.RunCommand
	lookPath backend.LookPath

	qstat string
	qsub  string
	qdel  string
}

// NewOps creates Torque ops with the production command runner.
func NewOps(optionDefaults map[string]string, logger *slog.Logger) *Ops {
	return &Ops{
		optionDefaults: optionDefaults,
		logger:         logger,
		run:            backend.ExecCommand,
		lookPath:       backend.FindExecutable,
	}
}

// New is the registry factory for the Torque backend.
func New(s backend.Settings) (backend.Backend, error) {
	return backend.NewTrackingBackend(Name, s.WorkingDir, NewOps(s.OptionDefaults, s.Logger), s.Logger), nil
}

// Configure resolves the required executables.
func (o *Ops) Configure(ctx context.Context) error {
	var err error
	if o.qstat, err = o.lookPath("qstat"); err != nil {
		return err
	}
	if o.qsub, err = o.lookPath("qsub"); err != nil {
		return err
	}
	if o.qdel, err = o.lookPath("qdel"); err != nil {
		return err
	}
	return nil
}

// JobStates asks Torque for all live jobs in one bulk query, parsing the
// default qstat table: job id, name, user, time, state code, queue.
func (o *Ops) JobStates(ctx context.Context) (map[string]backend.JobState, error) {
	stdout, _, err := o.run(ctx, "", o.qstat)
	if err != nil {
		return nil, fmt.Errorf("qstat: %w", err)
	}

	states := make(map[string]backend.JobState)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Job") || strings.HasPrefix(line, "---") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			o.logger.Warn("unparseable qstat line", "line", line)
			continue
		}
		states[fields[0]] = ParseStateCode(fields[4])
	}
	return states, nil
}

// Submit hands qsub the generated script on stdin and returns the trimmed
// job identifier. Dependencies become one afterok clause joining all
// dependency ids with colons.
func (o *Ops) Submit(ctx context.Context, target *model.Target, depJobIDs []string) (string, error) {
	args := []string{"-N", target.Name}
	if len(depJobIDs) > 0 {
		args = append(args, "-W", "depend=afterok:"+strings.Join(depJobIDs, ":"))
	}

	script := CompileScript(backend.ApplyOptionDefaults(target, o.optionDefaults))
	stdout, _, err := o.run(ctx, script, o.qsub, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

// Cancel cancels a live job.
func (o *Ops) Cancel(ctx context.Context, jobID string) error {
	if _, _, err := o.run(ctx, "", o.qdel, jobID); err != nil {
		return err
	}
	return nil
}

// Close is a no-op; the ops hold no resources.
func (o *Ops) Close() error {
	return nil
}
