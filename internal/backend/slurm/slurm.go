// Package slurm implements the backend ops for the Slurm workload
// manager, shelling out to sbatch, squeue, and scancel.
package slurm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbrandal/flowline/internal/backend"
	"github.com/mbrandal/flowline/internal/model"
)

// Name is the backend kind registered for Slurm.
const Name = "slurm"

// stateCodes maps squeue job state codes to the scheduler-independent
// vocabulary. See the squeue man page under JOB STATE CODES.
var stateCodes = map[string]backend.JobState{
	"BF": backend.JobUnknown, // BOOT_FAIL
	"CA": backend.JobUnknown, // CANCELLED
	"CD": backend.JobUnknown, // COMPLETED
	"CF": backend.JobRunning, // CONFIGURING
	"CG": backend.JobRunning, // COMPLETING
	"F":  backend.JobUnknown, // FAILED
	"NF": backend.JobUnknown, // NODE_FAIL
	"PD": backend.JobQueued,  // PENDING
	"PR": backend.JobUnknown, // PREEMPTED
	"R":  backend.JobRunning, // RUNNING
	"S":  backend.JobRunning, // SUSPENDED
	"TO": backend.JobUnknown, // TIMEOUT
	"SE": backend.JobQueued,  // SPECIAL_EXIT
}

// optionFlags maps recognized target options to sbatch directive flags.
var optionFlags = map[string]string{
	"nodes":      "-N ",
	"cores":      "-c ",
	"memory":     "--mem=",
	"walltime":   "-t ",
	"queue":      "-p ",
	"account":    "-A ",
	"constraint": "-C ",
	"mail_type":  "--mail-type=",
	"mail_user":  "--mail-user=",
}

// Directives is how Slurm spells its submission script header.
var Directives = backend.DirectiveSet{
	Prefix:   "#SBATCH ",
	Flags:    optionFlags,
	JobIDVar: "$SLURM_JOBID",
}

// ParseStateCode maps a raw squeue state code and dependency string to the
// backend vocabulary. A pending job that squeue reports with unmet
// dependencies is held, not queued.
func ParseStateCode(code, depends string) backend.JobState {
	state, ok := stateCodes[code]
	if !ok {
		return backend.JobUnknown
	}
	if state == backend.JobQueued && depends != "" {
		return backend.JobHeld
	}
	return state
}

// Compile-time interface satisfaction check.
var _ backend.Ops = (*Ops)(nil)

// Ops shells out to the Slurm command-line tools.
type Ops struct {
	optionDefaults map[string]string
	logger         *slog.Logger

	run      backend.RunCommand
	lookPath backend.LookPath

	squeue  string
	sbatch  string
	scancel string
}

// NewOps creates Slurm ops with the production command runner.
func NewOps(optionDefaults map[string]string, logger *slog.Logger) *Ops {
	return &Ops{
		optionDefaults: optionDefaults,
		logger:         logger,
		run:            backend.ExecCommand,
		lookPath:       backend.FindExecutable,
	}
}

// New is the registry factory for the Slurm backend.
func New(s backend.Settings) (backend.Backend, error) {
	return backend.NewTrackingBackend(Name, s.WorkingDir, NewOps(s.OptionDefaults, s.Logger), s.Logger), nil
}

// Configure resolves the required executables.
func (o *Ops) Configure(ctx context.Context) error {
	var err error
	if o.squeue, err = o.lookPath("squeue"); err != nil {
		return err
	}
	if o.sbatch, err = o.lookPath("sbatch"); err != nil {
		return err
	}
	if o.scancel, err = o.lookPath("scancel"); err != nil {
		return err
	}
	return nil
}

// JobStates asks Slurm for the state of all live jobs in one bulk query.
// Per-job polling would spawn a subprocess per job and risk overlong
// command lines, so everything comes back in one line-oriented table.
func (o *Ops) JobStates(ctx context.Context) (map[string]backend.JobState, error) {
	stdout, _, err := o.run(ctx, "", o.squeue, "--noheader", "--format=%i;%t;%E")
	if err != nil {
		return nil, fmt.Errorf("squeue: %w", err)
	}

	states := make(map[string]backend.JobState)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ";", 3)
		if len(fields) != 3 {
			o.logger.Warn("unparseable squeue line", "line", line)
			continue
		}
		states[fields[0]] = ParseStateCode(fields[1], fields[2])
	}
	return states, nil
}

// Submit hands sbatch the generated script on stdin and returns the
// trimmed job identifier. Dependencies become one afterok clause joining
// all dependency ids.
func (o *Ops) Submit(ctx context.Context, target *model.Target, depJobIDs []string) (string, error) {
	args := []string{"--parsable", "-J", target.Name}
	if len(depJobIDs) > 0 {
		args = append(args, "--dependency=afterok:"+strings.Join(depJobIDs, ","))
	}

	script := backend.CompileScript(Directives, backend.ApplyOptionDefaults(target, o.optionDefaults))
	stdout, _, err := o.run(ctx, script, o.sbatch, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

// Cancel cancels a live job.
func (o *Ops) Cancel(ctx context.Context, jobID string) error {
	if _, _, err := o.run(ctx, "", o.scancel, jobID); err != nil {
		return err
	}
	return nil
}

// Close is a no-op; the ops hold no resources.
func (o *Ops) Close() error {
	return nil
}
