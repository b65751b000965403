package backend

import (
	"fmt"
	"strings"

	"github.com/mbrandal/flowline/internal/model"
)

// Environment variables exported into every submission script.
const (
	jobIDEnv      = "FLOWLINE_JOBID"
	targetNameEnv = "FLOWLINE_TARGET_NAME"
)

// optionOrder fixes the order in which directives are emitted. Options a
// scheduler has no flag for, and target options outside this table, are
// silently ignored.
var optionOrder = []string{
	"nodes",
	"cores",
	"memory",
	"walltime",
	"queue",
	"account",
	"constraint",
	"mail_type",
	"mail_user",
}

// DirectiveSet describes how a scheduler spells its submission script
// directives.
type DirectiveSet struct {
	// Prefix starts every directive line, like "#SBATCH " or "#PBS ".
	Prefix string
	// Flags maps recognized option keys to their flag text, like
	// "--mem=" or "-c ".
	Flags map[string]string
	// JobIDVar is the scheduler's job identifier variable, like
	// "$SLURM_JOBID".
	JobIDVar string
}

// ApplyOptionDefaults returns a copy of the target whose options are the
// defaults overlaid with the target's own options.
func ApplyOptionDefaults(target *model.Target, defaults map[string]string) *model.Target {
	if len(defaults) == 0 {
		return target
	}
	merged := make(map[string]string, len(defaults)+len(target.Options))
	for key, value := range defaults {
		merged[key] = value
	}
	for key, value := range target.Options {
		merged[key] = value
	}
	out := *target
	out.Options = merged
	return &out
}

// CompileScript assembles the submission script for a target: interpreter
// line, scheduler directives emitted from the table in fixed order, then
// the shared script tail.
func CompileScript(ds DirectiveSet, target *model.Target) string {
	var header []string
	for _, key := range optionOrder {
		value, ok := target.Options[key]
		if !ok {
			continue
		}
		flag, ok := ds.Flags[key]
		if !ok {
			continue
		}
		header = append(header, ds.Prefix+flag+value)
	}
	return AssembleScript(header, ds.JobIDVar, target)
}

// AssembleScript builds the full script around pre-rendered header lines:
// interpreter line, directives, a cd into the working directory,
// environment exports, a set -e so the script aborts on the first failing
// command, and finally the target's raw spec. Schedulers whose directives
// do not fit the one-flag-per-option table (Torque combines nodes and
// cores into one resource line) render their own header and come in here.
func AssembleScript(header []string, jobIDVar string, target *model.Target) string {
	var out strings.Builder
	out.WriteString("#!/bin/bash\n")
	for _, line := range header {
		out.WriteString(line)
		out.WriteString("\n")
	}

	out.WriteString("\n")
	out.WriteString("### Generated by flowline\n")
	fmt.Fprintf(&out, "cd %s\n", target.WorkingDir)
	fmt.Fprintf(&out, "export %s=%s\n", jobIDEnv, jobIDVar)
	fmt.Fprintf(&out, "export %s=%q\n", targetNameEnv, target.Name)
	out.WriteString("set -e\n")
	out.WriteString("\n")
	out.WriteString(target.Spec)
	return out.String()
}
