package backend_test

import (
	"strings"
	"testing"

	"github.com/mbrandal/flowline/internal/backend"
	"github.com/mbrandal/flowline/internal/model"
)

var testDirectives = backend.DirectiveSet{
	Prefix: "#SBATCH ",
	Flags: map[string]string{
		"nodes":    "-N ",
		"cores":    "-c ",
		"memory":   "--mem=",
		"walltime": "-t ",
		"queue":    "-p ",
	},
	JobIDVar: "$SLURM_JOBID",
}

func TestCompileScriptDirectiveOrder(t *testing.T) {
	target := &model.Target{
		Name:       "align",
		WorkingDir: "/data/run1",
		Spec:       "echo aligning\n",
		Options: map[string]string{
			"queue":    "normal",
			"cores":    "4",
			"memory":   "8g",
			"nodes":    "1",
			"walltime": "01:00:00",
		},
	}

	script := backend.CompileScript(testDirectives, target)
	lines := strings.Split(script, "\n")

	want := []string{
		"#!/bin/bash",
		"#SBATCH -N 1",
		"#SBATCH -c 4",
		"#SBATCH --mem=8g",
		"#SBATCH -t 01:00:00",
		"#SBATCH -p normal",
	}
	for i, line := range want {
		if lines[i] != line {
			t.Errorf("line %d = %q, want %q", i, lines[i], line)
		}
	}
}

func TestCompileScriptTail(t *testing.T) {
	target := &model.Target{
		Name:       "align",
		WorkingDir: "/data/run1",
		Spec:       "echo aligning\n",
	}

	script := backend.CompileScript(testDirectives, target)

	for _, want := range []string{
		"cd /data/run1\n",
		"export FLOWLINE_JOBID=$SLURM_JOBID\n",
		"export FLOWLINE_TARGET_NAME=\"align\"\n",
		"set -e\n",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
	if !strings.HasSuffix(script, "echo aligning\n") {
		t.Errorf("script does not end with the raw spec:\n%s", script)
	}

	// set -e must come before the spec so a failing command aborts it.
	if strings.Index(script, "set -e") > strings.Index(script, "echo aligning") {
		t.Error("set -e appears after the spec")
	}
}

func TestCompileScriptIgnoresUnrecognizedOptions(t *testing.T) {
	target := &model.Target{
		Name:       "align",
		WorkingDir: "/data/run1",
		Spec:       "true\n",
		Options: map[string]string{
			"cores":      "4",
			"gpu_shader": "on", // not a directive anywhere
		},
	}

	script := backend.CompileScript(testDirectives, target)
	if strings.Contains(script, "gpu_shader") {
		t.Errorf("unrecognized option leaked into script:\n%s", script)
	}
	if !strings.Contains(script, "#SBATCH -c 4") {
		t.Errorf("recognized option missing:\n%s", script)
	}
}

func TestApplyOptionDefaults(t *testing.T) {
	target := &model.Target{
		Name:    "align",
		Options: map[string]string{"cores": "8"},
	}
	defaults := map[string]string{"cores": "1", "walltime": "01:00:00"}

	merged := backend.ApplyOptionDefaults(target, defaults)

	if merged.Options["cores"] != "8" {
		t.Errorf("target option overridden by default: cores = %q", merged.Options["cores"])
	}
	if merged.Options["walltime"] != "01:00:00" {
		t.Errorf("default not applied: walltime = %q", merged.Options["walltime"])
	}
	// The input target must not be mutated.
	if _, ok := target.Options["walltime"]; ok {
		t.Error("ApplyOptionDefaults mutated the target")
	}
}
