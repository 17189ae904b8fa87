// Package processrunner executes allow-listed administrative commands
// (qemu-img, targetcli, DHCP service reloads) with a mandatory timeout,
// captured output, and structured errors (spec.md §4.1).
//
// It is an extension of os/exec in the same spirit as the teacher's
// mantle/system/exec: a small Cmd-like wrapper adding context cancellation,
// a hard-kill grace period, and a closed failure taxonomy instead of raw
// *exec.ExitError values.
package processrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/itcaffenet/ggnet", "processrunner")

// DefaultTimeout is used when a caller does not specify one (spec.md §4.1).
const DefaultTimeout = 60 * time.Second

// DefaultKillGrace is how long a signalled child is given to exit before
// being hard-killed.
const DefaultKillGrace = 5 * time.Second

// FailureKind classifies why a Run call failed, independent of the domain
// error Kinds in ggneterr — callers (the iSCSI Adapter, the orchestrator's
// DHCP reload) wrap a failed Run in their own ggneterr.Kind.
type FailureKind string

const (
	FailureNotFound    FailureKind = "NotFound"
	FailureTimeout     FailureKind = "Timeout"
	FailureNonZeroExit FailureKind = "NonZeroExit"
	FailureSignalled   FailureKind = "Signalled"
)

// RunError is returned by Run on any non-success outcome.
type RunError struct {
	Kind     FailureKind
	Program  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	switch e.Kind {
	case FailureNotFound:
		return fmt.Sprintf("processrunner: %s: command not found", e.Program)
	case FailureTimeout:
		return fmt.Sprintf("processrunner: %s: timed out", e.Program)
	case FailureSignalled:
		return fmt.Sprintf("processrunner: %s: signalled: %v", e.Program, e.Err)
	default:
		return fmt.Sprintf("processrunner: %s: exit %d: %s", e.Program, e.ExitCode, e.Stderr)
	}
}

func (e *RunError) Unwrap() error { return e.Err }

// Result is the outcome of a successful Run call.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes allow-listed programs. The zero value is not usable; use
// New.
type Runner struct {
	// resolved maps a logical program name (e.g. "qemu-img") to its
	// allow-listed absolute path, resolved once at startup.
	resolved map[string]string
	killGrace time.Duration
}

// New resolves every name in allowList to an absolute path via exec.LookPath
// and returns a Runner that will only ever execute those programs. This is
// the allow-list security boundary from spec.md §4.1: arguments are always
// passed as a pre-split list, never a shell string, and no other program
// name is ever callable.
func New(allowList []string) (*Runner, error) {
	r := &Runner{resolved: make(map[string]string, len(allowList)), killGrace: DefaultKillGrace}
	for _, name := range allowList {
		path, err := exec.LookPath(name)
		if err != nil {
			return nil, errors.Wrapf(err, "processrunner: resolving allow-listed program %q", name)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrapf(err, "processrunner: resolving absolute path for %q", name)
		}
		r.resolved[name] = abs
		plog.Infof("resolved %s -> %s", name, abs)
	}
	return r, nil
}

// Resolved reports the absolute path a logical program name resolves to, and
// whether it is allow-listed at all.
func (r *Runner) Resolved(name string) (string, bool) {
	p, ok := r.resolved[name]
	return p, ok
}

// Run executes program with args, enforcing timeout (DefaultTimeout if
// zero). Cancellation is cooperative: on timeout or ctx cancellation the
// child is signalled and, if it has not exited within killGrace, killed
// outright.
func (r *Runner) Run(ctx context.Context, program string, args []string, timeout time.Duration) (*Result, error) {
	path, ok := r.resolved[program]
	if !ok {
		return nil, &RunError{Kind: FailureNotFound, Program: program, Args: args}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(cmdInterrupt())
	}
	cmd.WaitDelay = r.killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)

	if err == nil {
		plog.Infof("%s %v: ok in %s", program, args, dur)
		return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0, Duration: dur}, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &RunError{Kind: FailureTimeout, Program: program, Args: args, Stderr: stderr.String(), Err: err}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ProcessState != nil && !exitErr.ProcessState.Exited() {
			return nil, &RunError{Kind: FailureSignalled, Program: program, Args: args, Stderr: stderr.String(), Err: err}
		}
		return nil, &RunError{
			Kind:     FailureNonZeroExit,
			Program:  program,
			Args:     args,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
			Err:      err,
		}
	}

	return nil, &RunError{Kind: FailureNotFound, Program: program, Args: args, Err: err}
}
