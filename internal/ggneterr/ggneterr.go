// Package ggneterr defines the domain error kinds from spec.md §7 and the
// wrapping/unwrapping helpers the rest of the engine uses to attach and
// recover them. Errors are wrapped with github.com/pkg/errors, the same
// library the teacher wraps platform/CLI failures with throughout
// mantle/platform.
package ggneterr

import (
	"fmt"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/itcaffenet/ggnet", "ggneterr")

// Kind is a domain error classification, not a transport code. Callers above
// the orchestrator (out of scope here) map a Kind onto whatever transport
// codes they use.
type Kind string

const (
	NotFound       Kind = "NotFound"
	Conflict       Kind = "Conflict"
	ImageNotReady  Kind = "ImageNotReady"
	BadFormat      Kind = "BadFormat"
	IOError        Kind = "IOError"
	ISCSIError     Kind = "ISCSIError"
	DHCPReloadErr  Kind = "DHCPReloadError"
	Timeout        Kind = "Timeout"
	SystemNotReady Kind = "SystemNotReady"
	Internal       Kind = "Internal"
)

// kindError carries a Kind alongside the wrapped cause.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *kindError) Unwrap() error { return e.cause }

func (e *kindError) Cause() error { return e.cause }

// New returns an error of the given Kind wrapping msg.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, cause: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error, formatting msg as context the
// way errors.Wrap does.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// NewInternal builds an Internal-kind error for an invariant violation or
// unexpected condition (spec.md §7: "Internal ... always logged with a
// correlation id"). The id is logged alongside cause immediately, and also
// folded into the returned error's message, so an operator who only sees
// the error text can still find the matching log line.
func NewInternal(cause error, msg string) error {
	if cause == nil {
		return nil
	}
	id := uuid.NewString()
	plog.Errorf("internal error [%s]: %s: %v", id, msg, cause)
	return &kindError{kind: Internal, cause: errors.Wrapf(cause, "%s (correlation id %s)", msg, id)}
}

// KindOf recovers the Kind attached to err by Wrap/New, unwrapping through
// any number of errors.Wrap layers. It returns Internal if no Kind is
// attached, per spec.md §7 ("invariant violation or unexpected condition").
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		cause := errors.Unwrap(err)
		if cause == nil {
			break
		}
		err = cause
	}
	return Internal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ISCSIStepError wraps an iSCSI Adapter step failure with the failing step
// name, per spec.md §7 ("iSCSIError(step, detail)").
type ISCSIStepError struct {
	Op     string
	Step   string
	Detail error
}

func (e *ISCSIStepError) Error() string {
	return fmt.Sprintf("iscsi: %s: step %s: %v", e.Op, e.Step, e.Detail)
}

func (e *ISCSIStepError) Unwrap() error { return e.Detail }

// NewISCSIError builds a Kind-tagged ISCSIStepError.
func NewISCSIError(op, step string, detail error) error {
	return &kindError{kind: ISCSIError, cause: &ISCSIStepError{Op: op, Step: step, Detail: detail}}
}
