// ggnetd is the diskless-boot session orchestration daemon: it binds the
// Image Store, iSCSI Adapter, Boot-file Generator, and Process Runner into
// the Session Orchestrator, fronted by a small cobra command tree.
package main

import (
	"fmt"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
)

var plog = capnslog.NewPackageLogger("github.com/itcaffenet/ggnet", "ggnetd")

var root = &cobra.Command{
	Use:   "ggnetd",
	Short: "ggnet diskless-boot session orchestrator",
}

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level error to the process exit code spec.md §6
// defines: 0 normal shutdown, 1 unrecoverable startup failure (pre-flight
// red in strict mode), 2 configuration error.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *configError:
		return 2
	case *startupError:
		return 1
	default:
		return 1
	}
}

// configError marks an error originating from environment/config parsing.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// startupError marks an error in pre-flight/engine startup.
type startupError struct{ err error }

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }
