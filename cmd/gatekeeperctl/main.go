// gatekeeperctl runs promotion gates and rollbacks from CI pipelines and
// evaluates threshold policies offline.
//
// Usage:
//
//	gatekeeperctl gate --model <name> --run <run-id>
//	gatekeeperctl rollback --model <name> --reason <text>
//	gatekeeperctl versions --model <name> [--stage <stage>]
//	gatekeeperctl policy validate --policy <file>
//	gatekeeperctl policy evaluate --policy <file> --candidate <metrics.json> [--baseline <metrics.json>]
//
// Exit codes: 0 promote, rollback or success; 3 reject or failed evaluation;
// 4 concurrent modification (safe to retry); 1 any other error.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

const (
	exitOK                     = 0
	exitError                  = 1
	exitRejected               = 3
	exitConcurrentModification = 4
)

// version is set at build time via -ldflags.
var version = "dev"

// codedError carries a specific process exit code.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

var errRejected = errors.New("rejected")

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	if errors.Is(err, domain.ErrConcurrentModification) {
		return exitConcurrentModification
	}
	return exitError
}

func run(args []string, stdout, stderr io.Writer, open opener) int {
	root := newRootCmd(open)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err != nil && !errors.Is(err, errRejected) {
		fmt.Fprintln(stderr, "error:", err)
	}
	return exitCode(err)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, openFromEnv))
}
