package iptables

import (
	"errors"
	"fmt"
)

// ErrUnknownChain is returned when a rule is added to a wrapped chain
// that was never declared on its table.
var ErrUnknownChain = errors.New("unknown chain")

// ErrNotConverged is returned when a verification pass still produces
// directives immediately after a successful apply.
var ErrNotConverged = errors.New("iptables rules did not converge")

// ApplyError reports a failed iptables-restore batch. The batch is not
// retried. Line is the 1-based payload line the restore binary blamed,
// or 0 when it did not report one.
type ApplyError struct {
	Family Family
	Line   int
	Err    error
}

func (e *ApplyError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s restore failed at line %d: %v", e.Family, e.Line, e.Err)
	}
	return fmt.Sprintf("%s restore failed: %v", e.Family, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
