//go:build !linux
// +build !linux

package iptables

import (
	"fmt"
	"runtime"
)

// ErrNotSupported is returned when iptables operations are attempted on
// non-Linux systems.
var ErrNotSupported = fmt.Errorf("iptables operations not supported on %s", runtime.GOOS)

// RealCommandRunner executes actual shell commands (stub for non-Linux).
type RealCommandRunner struct{}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{}

// Run returns ErrNotSupported on non-Linux systems.
func (r *RealCommandRunner) Run(name string, args ...string) error {
	return ErrNotSupported
}

// Output returns ErrNotSupported on non-Linux systems.
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return nil, ErrNotSupported
}

// RunInput returns ErrNotSupported on non-Linux systems.
func (r *RealCommandRunner) RunInput(input string, name string, args ...string) error {
	return ErrNotSupported
}
