package iptables

import "context"

// CommandRunner abstracts shell command execution so the engine can be
// tested without touching the kernel.
type CommandRunner interface {
	Run(name string, args ...string) error
	RunInput(input string, name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// ContextLock serializes apply passes against every other process that
// reshapes the same tables. Run acquires the named lock, invokes fn and
// releases the lock; acquisition honors context cancellation.
type ContextLock interface {
	Run(ctx context.Context, name string, fn func() error) error
}
