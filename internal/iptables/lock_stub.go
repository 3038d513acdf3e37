//go:build !linux
// +build !linux

package iptables

import "context"

// Run returns ErrNotSupported on non-Linux systems.
func (l *FlockLock) Run(ctx context.Context, name string, fn func() error) error {
	return ErrNotSupported
}
