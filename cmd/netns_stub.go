//go:build !linux

package cmd

import (
	"fmt"
	"runtime"
)

func namespaceExists(name string) (bool, error) {
	return false, fmt.Errorf("network namespaces not supported on %s", runtime.GOOS)
}
