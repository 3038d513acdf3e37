//go:build linux

package cmd

import (
	"errors"
	"io/fs"

	"github.com/vishvananda/netns"
)

// namespaceExists reports whether a named network namespace is present
// on the host.
func namespaceExists(name string) (bool, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	ns.Close()
	return true, nil
}
