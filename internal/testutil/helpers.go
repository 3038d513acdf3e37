package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the FLOE_VM_TEST environment variable is not set.
// This ensures that tests requiring real kernel capabilities (iptables, netns)
// are only run in the proper environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("FLOE_VM_TEST") == "" {
		t.Skip("Skipping test: requires FLOE_VM_TEST environment")
	}
}

// RequireRoot skips the test unless running as root. Lock and netns tests
// need real privileges even inside the VM environment.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
