package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/tabwriter"

	"grimm.is/floe/internal/brand"
)

// RunCheck verifies the host has everything an apply needs: the
// gateway binaries on PATH, a writable lock directory, and when a
// namespace is given, that it exists.
func RunCheck(namespace string, ipv6 bool) error {
	type checkResult struct {
		name string
		err  error
	}
	var results []checkResult

	binaries := []string{"iptables-save", "iptables-restore", "iptables"}
	if ipv6 {
		binaries = append(binaries, "ip6tables-save", "ip6tables-restore", "ip6tables")
	}
	if namespace != "" {
		binaries = append(binaries, "ip")
	}
	for _, bin := range binaries {
		_, err := exec.LookPath(bin)
		results = append(results, checkResult{"binary " + bin, err})
	}

	results = append(results, checkResult{
		"lock dir " + brand.GetLockDir(),
		probeLockDir(brand.GetLockDir()),
	})

	if namespace != "" {
		exists, err := namespaceExists(namespace)
		if err == nil && !exists {
			err = fmt.Errorf("namespace does not exist")
		}
		results = append(results, checkResult{"namespace " + namespace, err})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	failed := 0
	for _, r := range results {
		status := "ok"
		if r.err != nil {
			status = r.err.Error()
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\n", r.name, status)
	}
	w.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(results))
	}
	Printer.Printf("All %d checks passed.\n", len(results))
	return nil
}

// probeLockDir verifies lock files can actually be created there.
func probeLockDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".check")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}
