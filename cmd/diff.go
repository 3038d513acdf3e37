package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/floe/internal/iptables"
)

// RunDiff compares two iptables-save dumps and prints the restore
// directives that would transform the first into the second. With
// unified set it prints a unified diff instead.
func RunDiff(pathA, pathB string, unified bool) error {
	rawA, err := os.ReadFile(pathA)
	if err != nil {
		return fmt.Errorf("reading %s: %w", pathA, err)
	}
	rawB, err := os.ReadFile(pathB)
	if err != nil {
		return fmt.Errorf("reading %s: %w", pathB, err)
	}

	if unified {
		diff := difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(rawA)),
			B:        difflib.SplitLines(string(rawB)),
			FromFile: pathA,
			ToFile:   pathB,
			Context:  3,
		}
		text, err := difflib.GetUnifiedDiffString(diff)
		if err != nil {
			return fmt.Errorf("computing diff: %w", err)
		}
		if text == "" {
			Printer.Println("No changes detected.")
			return nil
		}
		fmt.Print(text)
		return fmt.Errorf("rulesets differ")
	}

	linesA := strings.Split(string(rawA), "\n")
	linesB := strings.Split(string(rawB), "\n")

	changed := false
	for _, table := range unionTables(linesA, linesB) {
		startA, endA := iptables.FindTable(linesA, table)
		startB, endB := iptables.FindTable(linesB, table)
		directives := iptables.DirectivePath(linesA[startA:endA], linesB[startB:endB])
		if len(directives) == 0 {
			continue
		}
		changed = true
		Printer.Printf("*%s\n", table)
		for _, d := range directives {
			Printer.Println(d)
		}
	}

	if !changed {
		Printer.Println("No changes detected.")
		return nil
	}
	return fmt.Errorf("rulesets differ")
}

// unionTables merges the table names of both dumps, keeping the first
// dump's ordering.
func unionTables(a, b []string) []string {
	names := iptables.TableNames(a)
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, n := range iptables.TableNames(b) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}
