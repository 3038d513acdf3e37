package main

import (
	"flag"
	"os"

	"grimm.is/floe/cmd"
	"grimm.is/floe/internal/brand"
	"grimm.is/floe/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "show":
		showFlags := flag.NewFlagSet("show", flag.ExitOnError)
		namespace := showFlags.String("ns", "", "Network namespace to read from")
		ipv6 := showFlags.Bool("6", false, "Show ip6tables rules")
		showFlags.Parse(os.Args[2:])

		table := ""
		if len(showFlags.Args()) > 0 {
			table = showFlags.Arg(0)
		}
		if err := cmd.RunShow(*namespace, table, *ipv6); err != nil {
			printer.Fprintf(os.Stderr, "Show failed: %v\n", err)
			os.Exit(1)
		}

	case "diff":
		diffFlags := flag.NewFlagSet("diff", flag.ExitOnError)
		unified := diffFlags.Bool("u", false, "Print a unified diff instead of restore directives")
		diffFlags.Parse(os.Args[2:])

		if len(diffFlags.Args()) != 2 {
			printer.Fprintf(os.Stderr, "Usage: %s diff [-u] <old-dump> <new-dump>\n", brand.BinaryName)
			os.Exit(1)
		}
		if err := cmd.RunDiff(diffFlags.Arg(0), diffFlags.Arg(1), *unified); err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "counters":
		counterFlags := flag.NewFlagSet("counters", flag.ExitOnError)
		opts := cmd.CountersOptions{}
		counterFlags.StringVar(&opts.Namespace, "ns", "", "Network namespace to read from")
		counterFlags.StringVar(&opts.Prefix, "prefix", "", "Chain prefix (defaults to the binary name)")
		counterFlags.StringVar(&opts.Chain, "chain", "", "Chain to read counters for")
		counterFlags.BoolVar(&opts.Unwrapped, "unwrapped", false, "Treat the chain name as unprefixed")
		counterFlags.BoolVar(&opts.IPv6, "6", false, "Include ip6tables counters")
		counterFlags.BoolVar(&opts.Zero, "z", false, "Zero the counters while reading")
		counterFlags.BoolVar(&opts.JSON, "json", false, "Print counters as JSON")
		counterFlags.Parse(os.Args[2:])

		if opts.Chain == "" && len(counterFlags.Args()) > 0 {
			opts.Chain = counterFlags.Arg(0)
		}
		if err := cmd.RunCounters(opts); err != nil {
			printer.Fprintf(os.Stderr, "Counters failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		namespace := checkFlags.String("ns", "", "Network namespace applies will target")
		ipv6 := checkFlags.Bool("6", false, "Also check ip6tables binaries")
		checkFlags.Parse(os.Args[2:])

		if err := cmd.RunCheck(*namespace, *ipv6); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "history":
		historyFlags := flag.NewFlagSet("history", flag.ExitOnError)
		limit := historyFlags.Int("n", 20, "Maximum runs to show")
		status := historyFlags.String("status", "", "Filter by status (applied or failed)")
		dbPath := historyFlags.String("db", brand.GetJournalPath(), "Journal database path")
		historyFlags.Parse(os.Args[2:])

		if err := cmd.RunHistory(*dbPath, *limit, *status); err != nil {
			printer.Fprintf(os.Stderr, "History failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "-v", "--version":
		printer.Printf("%s %s", brand.Name, brand.Version)
		if brand.GitCommit != "unknown" {
			printer.Printf(" (%s)", brand.GitCommit)
		}
		printer.Println()

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  show      Display current kernel rules
            Options: -6, -ns <namespace>, [table]
  diff      Compare two iptables-save dumps
            Options: -u (unified diff)
  counters  Sum packet and byte counters for a chain
            Options: -chain <name>, -unwrapped, -6, -z, -json, -ns, -prefix
  check     Verify the host can apply rules
            Options: -6, -ns <namespace>
  history   Show recent apply runs from the journal
            Options: -n <limit>, -status <applied|failed>, -db <path>
  version   Print the version

Examples:
  %s show filter                    # Dump the filter table
  %s show -6 -ns qrouter-1          # Dump all IPv6 tables in a namespace
  %s diff before.rules after.rules  # Restore directives between dumps
  %s counters -chain snat -z        # Read and reset snat counters
  %s check -6                       # Preflight both address families
  %s history -status failed         # Recent failed applies
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName)
}
