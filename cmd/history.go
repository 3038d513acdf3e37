package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/floe/internal/journal"
)

// RunHistory prints recent apply runs from the journal, newest first.
// An empty status shows every run.
func RunHistory(dbPath string, limit int, status string) error {
	store, err := journal.NewStore(dbPath, 0)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer store.Close()

	var recs []journal.Record
	if status == "" {
		recs, err = store.Recent(limit)
	} else {
		recs, err = store.Query(time.Time{}, time.Now().Add(time.Hour), status, limit)
	}
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	if len(recs) == 0 {
		Printer.Println("No apply runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATUS\tFAMILIES\tDIRECTIVES\tDURATION\tNAMESPACE\tERROR")
	for _, rec := range recs {
		ns := rec.Namespace
		if ns == "" {
			ns = "-"
		}
		errText := rec.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\t%s\t%s\n",
			rec.Timestamp.Format(time.RFC3339), rec.Status, rec.Families,
			rec.Directives, rec.DurationMS, ns, errText)
	}
	return w.Flush()
}
