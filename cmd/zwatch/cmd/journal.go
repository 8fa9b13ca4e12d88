package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zeami/zwatch/internal/adapters/bbolt"
	"github.com/zeami/zwatch/internal/adapters/socket"
	"github.com/zeami/zwatch/internal/app"
	"github.com/zeami/zwatch/internal/ports"
)

var (
	journalLimit int
	journalRuns  bool
	journalJSON  bool
	journalClear bool
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recently emitted events and past runs",
	Long: "Lists the newest journaled events. While the daemon runs they are fetched over " +
		"the control socket; otherwise the journal file is read directly. --runs and --clear " +
		"need the journal file and therefore a stopped daemon.",
	RunE: runJournal,
}

func init() {
	f := journalCmd.Flags()
	f.IntVarP(&journalLimit, "limit", "n", socket.DefaultRecentLimit, "number of entries")
	f.BoolVar(&journalRuns, "runs", false, "list run summaries instead of events")
	f.BoolVar(&journalJSON, "json", false, "print JSON lines")
	f.BoolVar(&journalClear, "clear", false, "delete all journaled events and runs")
}

func runJournal(cmd *cobra.Command, args []string) error {
	root := daemonRoot()
	limit := socket.ClampLimit(journalLimit)

	if !journalRuns && !journalClear {
		client := socket.NewClient(socket.SocketPath(root))
		if client.Ping() {
			res, err := client.Recent(limit)
			if err != nil {
				return err
			}
			return printEvents(res.Events, root)
		}
	}

	path := app.NewPaths(root).Journal
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no journal at %s. Start with: zwatch daemon start", path)
	}
	j, err := bbolt.Open(path)
	if err != nil {
		if isJournalLockError(err) {
			return errors.New(diagnoseJournalLock(root))
		}
		return err
	}
	defer j.Close()

	switch {
	case journalClear:
		if err := j.Clear(); err != nil {
			return err
		}
		fmt.Println("⚡ journal cleared")
		return nil
	case journalRuns:
		runs, err := j.Runs(limit)
		if err != nil {
			return err
		}
		if journalJSON {
			return printJSONLines(runs)
		}
		fmt.Print(formatRuns(runs))
		return nil
	}

	recs, err := j.Recent(limit)
	if err != nil {
		return err
	}
	events := make([]ports.ClassifiedEvent, len(recs))
	for i, r := range recs {
		events[i] = r.Event
	}
	return printEvents(events, root)
}

// printEvents prints oldest first so the newest line ends up last, like a log.
func printEvents(events []ports.ClassifiedEvent, root string) error {
	ordered := make([]ports.ClassifiedEvent, len(events))
	for i, ev := range events {
		ordered[len(events)-1-i] = ev
	}
	if journalJSON {
		return printJSONLines(ordered)
	}
	if len(ordered) == 0 {
		fmt.Println("no events recorded")
		return nil
	}
	for _, ev := range ordered {
		fmt.Println(formatEvent(ev, root))
	}
	return nil
}

func printJSONLines[T any](items []T) error {
	enc := json.NewEncoder(os.Stdout)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return err
		}
	}
	return nil
}
