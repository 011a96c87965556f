package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/lherron/bibupload/internal/cli/appctx"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/store"
	"github.com/lherron/bibupload/internal/ticket"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the history log of a record",
}

var historyLsCmd = &cobra.Command{
	Use:   "ls <RECORD_ID>",
	Short: "List the committed versions of a record",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runHistoryLs),
}

var historyShowCmd = &cobra.Command{
	Use:   "show <RECORD_ID> [REVISION]",
	Short: "Show a record as committed at a revision (default: latest)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runHistoryShow),
}

var historyDiffCmd = &cobra.Command{
	Use:   "diff <RECORD_ID> <REVISION> [REVISION]",
	Short: "Diff two versions of a record",
	Long: `Diff prints a unified diff between two committed versions of a record.
With a single revision the diff runs against the latest version.

Examples:
  bibupload history diff 42 20240101120000.0
  bibupload history diff 42 20240101120000.0 20240102093000.0`,
	Args: cobra.RangeArgs(2, 3),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runHistoryDiff),
}

var historyShowXML bool

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyLsCmd, historyShowCmd, historyDiffCmd)

	historyShowCmd.Flags().BoolVar(&historyShowXML, "xml", false, "Print MARCXML instead of the text form")
}

func runHistoryLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	recID, err := parseRecordID(args[0])
	if err != nil {
		return err
	}
	entries, err := app.Store.History.List(cmd.Context(), recID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return exitError(1, fmt.Errorf("record %d has no history", recID))
	}

	r, err := renderer(app, cmd)
	if err != nil {
		return err
	}
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{e.Revision, e.Actor, e.JobID, e.Affected}
	}
	return r.Render(entries, []string{"REVISION", "ACTOR", "JOB", "AFFECTED"}, rows)
}

func runHistoryShow(app *appctx.App, cmd *cobra.Command, args []string) error {
	recID, err := parseRecordID(args[0])
	if err != nil {
		return err
	}
	var entry *domain.HistoryEntry
	if len(args) == 2 {
		entry, err = app.Store.History.Get(cmd.Context(), recID, args[1])
	} else {
		entry, err = app.Store.History.Latest(cmd.Context(), recID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return exitError(1, err)
	}
	if err != nil {
		return err
	}
	rec, err := record.ParseMARCXML([]byte(entry.Snapshot))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "# revision %s by %s (affected %s)\n", entry.Revision, entry.Actor, entry.Affected)
	return writeRecord(cmd, rec, historyShowXML)
}

func runHistoryDiff(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	recID, err := parseRecordID(args[0])
	if err != nil {
		return err
	}
	from, err := app.Store.History.Snapshot(ctx, recID, args[1])
	if err != nil {
		return exitError(1, err)
	}

	toRev := ""
	if len(args) == 3 {
		toRev = args[2]
	} else {
		latest, err := app.Store.History.Latest(ctx, recID)
		if err != nil {
			return exitError(1, err)
		}
		toRev = latest.Revision
	}
	to, err := app.Store.History.Snapshot(ctx, recID, toRev)
	if err != nil {
		return exitError(1, err)
	}

	diff, err := ticket.Diff(from, to, strconv.FormatInt(recID, 10)+"@"+args[1], strconv.FormatInt(recID, 10)+"@"+toRev)
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "No differences.")
		return nil
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), diff)
	return err
}
