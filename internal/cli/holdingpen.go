package cli

import (
	"fmt"
	"strconv"

	"github.com/lherron/bibupload/internal/cli/appctx"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/store"
	"github.com/spf13/cobra"
)

var holdingPenCmd = &cobra.Command{
	Use:     "holdingpen",
	Aliases: []string{"hp"},
	Short:   "Inspect quarantined submissions",
}

var holdingPenLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List holding pen entries, newest first",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runHoldingPenLs),
}

var holdingPenShowCmd = &cobra.Command{
	Use:   "show <ENTRY_ID>",
	Short: "Show a quarantined submission",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runHoldingPenShow),
}

var (
	holdingPenJob      string
	holdingPenMatched  int64
	holdingPenExternal string
	holdingPenLimit    int
	holdingPenXML      bool
)

func init() {
	rootCmd.AddCommand(holdingPenCmd)
	holdingPenCmd.AddCommand(holdingPenLsCmd, holdingPenShowCmd)

	holdingPenLsCmd.Flags().StringVar(&holdingPenJob, "job", "", "Only entries from this job")
	holdingPenLsCmd.Flags().Int64Var(&holdingPenMatched, "matched", 0, "Only entries matched to this record id")
	holdingPenLsCmd.Flags().StringVar(&holdingPenExternal, "external", "", "Only entries with this external identifier")
	holdingPenLsCmd.Flags().IntVar(&holdingPenLimit, "limit", 100, "Maximum entries to list")
	holdingPenShowCmd.Flags().BoolVar(&holdingPenXML, "xml", false, "Print MARCXML instead of the text form")
}

func runHoldingPenLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	entries, err := app.Store.HoldingPen.List(cmd.Context(), store.HoldingPenFilter{
		ExternalID: holdingPenExternal,
		MatchedID:  holdingPenMatched,
		JobID:      holdingPenJob,
		Limit:      holdingPenLimit,
	})
	if err != nil {
		return err
	}

	r, err := renderer(app, cmd)
	if err != nil {
		return err
	}
	rows := make([][]string, len(entries))
	for i, e := range entries {
		matched := "-"
		if e.MatchedID > 0 {
			matched = strconv.FormatInt(e.MatchedID, 10)
		}
		rows[i] = []string{
			strconv.FormatInt(e.ID, 10),
			e.ExternalID,
			matched,
			e.Reason,
			e.JobID,
			e.CreatedAt.Format("2006-01-02 15:04:05"),
		}
	}
	return r.Render(entries, []string{"ID", "EXTERNAL", "MATCHED", "REASON", "JOB", "CREATED"}, rows)
}

func runHoldingPenShow(app *appctx.App, cmd *cobra.Command, args []string) error {
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || n <= 0 {
		return exitError(2, fmt.Errorf("invalid holding pen entry id: %q", args[0]))
	}
	entry, err := app.Store.HoldingPen.Get(cmd.Context(), n)
	if err != nil {
		return exitError(1, err)
	}
	rec, err := record.ParseMARCXML([]byte(entry.Snapshot))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "# entry %d: %s (job %s)\n", entry.ID, entry.Reason, entry.JobID)
	return writeRecord(cmd, rec, holdingPenXML)
}
