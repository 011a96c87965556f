package cli

import (
	"errors"
	"strconv"

	"github.com/lherron/bibupload/internal/cli/appctx"
	"github.com/lherron/bibupload/internal/store"
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Read records from the primary store",
}

var recordShowCmd = &cobra.Command{
	Use:   "show <RECORD_ID>",
	Short: "Show the current version of a record",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runRecordShow),
}

var recordLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored records",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runRecordLs),
}

var (
	recordShowXML bool
	recordLimit   int
	recordOffset  int
)

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordShowCmd, recordLsCmd)

	recordShowCmd.Flags().BoolVar(&recordShowXML, "xml", false, "Print MARCXML instead of the text form")
	recordLsCmd.Flags().IntVar(&recordLimit, "limit", 100, "Maximum records to list")
	recordLsCmd.Flags().IntVar(&recordOffset, "offset", 0, "Records to skip")
}

func runRecordShow(app *appctx.App, cmd *cobra.Command, args []string) error {
	recID, err := parseRecordID(args[0])
	if err != nil {
		return err
	}
	rec, err := app.Store.Records.Load(cmd.Context(), recID)
	if errors.Is(err, store.ErrNotFound) {
		return exitError(1, err)
	}
	if err != nil {
		return err
	}
	return writeRecord(cmd, rec, recordShowXML)
}

func runRecordLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	headers, err := app.Store.Records.List(cmd.Context(), recordLimit, recordOffset)
	if err != nil {
		return err
	}

	r, err := renderer(app, cmd)
	if err != nil {
		return err
	}
	rows := make([][]string, len(headers))
	for i, h := range headers {
		rev := h.Revision
		if rev == "" {
			rev = "-"
		}
		rows[i] = []string{
			strconv.FormatInt(h.ID, 10),
			rev,
			h.ModifiedAt.Format("2006-01-02 15:04:05"),
		}
	}
	return r.Render(headers, []string{"ID", "REVISION", "MODIFIED"}, rows)
}
