package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/lherron/bibupload/internal/cli/appctx"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/render"
	"github.com/lherron/bibupload/internal/upload"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [FILE]",
	Short: "Upload a MARCXML batch",
	Long: `Upload processes every record of a MARCXML collection in order.

Modes:
  insert             create new records; identifiers must not match anything
  replace            replace stored records, keeping strong tags they omit
  replace_or_insert  replace when the record exists, insert otherwise
  correct            replace only the tags present in the submission
  append             add fields below the stored ones
  delete             remove the submitted fields from the stored records

Records carrying a revision marker (005) are checked against the history
log; conflicting submissions go to the holding pen instead of failing.

Reads from stdin when FILE is omitted or "-".

Exit codes: 0 all records applied or quarantined, 5 partial failure,
1 every record failed.

Examples:
  bibupload upload --mode insert batch.xml
  bibupload upload -m correct --actor cataloguer fixes.xml
  cat batch.xml | bibupload upload -m replace_or_insert --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runUpload),
}

var (
	uploadMode      string
	uploadForce     bool
	uploadDryRun    bool
	uploadNoHistory bool
	uploadActor     string
	uploadJobID     string
)

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVarP(&uploadMode, "mode", "m", "insert", "Upload mode")
	uploadCmd.Flags().BoolVar(&uploadForce, "force", false, "Create explicitly requested ids that do not exist")
	uploadCmd.Flags().BoolVar(&uploadDryRun, "dry-run", false, "Resolve and merge without writing anything")
	uploadCmd.Flags().BoolVar(&uploadNoHistory, "no-history", false, "Skip revision checks and history entries")
	uploadCmd.Flags().StringVar(&uploadActor, "actor", "", "Actor recorded in history entries (overrides BIBUPLOAD_ACTOR)")
	uploadCmd.Flags().StringVar(&uploadJobID, "job", "", "Job id recorded in history entries (default: random uuid)")
}

func runUpload(app *appctx.App, cmd *cobra.Command, args []string) error {
	mode, err := domain.ParseMode(uploadMode)
	if err != nil {
		return exitError(2, err)
	}
	actor := uploadActor
	if actor == "" {
		actor = app.Config.GetActor()
	}
	if err := domain.ValidateActor(actor); err != nil {
		return exitError(2, err)
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return exitError(1, fmt.Errorf("failed to open batch: %w", err))
		}
		defer f.Close()
		in = f
	}
	recs, err := record.ParseCollection(in)
	if err != nil {
		return exitError(1, fmt.Errorf("failed to parse batch: %w", err))
	}

	r, err := renderer(app, cmd)
	if err != nil {
		return err
	}

	engine := upload.NewFromStore(app.Store, app.Config, app.Log)
	rep, runErr := engine.Run(cmd.Context(), recs, upload.Options{
		Mode:      mode,
		Force:     uploadForce,
		DryRun:    uploadDryRun,
		NoHistory: uploadNoHistory || !app.Config.History,
		Actor:     actor,
		JobID:     uploadJobID,
	})
	if rep != nil {
		if err := renderReport(r, rep); err != nil {
			return err
		}
		if app.Config.Output == "" || render.Format(app.Config.Output) == render.FormatTable {
			rep.PrintSummary(cmd.ErrOrStderr())
		}
	}
	if runErr != nil {
		return exitError(1, runErr)
	}
	if code := rep.ExitCode(); code != 0 {
		return exitError(code, fmt.Errorf("%d of %d records failed", rep.Stats.Errored, len(rep.Results)))
	}
	return nil
}

func renderReport(r *render.Renderer, rep *upload.Report) error {
	rows := make([][]string, len(rep.Results))
	for i, res := range rep.Results {
		rows[i] = []string{
			strconv.Itoa(res.Index),
			strconv.Itoa(int(res.Status)),
			strconv.FormatInt(res.ID, 10),
			string(res.Outcome),
			res.Revision,
			truncate(res.Message, 80),
		}
	}
	return r.Render(rep, []string{"#", "STATUS", "ID", "OUTCOME", "REVISION", "MESSAGE"}, rows)
}
