package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/lherron/bibupload/internal/cli/appctx"
	"github.com/lherron/bibupload/internal/db"
	"github.com/lherron/bibupload/internal/docstore"
	"github.com/lherron/bibupload/internal/render"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check database health and configuration",
	Long: `Performs health checks on the database, schema, id sequences and the
attachment object directory.

--fix raises sqlite sequences that fell behind explicitly allocated record ids.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.Options{NeedsDB: true, SkipMigrationCheck: true}, runDoctor),
}

var (
	doctorFix     bool
	doctorVerbose bool
)

type checkResult struct {
	Name    string   `json:"name" yaml:"name"`
	Status  string   `json:"status" yaml:"status"` // "ok", "warning", "error"
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
	Details []string `json:"details,omitempty" yaml:"details,omitempty"`
}

type doctorReport struct {
	DBPath        string        `json:"db_path" yaml:"db_path"`
	Checks        []checkResult `json:"checks" yaml:"checks"`
	Warnings      int           `json:"warnings" yaml:"warnings"`
	Errors        int           `json:"errors" yaml:"errors"`
	OverallStatus string        `json:"overall_status" yaml:"overall_status"`
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Repair sequence drift")
	doctorCmd.Flags().BoolVar(&doctorVerbose, "verbose", false, "Verbose output")
}

func runDoctor(app *appctx.App, cmd *cobra.Command, args []string) error {
	report := &doctorReport{
		DBPath:        app.DB.Path(),
		OverallStatus: "ok",
	}

	report.Checks = append(report.Checks, checkDatabasePragmas(app.DB)...)
	report.Checks = append(report.Checks, checkMigrations(app.DB))
	report.Checks = append(report.Checks, checkSequences(app, doctorFix))
	report.Checks = append(report.Checks, checkDanglingAllocations(app.DB))
	report.Checks = append(report.Checks, checkObjects(app.DB, app.Config.AttachDir)...)

	for _, check := range report.Checks {
		switch check.Status {
		case "warning":
			report.Warnings++
		case "error":
			report.Errors++
			report.OverallStatus = "error"
		}
	}
	if report.Warnings > 0 && report.OverallStatus == "ok" {
		report.OverallStatus = "warning"
	}

	format, err := render.ParseFormat(app.Config.Output)
	if err != nil {
		return exitError(2, err)
	}
	if format == render.FormatJSON || format == render.FormatYAML {
		if err := render.NewRenderer(cmd.OutOrStdout(), format).Render(report, nil, nil); err != nil {
			return err
		}
	} else {
		printDoctorReport(cmd.OutOrStdout(), report)
	}

	if report.Errors > 0 {
		return exitError(1, fmt.Errorf("%d check(s) failed", report.Errors))
	}
	return nil
}

func checkDatabasePragmas(database *db.DB) []checkResult {
	var results []checkResult

	var journalMode string
	database.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if journalMode == "wal" {
		results = append(results, checkResult{Name: "wal_mode", Status: "ok", Message: "WAL mode enabled"})
	} else {
		results = append(results, checkResult{
			Name:    "wal_mode",
			Status:  "warning",
			Message: fmt.Sprintf("WAL mode not enabled (current: %s)", journalMode),
		})
	}

	var foreignKeys int
	database.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	if foreignKeys == 1 {
		results = append(results, checkResult{Name: "foreign_keys", Status: "ok", Message: "Foreign keys enabled"})
	} else {
		results = append(results, checkResult{
			Name:    "foreign_keys",
			Status:  "error",
			Message: "Foreign keys not enabled",
			Details: []string{"Field and subfield rows can outlive their record"},
		})
	}

	var integrity string
	database.QueryRow("PRAGMA integrity_check").Scan(&integrity)
	if integrity == "ok" {
		results = append(results, checkResult{Name: "integrity_check", Status: "ok", Message: "Database integrity check passed"})
	} else {
		results = append(results, checkResult{
			Name:    "integrity_check",
			Status:  "error",
			Message: fmt.Sprintf("Database integrity check failed: %s", integrity),
			Details: []string{"Restore from backup recommended"},
		})
	}

	return results
}

func checkMigrations(database *db.DB) checkResult {
	applied, pending, err := database.MigrationStatus()
	if err != nil {
		return checkResult{Name: "migrations", Status: "error", Message: err.Error()}
	}
	if len(pending) > 0 {
		return checkResult{
			Name:    "migrations",
			Status:  "error",
			Message: fmt.Sprintf("%d pending migration(s)", len(pending)),
			Details: append([]string{"Run 'bibupload migrate'"}, pending...),
		}
	}
	return checkResult{Name: "migrations", Status: "ok", Message: fmt.Sprintf("Schema up to date (%d migrations)", len(applied))}
}

func checkSequences(app *appctx.App, fix bool) checkResult {
	specs := db.DefaultSequenceSpecs()
	drifts, err := db.SequenceDrifts(app.DB, specs)
	if err != nil {
		return checkResult{Name: "sequences", Status: "error", Message: err.Error()}
	}
	if len(drifts) == 0 {
		return checkResult{Name: "sequences", Status: "ok", Message: "Id sequences consistent"}
	}

	var details []string
	for _, d := range drifts {
		details = append(details, fmt.Sprintf("%s: sequence %d, max id %d", d.SeqTable, d.SeqValue, d.MaxID))
	}
	if !fix {
		return checkResult{
			Name:    "sequences",
			Status:  "warning",
			Message: fmt.Sprintf("%d sequence(s) behind their tables", len(drifts)),
			Details: append(details, "Use --fix to raise them"),
		}
	}

	fixed, err := db.FixSequenceDrifts(app.DB, specs)
	if err != nil {
		return checkResult{Name: "sequences", Status: "error", Message: err.Error(), Details: details}
	}
	app.Log.Info("sequence drift repaired", "count", len(fixed))
	return checkResult{
		Name:    "sequences",
		Status:  "ok",
		Message: fmt.Sprintf("Repaired %d sequence(s)", len(fixed)),
		Details: details,
	}
}

// Rows allocated by an upload that never committed: no revision, no fields.
func checkDanglingAllocations(database *db.DB) checkResult {
	var n int
	database.QueryRow(`
		SELECT COUNT(*) FROM records r
		WHERE r.revision = ''
		AND NOT EXISTS (SELECT 1 FROM record_fields f WHERE f.record_id = r.id)
	`).Scan(&n)
	if n == 0 {
		return checkResult{Name: "dangling_ids", Status: "ok", Message: "No dangling record ids"}
	}
	return checkResult{
		Name:    "dangling_ids",
		Status:  "warning",
		Message: fmt.Sprintf("%d allocated record id(s) without content", n),
		Details: []string{"An upload was interrupted between allocation and commit"},
	}
}

func checkObjects(database *db.DB, attachDir string) []checkResult {
	info, err := os.Stat(attachDir)
	if err != nil || !info.IsDir() {
		var files int
		database.QueryRow(`SELECT COUNT(*) FROM document_files`).Scan(&files)
		status := "ok"
		if files > 0 {
			status = "error"
		}
		return []checkResult{{
			Name:    "attach_dir_exists",
			Status:  status,
			Message: fmt.Sprintf("Attachment directory not found: %s (%d file rows)", attachDir, files),
		}}
	}

	results := []checkResult{{
		Name:    "attach_dir_exists",
		Status:  "ok",
		Message: fmt.Sprintf("Attachment directory: %s", attachDir),
	}}

	rows, err := database.Query(`SELECT DISTINCT path FROM document_files`)
	if err != nil {
		return append(results, checkResult{Name: "objects", Status: "error", Message: err.Error()})
	}
	defer rows.Close()

	var total int
	var missing []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return append(results, checkResult{Name: "objects", Status: "error", Message: err.Error()})
		}
		total++
		if _, err := os.Stat(docstore.AbsolutePath(attachDir, p)); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return append(results, checkResult{
			Name:    "objects",
			Status:  "error",
			Message: fmt.Sprintf("%d of %d object(s) missing", len(missing), total),
			Details: missing,
		})
	}
	return append(results, checkResult{
		Name:    "objects",
		Status:  "ok",
		Message: fmt.Sprintf("%d object(s) present", total),
	})
}

func printDoctorReport(out io.Writer, report *doctorReport) {
	fmt.Fprintf(out, "Database: %s\n\n", report.DBPath)

	for _, check := range report.Checks {
		icon := "✓"
		switch check.Status {
		case "warning":
			icon = "⚠"
		case "error":
			icon = "✗"
		}
		fmt.Fprintf(out, "  %s %s\n", icon, check.Message)
		if doctorVerbose {
			for _, detail := range check.Details {
				fmt.Fprintf(out, "      %s\n", detail)
			}
		}
	}
	fmt.Fprintln(out)

	switch {
	case report.Errors > 0:
		fmt.Fprintf(out, "Summary: %d error(s), %d warning(s)\n", report.Errors, report.Warnings)
	case report.Warnings > 0:
		fmt.Fprintf(out, "Summary: %d warning(s)\n", report.Warnings)
	default:
		fmt.Fprintln(out, "Summary: All checks passed ✓")
	}
}
