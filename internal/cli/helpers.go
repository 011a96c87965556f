package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lherron/bibupload/internal/cli/appctx"
	"github.com/lherron/bibupload/internal/id"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/render"
	"github.com/spf13/cobra"
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// ExitCode returns the exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

func renderer(app *appctx.App, cmd *cobra.Command) (*render.Renderer, error) {
	format, err := render.ParseFormat(app.Config.Output)
	if err != nil {
		return nil, exitError(2, err)
	}
	return render.NewRenderer(cmd.OutOrStdout(), format), nil
}

func parseRecordID(s string) (int64, error) {
	n, err := id.ParseRecord(s)
	if err != nil {
		return 0, exitError(2, err)
	}
	return n, nil
}

// writeRecord prints rec as MARCXML or in the line-oriented text form.
func writeRecord(cmd *cobra.Command, rec *record.Record, xml bool) error {
	if xml {
		data, err := record.MarshalMARCXML(rec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
	_, err := fmt.Fprint(cmd.OutOrStdout(), record.Text(rec))
	return err
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
