package cli

import (
	"fmt"

	"github.com/lherron/bibupload/internal/render"
	"github.com/spf13/cobra"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Displays version, commit, and build date information.`,
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

type versionInfo struct {
	Version   string   `json:"version" yaml:"version"`
	Commit    string   `json:"commit" yaml:"commit"`
	BuildDate string   `json:"build_date" yaml:"build_date"`
	Modes     []string `json:"modes" yaml:"modes"`
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	format, err := render.ParseFormat(output)
	if err != nil {
		return exitError(2, err)
	}

	if format != render.FormatJSON && format != render.FormatYAML {
		fmt.Fprintf(cmd.OutOrStdout(), "bibupload version %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)
		return nil
	}

	info := versionInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		Modes:     []string{"insert", "replace", "replace_or_insert", "correct", "append", "delete"},
	}
	return render.NewRenderer(cmd.OutOrStdout(), format).Render(info, nil, nil)
}
