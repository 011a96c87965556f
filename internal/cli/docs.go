package cli

import (
	"fmt"
	"strconv"

	"github.com/lherron/bibupload/internal/cli/appctx"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/spf13/cobra"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Inspect documents attached to records",
}

var docsLsCmd = &cobra.Command{
	Use:   "ls <RECORD_ID>",
	Short: "List the documents and latest files of a record",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runDocsLs),
}

var docsRelationsCmd = &cobra.Command{
	Use:   "relations <RECORD_ID>",
	Short: "List relations touching the documents of a record",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runDocsRelations),
}

var docsAll bool

func init() {
	rootCmd.AddCommand(docsCmd)
	docsCmd.AddCommand(docsLsCmd, docsRelationsCmd)

	docsLsCmd.Flags().BoolVar(&docsAll, "all", false, "Include every version, not only the latest")
}

type docListing struct {
	Document domain.Document       `json:"document" yaml:"document"`
	Files    []domain.DocumentFile `json:"files" yaml:"files"`
}

func runDocsLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	recID, err := parseRecordID(args[0])
	if err != nil {
		return err
	}
	docs, err := app.Store.Documents.List(ctx, recID)
	if err != nil {
		return err
	}

	var listing []docListing
	var rows [][]string
	for _, d := range docs {
		var files []domain.DocumentFile
		if docsAll {
			files, err = app.Store.Documents.AllFiles(ctx, d.ID)
		} else {
			files, err = app.Store.Documents.Files(ctx, d.ID, 0)
		}
		if err != nil {
			return err
		}
		listing = append(listing, docListing{Document: d, Files: files})
		if len(files) == 0 {
			rows = append(rows, []string{strconv.FormatInt(d.ID, 10), d.Docname, d.Doctype, "-", "-", "-", ""})
			continue
		}
		for _, f := range files {
			rows = append(rows, []string{
				strconv.FormatInt(d.ID, 10),
				d.Docname,
				d.Doctype,
				strconv.Itoa(f.Version),
				f.Format,
				strconv.FormatInt(f.Size, 10),
				truncate(f.Description, 40),
			})
		}
	}

	r, err := renderer(app, cmd)
	if err != nil {
		return err
	}
	return r.Render(listing, []string{"DOC", "NAME", "TYPE", "VERSION", "FORMAT", "SIZE", "DESCRIPTION"}, rows)
}

func runDocsRelations(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	recID, err := parseRecordID(args[0])
	if err != nil {
		return err
	}
	docs, err := app.Store.Documents.List(ctx, recID)
	if err != nil {
		return err
	}
	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	rels, err := app.Store.Relations.ForDocuments(ctx, ids)
	if err != nil {
		return err
	}

	r, err := renderer(app, cmd)
	if err != nil {
		return err
	}
	rows := make([][]string, len(rels))
	for i, rel := range rels {
		rows[i] = []string{
			strconv.FormatInt(rel.ID, 10),
			rel.Type,
			endpoint(rel.From),
			endpoint(rel.To),
			strconv.Itoa(len(rel.Meta)),
		}
	}
	return r.Render(rels, []string{"ID", "TYPE", "FROM", "TO", "META"}, rows)
}

func endpoint(e domain.Endpoint) string {
	s := strconv.FormatInt(e.DocID, 10)
	if e.Version > 0 {
		s += fmt.Sprintf(";%d", e.Version)
	}
	if e.Format != "" {
		s += ";" + e.Format
	}
	return s
}
