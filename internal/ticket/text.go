package ticket

import (
	"fmt"
	"strings"

	"github.com/lherron/bibupload/internal/record"
	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders a unified diff between the text forms of two records.
func Diff(from, to *record.Record, fromName, toName string) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(record.Text(from)),
		B:        difflib.SplitLines(record.Text(to)),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	}
	return difflib.GetUnifiedDiffString(ud)
}

// ConflictText is the ticket body for a record sent to the holding pen.
func ConflictText(recID int64, reason string, stored, submitted *record.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Record %d was not uploaded: %s\n", recID, reason)
	if stored == nil || submitted == nil {
		return b.String()
	}
	diff, err := Diff(stored, submitted, "stored", "submitted")
	if err != nil || diff == "" {
		return b.String()
	}
	b.WriteString("\n")
	b.WriteString(diff)
	return b.String()
}
