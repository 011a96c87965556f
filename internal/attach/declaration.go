// Package attach synchronizes a record's file-reference fields with the
// document store.
//
// Incoming FFT fields declare attachments and commands; they are turned
// into document store actions. Afterwards the record's internal 8564
// fields are rebuilt to mirror the store.
package attach

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/id"
	"github.com/lherron/bibupload/internal/record"
)

// Action is one instruction against the document store.
type Action int

const (
	ActionNone Action = iota
	ActionAddVersion
	ActionAddFormat
	ActionUpdateMeta
	ActionRename
	ActionSetRestriction
	ActionDelete
	ActionPurge
	ActionRevert
	ActionDeleteFile
	// ActionFixMARC only regenerates the file-reference fields.
	ActionFixMARC
)

var actionNames = map[Action]string{
	ActionNone:           "none",
	ActionAddVersion:     "add-version",
	ActionAddFormat:      "add-format",
	ActionUpdateMeta:     "update-meta",
	ActionRename:         "rename",
	ActionSetRestriction: "set-restriction",
	ActionDelete:         "delete",
	ActionPurge:          "purge",
	ActionRevert:         "revert",
	ActionDeleteFile:     "delete-file",
	ActionFixMARC:        "fix-marc",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// commands are the doctype values that are explicit commands.
var commands = map[string]Action{
	"PURGE":       ActionPurge,
	"DELETE":      ActionDelete,
	"REVERT":      ActionRevert,
	"DELETE-FILE": ActionDeleteFile,
	"FIX-MARC":    ActionFixMARC,
}

// Declaration is one parsed FFT field.
type Declaration struct {
	Source  string
	Docname string
	Format  string
	Doctype string
	// Command is ActionNone unless the doctype named a command.
	Command Action

	// nil means "keep the stored value".
	Description *string
	Comment     *string
	Restriction *string
	Flags       []string

	NewName string
	Version int

	// DocToken and VersionToken are temporary identifiers resolved to the
	// document id and version this declaration ends up on.
	DocToken     string
	VersionToken string
}

// HasSource reports whether the declaration brings new bytes.
func (d Declaration) HasSource() bool {
	return d.Source != ""
}

// HasMeta reports whether the declaration sets file metadata.
func (d Declaration) HasMeta() bool {
	return d.Description != nil || d.Comment != nil || len(d.Flags) > 0
}

// ParseDeclarations reads every field matching tag from rec.
func ParseDeclarations(rec *record.Record, tag string) ([]Declaration, error) {
	var out []Declaration
	for _, f := range rec.Fields(tag) {
		d, err := parseField(f)
		if err != nil {
			return nil, domain.Wrap(domain.KindInvalidRecord, err, "%s field %d", tag, f.Pos)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseField(f record.Field) (Declaration, error) {
	var d Declaration
	str := func(v string) *string { return &v }
	for _, sf := range f.Subfields {
		v := strings.TrimSpace(sf.Value)
		switch sf.Code {
		case "a":
			d.Source = v
		case "n":
			d.Docname = v
		case "f":
			d.Format = domain.NormalizeFormat(v)
		case "t":
			if cmd, ok := commands[strings.ToUpper(v)]; ok {
				d.Command = cmd
			} else {
				d.Doctype = v
			}
		case "d":
			d.Description = str(v)
		case "z":
			d.Comment = str(v)
		case "r":
			d.Restriction = str(v)
		case "o":
			if v != "" {
				d.Flags = append(d.Flags, v)
			}
		case "m":
			d.NewName = v
		case "v":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return d, fmt.Errorf("invalid version %q", v)
			}
			d.Version = n
		case "i":
			tok, ok := id.TmpToken(v)
			if !ok {
				return d, fmt.Errorf("document token %q must start with %s", v, id.TmpPrefix)
			}
			d.DocToken = tok
		case "w":
			tok, ok := id.TmpToken(v)
			if !ok {
				return d, fmt.Errorf("version token %q must start with %s", v, id.TmpPrefix)
			}
			d.VersionToken = tok
		}
	}

	if d.Source != "" {
		base := path.Base(d.Source)
		ext := filepath.Ext(base)
		if d.Docname == "" {
			d.Docname = strings.TrimSuffix(base, ext)
		}
		if d.Format == "" {
			d.Format = domain.NormalizeFormat(ext)
		}
	}
	if d.Docname == "" {
		return d, fmt.Errorf("missing docname")
	}
	if err := domain.ValidateDocname(d.Docname); err != nil {
		return d, err
	}
	if d.NewName != "" {
		if err := domain.ValidateDocname(d.NewName); err != nil {
			return d, err
		}
	}
	if d.Format != "" {
		if err := domain.ValidateFormat(d.Format); err != nil {
			return d, err
		}
	}
	if d.HasSource() && d.Format == "" {
		return d, fmt.Errorf("cannot infer format of %q", d.Source)
	}
	switch d.Command {
	case ActionRevert:
		if d.Version == 0 {
			return d, fmt.Errorf("REVERT needs a version")
		}
	case ActionDeleteFile:
		if d.Version == 0 || d.Format == "" {
			return d, fmt.Errorf("DELETE-FILE needs a format and a version")
		}
	}
	return d, nil
}
