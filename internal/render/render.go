// Package render writes command output as a table, TSV, JSON or YAML.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatTSV   Format = "tsv"
)

// ParseFormat validates an output format name. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML, FormatTSV:
		return f, nil
	default:
		return "", fmt.Errorf("invalid output format %q: must be one of table, json, yaml, tsv", s)
	}
}

// Renderer handles output rendering
type Renderer struct {
	writer io.Writer
	format Format
}

// NewRenderer creates a new renderer
func NewRenderer(writer io.Writer, format Format) *Renderer {
	return &Renderer{writer: writer, format: format}
}

// Render writes data in the structured formats and headers/rows in the
// tabular ones.
func (r *Renderer) Render(data any, headers []string, rows [][]string) error {
	switch r.format {
	case FormatJSON:
		return r.JSON(data)
	case FormatYAML:
		return r.YAML(data)
	case FormatTSV:
		return r.TSV(headers, rows)
	default:
		return r.Table(headers, rows)
	}
}

// JSON renders data as indented JSON
func (r *Renderer) JSON(data any) error {
	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// YAML renders data as YAML
func (r *Renderer) YAML(data any) error {
	encoder := yaml.NewEncoder(r.writer)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

// TSV renders data as tab-separated values
func (r *Renderer) TSV(headers []string, rows [][]string) error {
	if _, err := fmt.Fprintln(r.writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(r.writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// Table renders rows as aligned columns under a header line.
func (r *Renderer) Table(headers []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	r.row(headers, widths)
	seps := make([]string, len(widths))
	for i, w := range widths {
		seps[i] = strings.Repeat("-", w)
	}
	r.row(seps, widths)
	for _, row := range rows {
		r.row(row, widths)
	}
	return nil
}

func (r *Renderer) row(cells []string, widths []int) {
	parts := make([]string, 0, len(cells))
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		if i == len(cells)-1 {
			parts = append(parts, cell)
			continue
		}
		parts = append(parts, fmt.Sprintf("%-*s", widths[i], cell))
	}
	fmt.Fprintln(r.writer, strings.Join(parts, "  "))
}
