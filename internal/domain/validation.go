package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	docnameRegex = regexp.MustCompile(`^[^/\\\x00-\x1f]{1,255}$`)
	formatRegex  = regexp.MustCompile(`^\.[A-Za-z0-9][A-Za-z0-9._+-]{0,31}$`)
	actorRegex   = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)
)

// ValidateDocname validates a document name
func ValidateDocname(name string) error {
	if name == "." || name == ".." || !docnameRegex.MatchString(name) {
		return fmt.Errorf("invalid docname %q: must be 1-255 characters without path separators", name)
	}
	return nil
}

// NormalizeFormat lowercases a format and prefixes it with '.'
func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" && !strings.HasPrefix(format, ".") {
		format = "." + format
	}
	return format
}

// ValidateFormat validates a normalized file format such as ".pdf" or ".tar.gz"
func ValidateFormat(format string) error {
	if !formatRegex.MatchString(format) {
		return fmt.Errorf("invalid format %q: expected an extension such as .pdf", format)
	}
	return nil
}

// ValidateActor validates the actor name recorded in history entries
func ValidateActor(actor string) error {
	if !actorRegex.MatchString(actor) {
		return fmt.Errorf("invalid actor %q: must be 1-64 characters of [A-Za-z0-9._@-]", actor)
	}
	return nil
}

// ValidateRelationType validates a relation type
func ValidateRelationType(t string) error {
	if strings.TrimSpace(t) == "" {
		return fmt.Errorf("invalid relation type: must not be empty")
	}
	return nil
}

// ValidateTimestamp validates and parses an ISO8601 timestamp
func ValidateTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp format: expected ISO8601/RFC3339")
	}
	return t, nil
}
