package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TmpPrefix marks a batch scoped temporary identifier, e.g. "TMP:paper1".
const TmpPrefix = "TMP:"

// RevisionLayout is the time layout of a revision marker without the
// trailing ".0" fraction.
const RevisionLayout = "20060102150405"

var (
	recordIDPattern = regexp.MustCompile(`^[1-9]\d*$`)
	tmpTokenPattern = regexp.MustCompile(`^TMP:\S+$`)
	revisionPattern = regexp.MustCompile(`^\d{14}\.0$`)
	doiPattern      = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)
)

// Type represents the kind of identifier found in an identifier tag
type Type string

const (
	TypeRecord Type = "record"
	TypeTmp    Type = "tmp"
)

// FormatRecord formats a persisted record id
func FormatRecord(n int64) string {
	return strconv.FormatInt(n, 10)
}

// FormatTmp formats a temporary identifier for token
func FormatTmp(token string) string {
	return TmpPrefix + token
}

// Parse parses the value of an identifier tag. A record id returns its
// number; a temporary identifier returns the token in the string result.
func Parse(s string) (Type, int64, string, error) {
	s = strings.TrimSpace(s)

	switch {
	case recordIDPattern.MatchString(s):
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return "", 0, "", fmt.Errorf("invalid record id %q: %w", s, err)
		}
		return TypeRecord, n, "", nil
	case tmpTokenPattern.MatchString(s):
		return TypeTmp, 0, s[len(TmpPrefix):], nil
	default:
		return "", 0, "", fmt.Errorf("invalid identifier format: %s", s)
	}
}

// ParseRecord parses a persisted record id
func ParseRecord(s string) (int64, error) {
	typ, n, _, err := Parse(s)
	if err != nil {
		return 0, err
	}
	if typ != TypeRecord {
		return 0, fmt.Errorf("not a record id: %s", s)
	}
	return n, nil
}

// IsTmp reports whether s is a temporary identifier
func IsTmp(s string) bool {
	return tmpTokenPattern.MatchString(strings.TrimSpace(s))
}

// TmpToken returns the token of a temporary identifier
func TmpToken(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !tmpTokenPattern.MatchString(s) {
		return "", false
	}
	return s[len(TmpPrefix):], true
}

// FormatRevision formats t as a revision marker, e.g. "20240101120000.0".
// The marker is always expressed in UTC.
func FormatRevision(t time.Time) string {
	return t.UTC().Format(RevisionLayout) + ".0"
}

// ParseRevision parses a revision marker
func ParseRevision(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if !revisionPattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid revision marker: %q", s)
	}
	t, err := time.ParseInLocation(RevisionLayout, s[:14], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid revision marker %q: %w", s, err)
	}
	return t, nil
}

// IsRevision reports whether s is a well formed revision marker
func IsRevision(s string) bool {
	_, err := ParseRevision(s)
	return err == nil
}

var doiPrefixes = []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"}

// NormalizeDOI lowercases a DOI and strips resolver prefixes such as
// "https://doi.org/" or "doi:". It returns false when the result does not
// look like a DOI.
func NormalizeDOI(s string) (string, bool) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, prefix := range doiPrefixes {
		if strings.HasPrefix(lower, prefix) {
			lower = lower[len(prefix):]
			break
		}
	}
	lower = strings.TrimSpace(lower)
	if !doiPattern.MatchString(lower) {
		return "", false
	}
	return lower, true
}

// DOIForms returns the spellings under which the normalized doi may be
// stored: bare and behind each resolver prefix.
func DOIForms(doi string) []string {
	out := make([]string, 0, len(doiPrefixes)+1)
	out = append(out, doi)
	for _, prefix := range doiPrefixes {
		out = append(out, prefix+doi)
	}
	return out
}
