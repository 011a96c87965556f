package config

import (
	"fmt"
	"os"

	"github.com/lherron/bibupload/internal/record"
	"gopkg.in/yaml.v3"
)

// EmptyProvenancePolicy decides what an incoming controlled-provenance
// occurrence without a provenance value replaces during a correction.
type EmptyProvenancePolicy string

const (
	// EmptyProvenanceBucket treats "no provenance" as its own provenance:
	// only stored occurrences without provenance are replaced.
	EmptyProvenanceBucket EmptyProvenancePolicy = "bucket"
	// EmptyProvenanceReplaceAll replaces every stored occurrence of the tag.
	EmptyProvenanceReplaceAll EmptyProvenancePolicy = "replace_all"
)

// Missing005Policy decides what happens when a revision check is requested
// but the stored record carries no revision marker.
type Missing005Policy string

const (
	Missing005Fallback   Missing005Policy = "fallback"
	Missing005HoldingPen Missing005Policy = "holdingpen"
)

// KB is the tag knowledge base consulted by identity resolution, merging
// and attachment handling.
type KB struct {
	// StrongTags are copied back from the stored record on replace when
	// the incoming record omits them.
	StrongTags []string `yaml:"strong_tags"`

	// ControlledProvenance lists "TTTiic" specs; occurrences of the tag are
	// scoped by the value of subfield c.
	ControlledProvenance []string `yaml:"controlled_provenance"`

	SysnoTag         string `yaml:"sysno_tag"`
	OAITag           string `yaml:"oai_tag"`
	OAIProvenanceTag string `yaml:"oai_provenance_tag"`
	InternalOAITag   string `yaml:"internal_oai_tag"`
	DOITag           string `yaml:"doi_tag"`
	DOISchemeTag     string `yaml:"doi_scheme_tag"`

	AttachmentTag string `yaml:"attachment_tag"`
	RelationTag   string `yaml:"relation_tag"`
	URLTag        string `yaml:"url_tag"`

	EmptyProvenance EmptyProvenancePolicy `yaml:"empty_provenance"`
	Missing005      Missing005Policy      `yaml:"missing005"`
}

// DefaultKB returns the stock knowledge base.
func DefaultKB() KB {
	return KB{
		StrongTags:           []string{"964"},
		ControlledProvenance: []string{"6531_9"},
		SysnoTag:             "970__a",
		OAITag:               "035__a",
		OAIProvenanceTag:     "035__9",
		InternalOAITag:       "909COo",
		DOITag:               "0247_a",
		DOISchemeTag:         "0247_2",
		AttachmentTag:        "FFT",
		RelationTag:          "BDR",
		URLTag:               "8564_",
		EmptyProvenance:      EmptyProvenanceBucket,
		Missing005:           Missing005Fallback,
	}
}

// LoadKB reads a YAML knowledge base from path. Keys absent from the file
// keep their default values.
func LoadKB(path string) (KB, error) {
	kb := DefaultKB()
	data, err := os.ReadFile(path)
	if err != nil {
		return kb, fmt.Errorf("failed to read kb %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return kb, fmt.Errorf("failed to parse kb %s: %w", path, err)
	}
	return kb, kb.Validate()
}

// Validate checks every tag spec and policy value.
func (kb KB) Validate() error {
	specs := map[string]string{
		"sysno_tag":          kb.SysnoTag,
		"oai_tag":            kb.OAITag,
		"oai_provenance_tag": kb.OAIProvenanceTag,
		"internal_oai_tag":   kb.InternalOAITag,
		"doi_tag":            kb.DOITag,
		"doi_scheme_tag":     kb.DOISchemeTag,
		"url_tag":            kb.URLTag,
	}
	for name, s := range specs {
		if s == "" {
			continue
		}
		if _, err := record.ParseTagSpec(s); err != nil {
			return fmt.Errorf("kb %s: %w", name, err)
		}
	}
	for _, s := range kb.ControlledProvenance {
		spec, err := record.ParseTagSpec(s)
		if err != nil {
			return fmt.Errorf("kb controlled_provenance: %w", err)
		}
		if spec.Code == "" {
			return fmt.Errorf("kb controlled_provenance %q: missing provenance subfield code", s)
		}
	}
	for _, t := range kb.StrongTags {
		if len(t) != 3 {
			return fmt.Errorf("kb strong_tags: invalid tag %q", t)
		}
	}
	switch kb.EmptyProvenance {
	case "", EmptyProvenanceBucket, EmptyProvenanceReplaceAll:
	default:
		return fmt.Errorf("kb empty_provenance: unknown policy %q", kb.EmptyProvenance)
	}
	switch kb.Missing005 {
	case "", Missing005Fallback, Missing005HoldingPen:
	default:
		return fmt.Errorf("kb missing005: unknown policy %q", kb.Missing005)
	}
	return nil
}

// IsStrong reports whether tag is a strong tag.
func (kb KB) IsStrong(tag string) bool {
	for _, t := range kb.StrongTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Provenance returns the controlled-provenance spec for tag, if any.
func (kb KB) Provenance(tag string) (record.TagSpec, bool) {
	for _, s := range kb.ControlledProvenance {
		spec, err := record.ParseTagSpec(s)
		if err == nil && spec.Tag == tag {
			return spec, true
		}
	}
	return record.TagSpec{}, false
}

// Spec parses one of the KB tag specs. Invalid or empty values yield ok=false.
func Spec(s string) (record.TagSpec, bool) {
	if s == "" {
		return record.TagSpec{}, false
	}
	spec, err := record.ParseTagSpec(s)
	return spec, err == nil
}

// URLSpec returns the tag and indicators of the file-reference fields.
func (kb KB) URLSpec() record.TagSpec {
	spec, ok := Spec(kb.URLTag)
	if !ok {
		return record.MustTagSpec("8564_")
	}
	return spec
}

// EmptyProvenancePolicy returns the configured policy, defaulting to bucket.
func (kb KB) EmptyProvenancePolicy() EmptyProvenancePolicy {
	if kb.EmptyProvenance == "" {
		return EmptyProvenanceBucket
	}
	return kb.EmptyProvenance
}

// Missing005Policy returns the configured policy, defaulting to fallback.
func (kb KB) Missing005Policy() Missing005Policy {
	if kb.Missing005 == "" {
		return Missing005Fallback
	}
	return kb.Missing005
}
