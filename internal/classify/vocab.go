// Package classify implements the layered relevance filter for
// procurement notices: deterministic exclusion/keyword/co-occurrence
// rules, term-density zoning, and an LLM arbiter for the ambiguous band.
package classify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DensityThresholds zone the keyword density of a notice. Density is
// keyword occurrences divided by word count.
type DensityThresholds struct {
	// Upper: at or above, the notice is accepted deterministically.
	Upper float64 `yaml:"upper" json:"upper"`
	// Lower: between Lower and Upper is the ambiguous band deferred to
	// the arbiter. A positive density below Lower is rejected outright.
	Lower float64 `yaml:"lower" json:"lower"`
}

// Vocabulary is the sector-specific rule set the deterministic layers
// run on. Loaded from YAML; all matching is case-insensitive.
type Vocabulary struct {
	Sector string `yaml:"sector"`

	// Keywords are the sector terms that make a notice relevant.
	Keywords []string `yaml:"keywords"`

	// Exclusions reject a notice immediately on any match.
	Exclusions []string `yaml:"exclusions"`

	// NegativeContext terms disqualify an otherwise-matching notice
	// unless a PositiveSignals term is also present.
	NegativeContext []string `yaml:"negative_context"`
	PositiveSignals []string `yaml:"positive_signals"`

	Density DensityThresholds `yaml:"density"`

	// ZeroMatchRescue escalates notices with zero keyword matches to a
	// low-confidence arbiter check instead of rejecting them outright.
	ZeroMatchRescue bool `yaml:"zero_match_rescue"`
}

// LoadVocabulary reads and validates a YAML vocabulary file.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	v.normalize()
	return &v, nil
}

// Validate rejects rule sets the engine cannot run on.
func (v *Vocabulary) Validate() error {
	if len(v.Keywords) == 0 {
		return fmt.Errorf("vocabulary %q: at least one keyword is required", v.Sector)
	}
	if v.Density.Upper <= 0 || v.Density.Lower <= 0 {
		return fmt.Errorf("vocabulary %q: density thresholds must be positive", v.Sector)
	}
	if v.Density.Lower >= v.Density.Upper {
		return fmt.Errorf("vocabulary %q: density lower (%v) must be below upper (%v)",
			v.Sector, v.Density.Lower, v.Density.Upper)
	}
	return nil
}

// normalize lowercases every term once so matching never re-folds.
func (v *Vocabulary) normalize() {
	lower := func(terms []string) {
		for i, t := range terms {
			terms[i] = strings.ToLower(strings.TrimSpace(t))
		}
	}
	lower(v.Keywords)
	lower(v.Exclusions)
	lower(v.NegativeContext)
	lower(v.PositiveSignals)
}

// DefaultVocabulary is the shipped workwear/uniform-supply rule set, used
// when no vocabulary file is configured.
func DefaultVocabulary() *Vocabulary {
	v := &Vocabulary{
		Sector: "workwear",
		Keywords: []string{
			"uniform", "workwear", "coverall", "apron",
			"safety vest", "protective clothing", "lab coat", "scrubs",
		},
		Exclusions: []string{
			"software license", "vehicle rental", "catering",
		},
		NegativeContext: []string{
			"façade renovation", "facade renovation", "painting services",
			"uniform pricing", "uniform distribution of",
		},
		PositiveSignals: []string{
			"garment", "apparel", "textile", "sizes", "fabric",
		},
		Density: DensityThresholds{
			Upper: 0.02,
			Lower: 0.004,
		},
		ZeroMatchRescue: true,
	}
	v.normalize()
	return v
}
