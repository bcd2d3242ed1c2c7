package classify

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pvallone/tenderscope/internal/logging"
	"github.com/pvallone/tenderscope/internal/model"
)

// Decider records which layer made a classification decision, so ranking
// and audit code never special-cases the path that decided.
type Decider string

const (
	DeciderRules   Decider = "rules"
	DeciderArbiter Decider = "arbiter"
	DeciderRescue  Decider = "rescue"
)

// Confidence levels assigned by the deterministic layers.
const (
	autoAcceptConfidence = 95
	rescueConfidenceCap  = 70
)

// ReasonArbiterUnavailable is the rejection reason used when the LLM
// arbiter cannot be reached. Fail-closed: unavailability never accepts.
const ReasonArbiterUnavailable = "classifier unavailable"

// Result is the per-notice classification outcome: a tagged variant of
// accepted-with-evidence or rejected-with-reason.
type Result struct {
	Accepted   bool
	Confidence int      // 0-100
	Evidence   []string // literal substrings of the notice text, at most 3
	Reason     string   // present iff rejected
	Decider    Decider
}

// Arbitration is the structured verdict the LLM arbiter returns.
type Arbitration struct {
	Accept     bool
	Confidence int
	Evidence   []string
	Reason     string
}

// Arbiter decides ambiguous notices. Implementations must respect the
// context deadline; an error means "unavailable", never "accept".
type Arbiter interface {
	Classify(ctx context.Context, noticeText, sectorContext string) (Arbitration, error)
}

// Engine runs the layered pipeline. The arbiter may be nil, in which case
// every ambiguous notice is rejected fail-closed.
type Engine struct {
	vocab   *Vocabulary
	arbiter Arbiter

	// ArbiterTimeout bounds each individual arbiter call.
	ArbiterTimeout time.Duration

	// CoOccurrence enables the negative-context rejection layer.
	CoOccurrence bool
}

// NewEngine creates a classification engine over a validated vocabulary.
func NewEngine(vocab *Vocabulary, arbiter Arbiter) *Engine {
	return &Engine{
		vocab:          vocab,
		arbiter:        arbiter,
		ArbiterTimeout: 8 * time.Second,
		CoOccurrence:   true,
	}
}

// Classify runs the fail-fast pipeline on one notice.
func (e *Engine) Classify(ctx context.Context, n model.Notice) Result {
	text := strings.ToLower(n.Text())

	// (a) hard exclusions
	for _, term := range e.vocab.Exclusions {
		if strings.Contains(text, term) {
			return Result{
				Reason:  "matched exclusion term: " + term,
				Decider: DeciderRules,
			}
		}
	}

	// (b) keyword matching
	matches, matched := e.countKeywords(text)

	// (c) co-occurrence negative patterns: a keyword hit next to a
	// negative-context term forces rejection regardless of density,
	// unless a positive signal rescues it.
	if e.CoOccurrence && matches > 0 {
		if neg := e.negativeContext(text); neg != "" && !e.positiveSignal(text) {
			return Result{
				Reason:  "negative context: " + neg,
				Decider: DeciderRules,
			}
		}
	}

	// (d) density zoning
	density := keywordDensity(matches, text)
	switch {
	case matches == 0:
		if e.vocab.ZeroMatchRescue && e.arbiter != nil {
			return e.arbitrate(ctx, n, DeciderRescue)
		}
		return Result{
			Reason:  "no sector keywords matched",
			Decider: DeciderRules,
		}

	case density >= e.vocab.Density.Upper:
		return Result{
			Accepted:   true,
			Confidence: autoAcceptConfidence,
			Evidence:   extractSpans(n.Text(), matched),
			Decider:    DeciderRules,
		}

	case density >= e.vocab.Density.Lower:
		return e.arbitrate(ctx, n, DeciderArbiter)

	default:
		return Result{
			Reason:  "keyword density below threshold",
			Decider: DeciderRules,
		}
	}
}

// ClassifyAll classifies a batch and returns the accepted notices ranked
// by confidence descending, then estimated value descending. One notice's
// arbiter failure never aborts its siblings.
func (e *Engine) ClassifyAll(ctx context.Context, notices []model.Notice) []model.ScoredNotice {
	accepted := make([]model.ScoredNotice, 0, len(notices))
	for _, n := range notices {
		if ctx.Err() != nil {
			logging.Warn("classification cut short by deadline",
				"classified", len(accepted), "total", len(notices))
			break
		}
		res := e.Classify(ctx, n)
		if !res.Accepted {
			logging.Debug("notice rejected", "notice", n.ID, "reason", res.Reason, "decider", res.Decider)
			continue
		}
		accepted = append(accepted, model.ScoredNotice{
			Notice:     n,
			Confidence: res.Confidence,
			Evidence:   res.Evidence,
		})
	}
	Rank(accepted)
	return accepted
}

// Rank orders scored notices by confidence descending, then estimated
// value descending, then notice id, so identical inputs always produce
// identical orderings.
func Rank(notices []model.ScoredNotice) {
	sort.SliceStable(notices, func(i, j int) bool {
		if notices[i].Confidence != notices[j].Confidence {
			return notices[i].Confidence > notices[j].Confidence
		}
		if notices[i].Notice.EstimatedValue != notices[j].Notice.EstimatedValue {
			return notices[i].Notice.EstimatedValue > notices[j].Notice.EstimatedValue
		}
		return notices[i].Notice.ID < notices[j].Notice.ID
	})
}

// arbitrate defers one notice to the LLM arbiter under its own deadline.
// Any failure rejects the notice with confidence 0: fail-closed.
func (e *Engine) arbitrate(ctx context.Context, n model.Notice, decider Decider) Result {
	if e.arbiter == nil {
		return Result{Reason: ReasonArbiterUnavailable, Decider: decider}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.ArbiterTimeout)
	defer cancel()

	verdict, err := e.arbiter.Classify(callCtx, n.Text(), e.vocab.Sector)
	if err != nil {
		logging.Warn("arbiter unavailable", "notice", n.ID, "error", err)
		return Result{Reason: ReasonArbiterUnavailable, Decider: decider}
	}

	conf := clampConfidence(verdict.Confidence)
	if decider == DeciderRescue && conf > rescueConfidenceCap {
		// The zero-match path is inherently less certain.
		conf = rescueConfidenceCap
	}

	if !verdict.Accept {
		reason := verdict.Reason
		if reason == "" {
			reason = "rejected by arbiter"
		}
		return Result{Reason: reason, Decider: decider}
	}

	return Result{
		Accepted:   true,
		Confidence: conf,
		Evidence:   validateEvidence(n.Text(), verdict.Evidence),
		Decider:    decider,
	}
}

// countKeywords returns total occurrences and the distinct matched terms.
func (e *Engine) countKeywords(text string) (int, []string) {
	total := 0
	var matched []string
	for _, kw := range e.vocab.Keywords {
		if c := strings.Count(text, kw); c > 0 {
			total += c
			matched = append(matched, kw)
		}
	}
	return total, matched
}

// negativeContext returns the first disqualifying context term present.
func (e *Engine) negativeContext(text string) string {
	for _, term := range e.vocab.NegativeContext {
		if strings.Contains(text, term) {
			return term
		}
	}
	return ""
}

// positiveSignal reports whether any rescuing signal term is present.
func (e *Engine) positiveSignal(text string) bool {
	for _, term := range e.vocab.PositiveSignals {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// keywordDensity is matches per word of text.
func keywordDensity(matches int, text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return float64(matches) / float64(words)
}

// validateEvidence keeps at most three snippets that are literal
// substrings of the source text. Anything else is a likely hallucination:
// dropped and logged, never trusted or paraphrased.
func validateEvidence(sourceText string, snippets []string) []string {
	var out []string
	for _, s := range snippets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(sourceText, s) {
			logging.Warn("evidence snippet not found in source text, dropping", "snippet", s)
			continue
		}
		out = append(out, s)
		if len(out) == 3 {
			break
		}
	}
	return out
}

// extractSpans locates up to three matched terms in the source text and
// returns the spans with their original casing, guaranteeing the evidence
// invariant holds for rule-decided acceptances.
func extractSpans(sourceText string, terms []string) []string {
	lowerSource := strings.ToLower(sourceText)
	var out []string
	for _, term := range terms {
		idx := strings.Index(lowerSource, term)
		if idx < 0 || idx+len(term) > len(sourceText) {
			continue
		}
		out = append(out, sourceText[idx:idx+len(term)])
		if len(out) == 3 {
			break
		}
	}
	return out
}

// clampConfidence bounds a confidence value to 0-100. Values outside the
// range indicate a misbehaving arbiter, not a fatal state.
func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
