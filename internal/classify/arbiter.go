package classify

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/pvallone/tenderscope/internal/brain"
	"github.com/pvallone/tenderscope/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxNoticeChars caps the text sent to the arbiter.
const maxNoticeChars = 4000

// BrainArbiter adjudicates ambiguous notices through the configured LLM
// providers. With Structured enabled it requests a JSON verdict; the
// degraded mode asks for a bare yes/no.
type BrainArbiter struct {
	manager *brain.Manager

	// Structured requests a machine-parseable JSON verdict. Disable for
	// models that cannot follow the format.
	Structured bool
}

// NewBrainArbiter creates an arbiter over a provider manager.
func NewBrainArbiter(m *brain.Manager, structured bool) *BrainArbiter {
	return &BrainArbiter{manager: m, Structured: structured}
}

// verdictJSON is the structured wire shape we ask the model for.
type verdictJSON struct {
	Accept     bool     `json:"accept"`
	Confidence int      `json:"confidence"`
	Evidence   []string `json:"evidence"`
	Reason     string   `json:"reason"`
}

const structuredSystemPrompt = `You classify government procurement notices for sector relevance.
Respond with ONLY a JSON object, no prose:
{"accept": true|false, "confidence": 0-100, "evidence": ["up to 3 VERBATIM quotes copied character-for-character from the notice"], "reason": "required when accept is false"}`

const binarySystemPrompt = `You classify government procurement notices for sector relevance.
Respond with exactly one word: ACCEPT or REJECT.`

// Classify sends one notice to the first available provider and parses
// its verdict. Errors mean unavailable; the engine fails closed on them.
func (a *BrainArbiter) Classify(ctx context.Context, noticeText, sectorContext string) (Arbitration, error) {
	provider := a.manager.Available()
	if provider == nil {
		return Arbitration{}, fmt.Errorf("no LLM provider available")
	}

	text := noticeText
	if len(text) > maxNoticeChars {
		text = text[:maxNoticeChars]
	}

	system := structuredSystemPrompt
	if !a.Structured {
		system = binarySystemPrompt
	}

	resp, err := provider.Generate(ctx, brain.Request{
		SystemPrompt: system,
		UserPrompt: fmt.Sprintf("Sector: %s\n\nNotice:\n%s\n\nIs this notice relevant to the sector?",
			sectorContext, text),
		MaxTokens: 512,
	})
	if err != nil {
		return Arbitration{}, fmt.Errorf("arbiter call failed: %w", err)
	}

	if !a.Structured {
		return parseBinary(resp.Content), nil
	}

	verdict, err := parseStructured(resp.Content)
	if err != nil {
		// Malformed structured output degrades to best-effort binary
		// parsing of the raw text rather than failing the notice.
		logging.Warn("malformed arbiter verdict, falling back to binary parse",
			"provider", provider.Name(), "error", err)
		return parseBinary(resp.Content), nil
	}
	return verdict, nil
}

// parseStructured decodes a JSON verdict, tolerating surrounding prose
// and markdown fences.
func parseStructured(content string) (Arbitration, error) {
	raw := extractJSON(content)
	if raw == "" {
		return Arbitration{}, fmt.Errorf("no JSON object in arbiter output")
	}
	var v verdictJSON
	if err := json.UnmarshalFromString(raw, &v); err != nil {
		return Arbitration{}, fmt.Errorf("decode arbiter verdict: %w", err)
	}
	return Arbitration{
		Accept:     v.Accept,
		Confidence: v.Confidence,
		Evidence:   v.Evidence,
		Reason:     v.Reason,
	}, nil
}

// extractJSON returns the outermost {...} object in content, or "".
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// parseBinary is the best-effort fallback: any clear acceptance marker
// accepts at a fixed mid confidence, everything else rejects.
func parseBinary(content string) Arbitration {
	upper := strings.ToUpper(content)
	if strings.Contains(upper, "ACCEPT") && !strings.Contains(upper, "REJECT") {
		return Arbitration{Accept: true, Confidence: 60}
	}
	if strings.Contains(upper, `"ACCEPT": TRUE`) || strings.Contains(upper, `"ACCEPT":TRUE`) {
		return Arbitration{Accept: true, Confidence: 60}
	}
	return Arbitration{Accept: false, Reason: "rejected by arbiter"}
}
