package classify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pvallone/tenderscope/internal/brain"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"accept": true}`, `{"accept": true}`},
		{"Here is my verdict:\n```json\n{\"accept\": false}\n```", `{"accept": false}`},
		{"no json here", ""},
		{"} inverted {", ""},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseStructured(t *testing.T) {
	v, err := parseStructured(`The notice is relevant. {"accept": true, "confidence": 85, "evidence": ["staff uniforms"], "reason": ""}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !v.Accept || v.Confidence != 85 {
		t.Errorf("verdict = %+v", v)
	}
	if len(v.Evidence) != 1 || v.Evidence[0] != "staff uniforms" {
		t.Errorf("evidence = %v", v.Evidence)
	}

	if _, err := parseStructured("I cannot decide."); err == nil {
		t.Error("prose without JSON must be a parse error")
	}
}

func TestParseBinary(t *testing.T) {
	tests := []struct {
		in     string
		accept bool
	}{
		{"ACCEPT", true},
		{"accept", true},
		{"The answer is ACCEPT.", true},
		{"REJECT", false},
		{"ACCEPT or REJECT? REJECT.", false},
		{"no idea", false},
	}
	for _, tt := range tests {
		v := parseBinary(tt.in)
		if v.Accept != tt.accept {
			t.Errorf("parseBinary(%q).Accept = %v, want %v", tt.in, v.Accept, tt.accept)
		}
		if !tt.accept && v.Reason == "" {
			t.Errorf("parseBinary(%q) rejection needs a reason", tt.in)
		}
	}
}

func TestBrainArbiterStructuredVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ollama /api/generate response shape.
		fmt.Fprint(w, `{"model": "llama3", "response": "{\"accept\": true, \"confidence\": 82, \"evidence\": [\"uniform\"], \"reason\": \"\"}"}`)
	}))
	defer srv.Close()

	m := brain.NewManager()
	m.Add(brain.NewOllama(srv.URL, "llama3"))
	a := NewBrainArbiter(m, true)

	v, err := a.Classify(context.Background(), "Supply of uniform garments", "workwear")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !v.Accept || v.Confidence != 82 {
		t.Errorf("verdict = %+v", v)
	}
}

func TestBrainArbiterMalformedFallsBackToBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model": "llama3", "response": "I would ACCEPT this notice."}`)
	}))
	defer srv.Close()

	m := brain.NewManager()
	m.Add(brain.NewOllama(srv.URL, "llama3"))
	a := NewBrainArbiter(m, true)

	v, err := a.Classify(context.Background(), "Supply of uniform garments", "workwear")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !v.Accept || v.Confidence != 60 {
		t.Errorf("binary fallback verdict = %+v", v)
	}
}

func TestBrainArbiterNoProviderErrors(t *testing.T) {
	a := NewBrainArbiter(brain.NewManager(), true)
	if _, err := a.Classify(context.Background(), "text", "workwear"); err == nil {
		t.Fatal("no provider configured must error, never accept")
	}
}

func TestBrainArbiterUpstreamErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := brain.NewManager()
	m.Add(brain.NewOllama(srv.URL, "llama3"))
	a := NewBrainArbiter(m, true)

	if _, err := a.Classify(context.Background(), "text", "workwear"); err == nil {
		t.Fatal("upstream 503 must surface as an error")
	}
}
