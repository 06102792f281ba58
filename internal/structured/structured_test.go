package structured

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mailrlm/internal/governor"
	"mailrlm/internal/invoker"
	"mailrlm/internal/models"
)

type fakeClient struct {
	calls     atomic.Int32
	responses []string
}

func (f *fakeClient) Complete(ctx context.Context, model, prompt string) (string, invoker.Usage, error) {
	n := int(f.calls.Add(1)) - 1
	if n >= len(f.responses) {
		n = len(f.responses) - 1
	}
	return f.responses[n], invoker.Usage{InputTokens: 1, OutputTokens: 1}, nil
}

func newStructuredInvoker(client invoker.Client) *invoker.Invoker {
	session := governor.NewSession("test-model", 100, 1000, 5, models.DefaultPricing())
	return invoker.New(client, session, "test-model", invoker.Options{RequestsPerSec: 10000, Timeout: time.Second})
}

func TestInvokeJSONFirstTry(t *testing.T) {
	client := &fakeClient{responses: []string{`{"is_phishing": true, "confidence": 0.9, "phishing_type": "bec"}`}}
	inv := newStructuredInvoker(client)

	raw, err := InvokeJSON(context.Background(), inv, "analyze", "ctx", PhishingAnalysisSchema(), 2)
	if err != nil {
		t.Fatalf("InvokeJSON: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out["phishing_type"] != "bec" {
		t.Errorf("unexpected payload: %v", out)
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestInvokeJSONStripsFences(t *testing.T) {
	client := &fakeClient{responses: []string{"```json\n{\"techniques\": [{\"technique_id\": \"T1566\", \"technique_name\": \"Phishing\"}]}\n```"}}
	inv := newStructuredInvoker(client)

	raw, err := InvokeJSON(context.Background(), inv, "map", "", MITREMappingSchema(), 0)
	if err != nil {
		t.Fatalf("InvokeJSON: %v", err)
	}
	if !json.Valid(raw) {
		t.Fatalf("expected valid JSON after fence stripping, got %q", string(raw))
	}
}

func TestInvokeJSONRetriesWithErrorFeedback(t *testing.T) {
	client := &fakeClient{responses: []string{"not json at all", `{"ok": true}`}}
	inv := newStructuredInvoker(client)

	raw, err := InvokeJSON(context.Background(), inv, "extract", "", nil, 2)
	if err != nil {
		t.Fatalf("InvokeJSON: %v", err)
	}
	if string(raw) != `{"ok": true}` {
		t.Errorf("unexpected result %q", string(raw))
	}
	if got := client.calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestInvokeJSONExhaustsRetries(t *testing.T) {
	client := &fakeClient{responses: []string{"still not json"}}
	inv := newStructuredInvoker(client)

	_, err := InvokeJSON(context.Background(), inv, "extract", "", nil, 2)
	var invalidErr *InvalidStructuredOutput
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidStructuredOutput, got %v", err)
	}
	if invalidErr.Attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", invalidErr.Attempts)
	}
	if invalidErr.LastRaw != "still not json" {
		t.Errorf("expected last raw response carried, got %q", invalidErr.LastRaw)
	}
	if got := client.calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestInvokeJSONSchemaRejection(t *testing.T) {
	// Parseable JSON that misses required fields must fail validation and
	// then succeed once the reply conforms.
	client := &fakeClient{responses: []string{
		`{"confidence": 0.5}`,
		`{"is_phishing": false, "confidence": 0.5, "phishing_type": "none"}`,
	}}
	inv := newStructuredInvoker(client)

	raw, err := InvokeJSON(context.Background(), inv, "analyze", "", PhishingAnalysisSchema(), 2)
	if err != nil {
		t.Fatalf("InvokeJSON: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out["phishing_type"] != "none" {
		t.Errorf("unexpected payload: %v", out)
	}
	if got := client.calls.Load(); got != 2 {
		t.Errorf("expected validation failure then success, got %d calls", got)
	}
}

func TestInvokeJSONSentinelCountsAsFailure(t *testing.T) {
	client := &fakeClient{responses: []string{"[LLM Error: Query timed out]", `{"ok": 1}`}}
	inv := newStructuredInvoker(client)

	raw, err := InvokeJSON(context.Background(), inv, "p", "", nil, 1)
	if err != nil {
		t.Fatalf("InvokeJSON: %v", err)
	}
	if string(raw) != `{"ok": 1}` {
		t.Errorf("unexpected result %q", string(raw))
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n[1, 2]\n```", `[1, 2]`},
		{`{"plain": true}`, `{"plain": true}`},
		{"  {\"padded\": true}  ", `{"padded": true}`},
	}
	for _, c := range cases {
		if got := StripCodeFences(c.in); got != c.want {
			t.Errorf("StripCodeFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestInvokeWithConfidenceParses(t *testing.T) {
	client := &fakeClient{responses: []string{"Assessment text.\nCONFIDENCE: 85\nREASONING: stages follow a realistic sequence"}}
	inv := newStructuredInvoker(client)

	got, err := InvokeWithConfidence(context.Background(), inv, "assess", "", 0.7)
	if err != nil {
		t.Fatalf("InvokeWithConfidence: %v", err)
	}
	if got.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", got.Confidence)
	}
	if !strings.Contains(got.Reasoning, "realistic sequence") {
		t.Errorf("unexpected reasoning %q", got.Reasoning)
	}
}

func TestInvokeWithConfidenceBelowThreshold(t *testing.T) {
	client := &fakeClient{responses: []string{"CONFIDENCE: 40\nREASONING: sparse evidence"}}
	inv := newStructuredInvoker(client)

	got, err := InvokeWithConfidence(context.Background(), inv, "assess", "", 0.7)
	var lowErr *LowConfidence
	if !errors.As(err, &lowErr) {
		t.Fatalf("expected LowConfidence, got %v", err)
	}
	if lowErr.Confidence != 0.4 {
		t.Errorf("confidence = %v, want 0.4", lowErr.Confidence)
	}
	if got.Reasoning != "sparse evidence" {
		t.Errorf("unexpected reasoning %q", got.Reasoning)
	}
}

func TestInvokeWithConfidenceMissingLines(t *testing.T) {
	client := &fakeClient{responses: []string{"no scoring lines here"}}
	inv := newStructuredInvoker(client)

	_, err := InvokeWithConfidence(context.Background(), inv, "assess", "", 0.5)
	var lowErr *LowConfidence
	if !errors.As(err, &lowErr) {
		t.Fatalf("expected LowConfidence for missing score, got %v", err)
	}
	if lowErr.Confidence != 0 {
		t.Errorf("missing confidence must read as zero, got %v", lowErr.Confidence)
	}
}

func TestSchemaByName(t *testing.T) {
	if SchemaByName("kill_chain") == nil {
		t.Error("expected kill_chain schema compiled")
	}
	if SchemaByName("nonexistent") != nil {
		t.Error("expected nil for unknown schema")
	}
}
