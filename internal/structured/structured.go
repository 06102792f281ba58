package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"mailrlm/internal/invoker"
)

const jsonInstruction = "Respond with valid JSON only."

const confidenceInstruction = "\n\nRespond with:\nCONFIDENCE: [0-100]\nREASONING: [brief explanation]"

var (
	confidencePattern = regexp.MustCompile(`(?i)CONFIDENCE:\s*(\d+)`)
	reasoningPattern  = regexp.MustCompile(`(?i)REASONING:\s*(.+)`)
)

// InvokeJSON asks for a JSON response and keeps retrying with the prior
// error embedded in the prompt until the reply parses (and validates when a
// schema is given). Sentinel results count as failed attempts. Budget and
// depth violations propagate immediately; exhausting maxRetries+1 attempts
// yields InvalidStructuredOutput with the last raw response.
func InvokeJSON(ctx context.Context, inv *invoker.Invoker, prompt, contextData string, schema *jsonschema.Schema, maxRetries int) (json.RawMessage, error) {
	if maxRetries < 0 {
		maxRetries = 2
	}

	attemptPrompt := prompt + "\n\n" + jsonInstruction
	var lastRaw string
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := inv.Invoke(ctx, attemptPrompt, contextData)
		if err != nil {
			return nil, err
		}
		lastRaw = result

		raw, parseErr := parseJSONResponse(result, schema)
		if parseErr == nil {
			return raw, nil
		}
		lastErr = parseErr
		attemptPrompt = fmt.Sprintf("%s\n\nPrevious response was invalid JSON. Error: %v. %s", prompt, parseErr, jsonInstruction)
	}

	return nil, &InvalidStructuredOutput{Attempts: maxRetries + 1, LastRaw: lastRaw, Err: lastErr}
}

func parseJSONResponse(result string, schema *jsonschema.Schema) (json.RawMessage, error) {
	if invoker.IsSentinel(result) {
		return nil, fmt.Errorf("model call failed: %s", result)
	}

	stripped := StripCodeFences(result)
	var probe any
	if err := json.Unmarshal([]byte(stripped), &probe); err != nil {
		return nil, err
	}
	if schema != nil {
		res := schema.ValidateJSON([]byte(stripped))
		if !res.IsValid() {
			return nil, fmt.Errorf("schema validation failed: %v", res.Errors)
		}
	}
	return json.RawMessage(stripped), nil
}

// StripCodeFences removes a surrounding markdown code fence, with or
// without a language tag, leaving other text untouched.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ConfidenceResult is a model response with its self-assessed confidence
// parsed out. Confidence is on the 0..1 scale.
type ConfidenceResult struct {
	Text       string
	Confidence float64
	Reasoning  string
}

// InvokeWithConfidence appends confidence-scoring instructions to the
// prompt and parses the CONFIDENCE and REASONING lines from the reply.
// A confidence below minConfidence returns the parsed result alongside a
// LowConfidence error. Missing or unparseable confidence counts as zero.
func InvokeWithConfidence(ctx context.Context, inv *invoker.Invoker, prompt, contextData string, minConfidence float64) (ConfidenceResult, error) {
	result, err := inv.Invoke(ctx, prompt+confidenceInstruction, contextData)
	if err != nil {
		return ConfidenceResult{}, err
	}

	parsed := ConfidenceResult{Text: result}
	if m := confidencePattern.FindStringSubmatch(result); m != nil {
		if v, convErr := strconv.Atoi(m[1]); convErr == nil {
			parsed.Confidence = float64(v) / 100
		}
	}
	if m := reasoningPattern.FindStringSubmatch(result); m != nil {
		parsed.Reasoning = strings.TrimSpace(m[1])
	}

	if parsed.Confidence < minConfidence {
		return parsed, &LowConfidence{
			Confidence:    parsed.Confidence,
			MinConfidence: minConfidence,
			Reasoning:     parsed.Reasoning,
		}
	}
	return parsed, nil
}
