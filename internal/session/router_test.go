package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mailrlm/internal/executor"
)

func TestParseGoalReturnsPlan(t *testing.T) {
	router := Router{Query: func(ctx context.Context, prompt, contextData string) (string, error) {
		if !strings.Contains(prompt, `"triage security alerts"`) || !strings.Contains(prompt, "47 emails") {
			t.Errorf("prompt missing goal or count: %q", prompt[:120])
		}
		return `{"reasoning": "Security goal, run the full triage.", "actions": [{"function": "security_triage", "args": {}, "description": "Full triage"}, {"function": "final_named", "args": {"name": "security_triage"}}]}`, nil
	}}

	plan, err := router.ParseGoal(context.Background(), "triage security alerts", 47, nil)
	if err != nil {
		t.Fatalf("ParseGoal: %v", err)
	}
	if plan.Reasoning == "" || len(plan.Actions) != 2 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.Actions[0].Function != "security_triage" {
		t.Errorf("unexpected first action %+v", plan.Actions[0])
	}
	if got := plan.Program(); len(got.Steps) != 2 {
		t.Errorf("program steps = %d", len(got.Steps))
	}
}

func TestParseGoalStripsFences(t *testing.T) {
	router := Router{Query: func(ctx context.Context, prompt, contextData string) (string, error) {
		return "```json\n{\"reasoning\": \"r\", \"actions\": [{\"function\": \"inbox_triage\"}]}\n```", nil
	}}
	plan, err := router.ParseGoal(context.Background(), "sort my inbox", 10, nil)
	if err != nil {
		t.Fatalf("ParseGoal: %v", err)
	}
	if plan.Actions[0].Function != "inbox_triage" {
		t.Errorf("unexpected plan %+v", plan)
	}
}

func TestParseGoalIncludesRecentHistory(t *testing.T) {
	history := [][2]string{
		{"first goal", "first response"},
		{"second goal", "second response"},
		{"third goal", strings.Repeat("x", 300)},
		{"fourth goal", "fourth response"},
	}
	router := Router{Query: func(ctx context.Context, prompt, contextData string) (string, error) {
		if strings.Contains(prompt, "first goal") {
			t.Error("history must be capped to the last three turns")
		}
		if !strings.Contains(prompt, "fourth goal") {
			t.Error("recent turns must appear in the prompt")
		}
		if !strings.Contains(prompt, strings.Repeat("x", 200)+"...") {
			t.Error("long responses must be truncated")
		}
		if strings.Contains(prompt, strings.Repeat("x", 201)) {
			t.Error("truncation must cut at 200 characters")
		}
		return `{"reasoning": "r", "actions": [{"function": "llm_query"}]}`, nil
	}}
	if _, err := router.ParseGoal(context.Background(), "continue", 5, history); err != nil {
		t.Fatalf("ParseGoal: %v", err)
	}
}

func TestParseGoalFailures(t *testing.T) {
	sentinel := Router{Query: func(ctx context.Context, prompt, contextData string) (string, error) {
		return "[LLM Error: Query timed out]", nil
	}}
	if _, err := sentinel.ParseGoal(context.Background(), "goal", 5, nil); err == nil {
		t.Error("sentinel reply must fail goal parsing")
	}

	invalid := Router{Query: func(ctx context.Context, prompt, contextData string) (string, error) {
		return "not json at all", nil
	}}
	if _, err := invalid.ParseGoal(context.Background(), "goal", 5, nil); err == nil {
		t.Error("invalid JSON must fail goal parsing")
	}

	empty := Router{Query: func(ctx context.Context, prompt, contextData string) (string, error) {
		return `{"reasoning": "r", "actions": []}`, nil
	}}
	if _, err := empty.ParseGoal(context.Background(), "goal", 5, nil); err == nil {
		t.Error("empty action list must fail goal parsing")
	}

	failing := Router{Query: func(ctx context.Context, prompt, contextData string) (string, error) {
		return "", errors.New("transport down")
	}}
	if _, err := failing.ParseGoal(context.Background(), "goal", 5, nil); err == nil {
		t.Error("query error must propagate")
	}
}

func TestDetectIntent(t *testing.T) {
	cases := map[string]string{
		"send a reply to bob":         "send",
		"summarize last week":         "summarize",
		"any phishing attempts?":      "security",
		"what are my action items":    "action_items",
		"cluster messages by project": "analyze",
	}
	for goal, want := range cases {
		if got := DetectIntent(goal); got != want {
			t.Errorf("DetectIntent(%q) = %q, want %q", goal, got, want)
		}
	}
}

func TestDetectWorkflow(t *testing.T) {
	cases := map[string]string{
		"triage the security alerts": "security_triage",
		"triage my inbox":            "inbox_triage",
		"find my action items":       "find_action_items",
		"look for kill chains":       "detect_attack_chains",
		"check for phishing":         "phishing_analysis",
		"something else entirely":    "",
	}
	for goal, want := range cases {
		if got := DetectWorkflow(goal); got != want {
			t.Errorf("DetectWorkflow(%q) = %q, want %q", goal, got, want)
		}
	}
}

func TestShouldUseRLM(t *testing.T) {
	if use, _ := ShouldUseRLM(50, "show me my mail"); use {
		t.Error("simple read on small dataset must route direct")
	}
	if use, _ := ShouldUseRLM(250, "summarize everything"); !use {
		t.Error("large dataset must route recursive")
	}
	if use, _ := ShouldUseRLM(20, "triage the security alerts"); !use {
		t.Error("security workflows route recursive regardless of size")
	}
	if use, _ := ShouldUseRLM(30, "triage my inbox"); use {
		t.Error("small dataset with simple workflow must route direct")
	}
}

func TestEstimateCost(t *testing.T) {
	actions := []executor.Action{
		{Function: "security_triage"},
		{Function: "final_named"},
	}
	// 0.01 + 0.005*100 + 0.01 + 0.001*100 = 0.62
	if got := EstimateCost(actions, 100); got != 0.62 {
		t.Errorf("EstimateCost = %v, want 0.62", got)
	}
	if got := EstimateCost(nil, 100); got != 0 {
		t.Errorf("empty plan must cost 0, got %v", got)
	}
}
