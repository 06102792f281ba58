package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"mailrlm/internal/executor"
	"mailrlm/internal/invoker"
	"mailrlm/internal/structured"
)

// Plan is the router's interpretation of a goal: a short reasoning string
// plus the program steps to run.
type Plan struct {
	Reasoning string            `json:"reasoning"`
	Actions   []executor.Action `json:"actions"`
}

// Program converts the plan into an executable step list.
func (p Plan) Program() executor.Program {
	return executor.Program{Steps: p.Actions}
}

// Router turns natural-language goals into programs with a single model
// call.
type Router struct {
	Query func(ctx context.Context, prompt, contextData string) (string, error)
}

const routerPromptTemplate = `You are an email analysis assistant. The user has %d emails and wants to accomplish the following goal:

"%s"
%s
Your task is to determine the sequence of analysis functions to call to accomplish this goal.

Available Functions:

SECURITY WORKFLOWS:
- security_triage: Complete security alert triage (P1-P5 classification, IOCs, kill chains, executive summary)
- detect_attack_chains: Detect multi-stage attack patterns (args: window_minutes, min_alerts)
- phishing_analysis: Analyze phishing attempts (credential harvesting, BEC, brand impersonation)
- classify_alerts: Batch classify alerts into P1-P5
- extract_iocs: Extract IPs, domains, file hashes, URLs
- correlate_by_source_ip: Analyze alerts by source IP
- enrich_with_threat_intel: Structure IOCs for reputation lookups

GENERAL EMAIL WORKFLOWS:
- inbox_triage: Classify emails into urgent/action_required/fyi/newsletter
- weekly_summary: Summarize emails by week
- find_action_items: Extract action items with deadlines
- sender_analysis: Summarize top senders (args: top_n)
- filter_by_keyword: Filter emails by keyword (args: keyword)
- filter_by_sender: Filter emails by sender (args: sender)
- top_senders: Rank senders by volume (args: n)
- deduplicate: Drop near-duplicate alerts (args: threshold)
- llm_query: Make a direct analysis call (args: prompt, context)

OUTPUT:
- final: Declare a literal or saved value as the result (args: value)
- final_named: Declare a saved step result as the JSON output (args: name)

Return a JSON object with this structure:
{
    "reasoning": "Brief explanation of why you chose these functions",
    "actions": [
        {
            "function": "function_name",
            "args": {"arg1": "value1"},
            "description": "What this step does"
        }
    ]
}

IMPORTANT GUIDELINES:
1. For security-related goals, prefer security_triage as a comprehensive starting point
2. For inbox management goals, prefer inbox_triage
3. Keep action sequences short (1-3 actions is usually sufficient)
4. Steps may name earlier results via "save_as" and "input"
5. End with final or final_named so the program declares its output
6. Only use functions from the list above
7. Return ONLY valid JSON, no markdown, no explanation outside the JSON`

// ParseGoal asks the model once for an action plan. history carries prior
// goal/response turns; only the last three inform the prompt, with responses
// truncated.
func (r Router) ParseGoal(ctx context.Context, goal string, emailCount int, history [][2]string) (Plan, error) {
	prompt := fmt.Sprintf(routerPromptTemplate, emailCount, goal, historyContext(history))

	reply, err := r.Query(ctx, prompt, "")
	if err != nil {
		return Plan{}, err
	}
	if invoker.IsSentinel(reply) {
		return Plan{}, fmt.Errorf("goal interpretation failed: %s", reply)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(structured.StripCodeFences(reply)), &plan); err != nil {
		return Plan{}, fmt.Errorf("goal interpretation returned invalid JSON: %w", err)
	}
	if len(plan.Actions) == 0 {
		return Plan{}, fmt.Errorf("goal interpretation returned no actions")
	}
	return plan, nil
}

func historyContext(history [][2]string) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > 3 {
		history = history[len(history)-3:]
	}
	var sb strings.Builder
	sb.WriteString("\n\nConversation History:\n")
	for _, turn := range history {
		response := turn[1]
		if len(response) > 200 {
			response = response[:200] + "..."
		}
		fmt.Fprintf(&sb, "User: %s\nAgent: %s\n\n", turn[0], response)
	}
	return sb.String()
}

var simpleWorkflows = map[string]bool{
	"inbox_triage":      true,
	"weekly_summary":    true,
	"find_action_items": true,
	"sender_analysis":   true,
}

var complexWorkflows = map[string]bool{
	"security_triage":          true,
	"detect_attack_chains":     true,
	"phishing_analysis":        true,
	"enrich_with_threat_intel": true,
}

var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{"send", []string{"send", "compose", "email to", "write to"}},
	{"read", []string{"read", "show", "display", "get", "fetch"}},
	{"label", []string{"label", "tag", "folder"}},
	{"triage", []string{"triage", "organize", "categorize", "classify"}},
	{"summarize", []string{"summarize", "summary", "overview"}},
	{"action_items", []string{"action items", "tasks", "todo", "deadlines"}},
	{"security", []string{"security", "alert", "threat", "attack", "phishing", "malware"}},
}

// DetectIntent classifies a goal by keyword, defaulting to "analyze".
func DetectIntent(goal string) string {
	lower := strings.ToLower(goal)
	for _, entry := range intentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.intent
			}
		}
	}
	return "analyze"
}

// DetectWorkflow maps a goal to a pre-built workflow name, or "" when none
// applies.
func DetectWorkflow(goal string) string {
	lower := strings.ToLower(goal)
	switch {
	case strings.Contains(lower, "action item") || strings.Contains(lower, "todo"):
		return "find_action_items"
	case strings.Contains(lower, "triage") && strings.Contains(lower, "security"):
		return "security_triage"
	case strings.Contains(lower, "triage") || strings.Contains(lower, "categorize"):
		return "inbox_triage"
	case strings.Contains(lower, "summary") || strings.Contains(lower, "summarize"):
		return "weekly_summary"
	case strings.Contains(lower, "sender") && strings.Contains(lower, "analyz"):
		return "sender_analysis"
	case strings.Contains(lower, "attack chain") || strings.Contains(lower, "kill chain"):
		return "detect_attack_chains"
	case strings.Contains(lower, "phishing"):
		return "phishing_analysis"
	}
	return ""
}

// ShouldUseRLM decides between the recursive path and direct retrieval for
// a goal, returning the decision and its reason.
func ShouldUseRLM(emailCount int, goal string) (bool, string) {
	intent := DetectIntent(goal)
	workflow := DetectWorkflow(goal)

	switch intent {
	case "send", "label", "read":
		return false, fmt.Sprintf("Simple operation (%s) - direct retrieval", intent)
	}

	if emailCount >= 100 {
		return true, fmt.Sprintf("Large dataset (%d emails) - recursive analysis", emailCount)
	}
	if intent == "security" || complexWorkflows[workflow] {
		return true, "Complex security analysis - recursive analysis"
	}
	if simpleWorkflows[workflow] {
		return false, fmt.Sprintf("Small dataset (%d emails) + simple workflow - direct retrieval", emailCount)
	}
	return true, "Analysis task - recursive analysis"
}

var perEmailCost = map[string]float64{
	"security_triage":      0.005,
	"detect_attack_chains": 0.004,
	"phishing_analysis":    0.004,
	"inbox_triage":         0.003,
	"weekly_summary":       0.002,
	"find_action_items":    0.002,
	"llm_query":            0.002,
}

// EstimateCost roughly prices a plan: a base charge per action plus a
// per-email rate, rounded to cents.
func EstimateCost(actions []executor.Action, emailCount int) float64 {
	const baseCost = 0.01

	total := 0.0
	for _, a := range actions {
		total += baseCost
		rate, ok := perEmailCost[strings.ToLower(a.Function)]
		if !ok {
			rate = 0.001
		}
		total += rate * float64(emailCount)
	}
	return math.Round(total*100) / 100
}
