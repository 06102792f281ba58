package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"mailrlm/internal/governor"
	"mailrlm/internal/models"
	"mailrlm/internal/primitives"
	"mailrlm/internal/workflows"
)

// Action is one program step: a named function applied to an argument map.
// The result is stored under SaveAs (or the function name) for later steps
// and for FinalNamed.
type Action struct {
	Function    string         `json:"function"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
	SaveAs      string         `json:"save_as,omitempty"`
}

// Program is an ordered step list. Router-generated and user-supplied
// programs both run through Run.
type Program struct {
	Steps []Action `json:"steps"`
}

// Env is the capability record a program executes against. Every binding a
// step may touch is an explicit field, not a reflective namespace.
type Env struct {
	Corpus   []models.EmailRecord
	Metadata models.CorpusMetadata
	Deps     workflows.Deps
	Session  func() *governor.Session
	Logger   *slog.Logger
}

// NoFinalNotice is returned when a program runs to completion without
// declaring a final result.
const NoFinalNotice = "[Note: program completed but no final result was declared]"

// Result is the outcome of running one program.
type Result struct {
	Output   string
	FinalSet bool
	StepsRun int
	// Aborted carries the budget or depth violation that ended the run,
	// nil otherwise.
	Aborted error
}

type runState struct {
	bindings map[string]any
	finalSet bool
	finalOut string
}

func (st *runState) setFinal(out string) {
	if !st.finalSet {
		st.finalOut = out
		st.finalSet = true
	}
}

type stepFunc func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error)

// Run executes the program steps in order against the environment. Any step
// failure ends the run with an in-band execution-error string; budget and
// depth violations additionally surface through Result.Aborted so the
// session layer can classify them.
func Run(ctx context.Context, env Env, program Program) Result {
	st := &runState{bindings: map[string]any{
		"emails":   env.Corpus,
		"metadata": env.Metadata,
	}}

	res := Result{}
	for _, step := range program.Steps {
		name := strings.ToLower(strings.TrimSpace(step.Function))

		switch name {
		case "final":
			st.setFinal(stringify(argValue(st, step.Args, "value")))
			res.StepsRun++
			continue
		case "final_named":
			st.setFinalNamed(stringArg(step.Args, "name", ""))
			res.StepsRun++
			continue
		}

		fn, ok := registry[name]
		if !ok {
			res.Output = fmt.Sprintf("[Execution Error: unknown function %q]", step.Function)
			return res
		}

		out, err := fn(ctx, env, st, step.Args)
		if err != nil {
			res.Output = fmt.Sprintf("[Execution Error: %v]", err)
			var budgetErr *governor.BudgetExceededError
			var depthErr *governor.DepthExceededError
			if errors.As(err, &budgetErr) || errors.As(err, &depthErr) {
				res.Aborted = err
			}
			return res
		}
		res.StepsRun++

		key := step.SaveAs
		if key == "" {
			key = name
		}
		st.bindings[key] = out
	}

	res.FinalSet = st.finalSet
	if st.finalSet {
		res.Output = st.finalOut
	} else {
		res.Output = NoFinalNotice
	}
	return res
}

func (st *runState) setFinalNamed(name string) {
	if st.finalSet {
		return
	}
	value, ok := st.bindings[name]
	if !ok {
		st.setFinal(fmt.Sprintf("[Error: Variable '%s' not found]", name))
		return
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		st.setFinal(stringify(value))
		return
	}
	st.setFinal(string(data))
}

var registry = map[string]stepFunc{
	"llm_query": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return env.Deps.Query(ctx, stringArg(args, "prompt", ""), contextArg(st, args))
	},
	"filter_by_keyword": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return primitives.FilterByKeyword(recordsArg(env, st, args), stringArg(args, "keyword", ""), nil), nil
	},
	"filter_by_sender": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return primitives.FilterBySender(recordsArg(env, st, args), stringArg(args, "sender", "")), nil
	},
	"sort_emails": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return primitives.SortEmails(recordsArg(env, st, args), stringArg(args, "key", "date"), boolArg(args, "ascending", true)), nil
	},
	"deduplicate": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return primitives.DeduplicateSecurityAlerts(recordsArg(env, st, args), floatArg(args, "threshold", 0)), nil
	},
	"top_senders": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return primitives.TopSenders(recordsArg(env, st, args), intArg(args, "n", 10)), nil
	},
	"extract_iocs": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		set := models.EmptyIOCSet()
		for _, r := range recordsArg(env, st, args) {
			set = set.Merge(primitives.ExtractIOCs(r.Subject + " " + r.Snippet + " " + r.Body))
		}
		return set, nil
	},
	"classify_alerts": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return workflows.ClassifyAlerts(ctx, env.Deps, recordsArg(env, st, args))
	},
	"correlate_by_source_ip": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return workflows.CorrelateBySourceIP(ctx, env.Deps, recordsArg(env, st, args))
	},
	"security_triage": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		opts := workflows.TriageOptions{
			Deduplicate:             boolArg(args, "deduplicate", true),
			IncludeExecutiveSummary: boolArg(args, "executive_summary", true),
		}
		return workflows.SecurityTriage(ctx, env.Deps, recordsArg(env, st, args), opts)
	},
	"detect_attack_chains": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return workflows.DetectAttackChains(ctx, env.Deps, recordsArg(env, st, args),
			intArg(args, "window_minutes", 5), intArg(args, "min_alerts", 2))
	},
	"phishing_analysis": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return workflows.PhishingAnalysis(ctx, env.Deps, recordsArg(env, st, args))
	},
	"enrich_with_threat_intel": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		var iocs models.IOCSet
		if name := stringArg(args, "input", ""); name != "" {
			if set, ok := st.bindings[name].(models.IOCSet); ok {
				iocs = set
			}
		}
		if len(iocs.IPs) == 0 && len(iocs.Domains) == 0 && len(iocs.URLs) == 0 && len(iocs.EmailAddresses) == 0 {
			iocs = models.EmptyIOCSet()
			for _, r := range env.Corpus {
				iocs = iocs.Merge(primitives.ExtractIOCs(r.Subject + " " + r.Snippet + " " + r.Body))
			}
		}
		return workflows.EnrichWithThreatIntel(env.Deps, iocs), nil
	},
	"inbox_triage": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return workflows.InboxTriage(ctx, env.Deps, recordsArg(env, st, args))
	},
	"weekly_summary": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return workflows.WeeklySummary(ctx, env.Deps, recordsArg(env, st, args))
	},
	"find_action_items": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return workflows.FindActionItems(ctx, env.Deps, recordsArg(env, st, args))
	},
	"sender_analysis": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		return workflows.SenderAnalysis(ctx, env.Deps, recordsArg(env, st, args), intArg(args, "top_n", 5))
	},
	"session_stats": func(ctx context.Context, env Env, st *runState, args map[string]any) (any, error) {
		if env.Session == nil {
			return governor.Snapshot{}, nil
		}
		return env.Session().Snapshot(), nil
	},
}

// Functions lists the registered step function names, for router catalogs
// and CLI help.
func Functions() []string {
	names := make([]string, 0, len(registry)+2)
	for name := range registry {
		names = append(names, name)
	}
	names = append(names, "final", "final_named")
	return names
}

func recordsArg(env Env, st *runState, args map[string]any) []models.EmailRecord {
	if name := stringArg(args, "input", ""); name != "" {
		if records, ok := st.bindings[name].([]models.EmailRecord); ok {
			return records
		}
	}
	return env.Corpus
}

func contextArg(st *runState, args map[string]any) string {
	if name := stringArg(args, "context_from", ""); name != "" {
		if value, ok := st.bindings[name]; ok {
			return stringify(value)
		}
	}
	return stringArg(args, "context", "")
}

func argValue(st *runState, args map[string]any, key string) any {
	if args == nil {
		return ""
	}
	value, ok := args[key]
	if !ok {
		return ""
	}
	if name, ok := value.(string); ok {
		if bound, exists := st.bindings[name]; exists {
			return bound
		}
	}
	return value
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func stringArg(args map[string]any, key, fallback string) string {
	if args == nil {
		return fallback
	}
	if s, ok := args[key].(string); ok {
		return s
	}
	return fallback
}

func intArg(args map[string]any, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func floatArg(args map[string]any, key string, fallback float64) float64 {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if args == nil {
		return fallback
	}
	if b, ok := args[key].(bool); ok {
		return b
	}
	return fallback
}
