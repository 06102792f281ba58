package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"mailrlm/internal/cache"
	"mailrlm/internal/config"
	"mailrlm/internal/executor"
	"mailrlm/internal/governor"
	"mailrlm/internal/invoker"
	"mailrlm/internal/logging"
	"mailrlm/internal/mail"
	"mailrlm/internal/models"
	"mailrlm/internal/session"
	"mailrlm/internal/threatstore"
	"mailrlm/internal/workflows"
)

type agentOptions struct {
	goal         string
	resume       string
	listSessions bool
	deleteID     string

	query      string
	maxResults int

	model     string
	maxBudget float64

	jsonOutput  bool
	verbose     bool
	forceRLM    bool
	forceDirect bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:])
	if ctx.Err() != nil {
		code = 130
	}
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("mailagent", flag.ContinueOnError)
	opts := agentOptions{}
	fs.StringVar(&opts.resume, "resume", "", "resume a previous session by id")
	fs.BoolVar(&opts.listSessions, "list-sessions", false, "list stored sessions and exit")
	fs.StringVar(&opts.deleteID, "delete-session", "", "delete a stored session and exit")
	fs.StringVar(&opts.query, "query", "newer_than:7d", "mail search query")
	fs.IntVar(&opts.maxResults, "max-results", 100, "maximum emails to fetch")
	fs.StringVar(&opts.model, "model", cfg.ModelID, "model id")
	fs.Float64Var(&opts.maxBudget, "max-budget", 1.0, "budget limit in USD")
	fs.BoolVar(&opts.jsonOutput, "json-output", false, "wrap the result in a JSON envelope")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&opts.forceRLM, "force-rlm", false, "always route through the recursive path")
	fs.BoolVar(&opts.forceDirect, "force-direct", false, "always route through the direct path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	opts.goal = fs.Arg(0)

	if opts.verbose {
		logging.InitLevel(slog.LevelDebug)
	} else {
		logging.InitLevel(slog.LevelWarn)
	}

	store, err := session.NewStore(cfg.SessionsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: sessions dir: %v\n", err)
		return 1
	}

	if opts.listSessions {
		return listSessions(store, opts.jsonOutput)
	}
	if opts.deleteID != "" {
		if !store.Delete(opts.deleteID) {
			fmt.Fprintf(os.Stderr, "Error: no session %q\n", opts.deleteID)
			return 1
		}
		fmt.Printf("Deleted session %s\n", opts.deleteID)
		return 0
	}

	if opts.goal == "" {
		fmt.Fprintln(os.Stderr, "Error: provide a goal, or use --list-sessions / --resume")
		return 1
	}
	if opts.forceRLM && opts.forceDirect {
		fmt.Fprintln(os.Stderr, "Error: --force-rlm and --force-direct are mutually exclusive")
		return 1
	}

	cfg.ModelID = opts.model
	cfg.MaxBudgetUSD = opts.maxBudget
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var state *session.State
	if opts.resume != "" {
		state = store.Load(opts.resume)
		if state == nil {
			fmt.Fprintf(os.Stderr, "Error: no session %q\n", opts.resume)
			return 1
		}
		if state.BudgetRemaining <= 0 {
			fmt.Fprintf(os.Stderr, "Error: session %s has no budget remaining\n", state.SessionID)
			return 1
		}
		cfg.MaxBudgetUSD = state.BudgetRemaining
	} else {
		state = store.Create(opts.maxBudget)
	}

	src := mail.NewBrowserSource(mail.BrowserOptions{
		URL:       cfg.WebmailURL,
		ExecPath:  cfg.BrowserPath,
		Headless:  true,
		MaxScrape: opts.maxResults,
	})
	corpus, err := mail.Load(ctx, src, opts.query, opts.maxResults, models.FormatMetadata)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	sess := governor.NewSession(cfg.ModelID, cfg.MaxBudgetUSD, cfg.MaxCalls, cfg.MaxDepth, models.DefaultPricing())
	logger := logging.WithRun(uuid.NewString(), state.SessionID)

	var qc *cache.QueryCache
	if cfg.CacheEnabled {
		if qc, err = cache.NewQueryCache(cfg.CacheDir, cfg.CacheTTL); err != nil {
			logger.Warn("query cache disabled", "error", err)
			qc = nil
		}
	}

	client := invoker.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.RequestTimeout)
	inv := invoker.New(client, sess, cfg.ModelID, invoker.Options{
		Cache:          qc,
		RequestsPerSec: cfg.RequestsPerSec,
		Timeout:        cfg.RequestTimeout,
		Logger:         logger,
	})

	threats, err := threatstore.New(cfg.ThreatStoreDir, cfg.RetentionDays)
	if err != nil {
		logger.Warn("threat store disabled", "error", err)
		threats = nil
	}

	deps := workflows.NewDeps(inv, cfg.Workers, threats)
	deps.Logger = logger
	if cfg.CacheEnabled {
		if sc, err := cache.NewSecurityCache(cfg.CacheDir, cfg.SecurityCacheTTL); err == nil {
			deps.SecCache = sc
		}
	}

	plan, routed, err := routeGoal(ctx, inv, opts, corpus.Len(), state.History)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger.Info("goal routed",
		"path", routed,
		"steps", len(plan.Actions),
		"estimated_cost_usd", session.EstimateCost(plan.Actions, corpus.Len()))

	env := executor.Env{
		Corpus:   corpus.Records,
		Metadata: corpus.Metadata,
		Deps:     deps,
		Session:  func() *governor.Session { return sess },
		Logger:   logger,
	}
	res := executor.Run(ctx, env, plan.Program())

	snap := sess.Snapshot()
	state.AddTurn(opts.goal, res.Output, snap.CostUSD)
	state.Metadata["query"] = opts.query
	state.Metadata["routing"] = routed
	if _, err := store.Save(state); err != nil {
		logger.Warn("failed to persist session", "error", err)
	}

	if res.Aborted != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (cost $%.4f over %d calls)\n", res.Aborted, snap.CostUSD, snap.CallCount)
		return 1
	}

	if opts.jsonOutput {
		envelope := struct {
			Status    string            `json:"status"`
			Response  string            `json:"response"`
			SessionID string            `json:"session_id"`
			Routing   string            `json:"routing"`
			Reasoning string            `json:"reasoning,omitempty"`
			Session   governor.Snapshot `json:"session"`
		}{
			Status:    "success",
			Response:  res.Output,
			SessionID: state.SessionID,
			Routing:   routed,
			Reasoning: plan.Reasoning,
			Session:   snap,
		}
		out, _ := json.MarshalIndent(envelope, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(res.Output)
		fmt.Fprintf(os.Stderr, "\nSession %s | spent $%.4f this turn | $%.4f remaining\n",
			state.SessionID, snap.CostUSD, state.BudgetRemaining)
	}
	return 0
}

// routeGoal picks recursive or direct handling. The recursive path asks the
// model for an action plan; the direct path synthesizes a short program from
// keyword detection without spending a routing call.
func routeGoal(ctx context.Context, inv *invoker.Invoker, opts agentOptions, emailCount int, history [][2]string) (session.Plan, string, error) {
	useRLM, reason := session.ShouldUseRLM(emailCount, opts.goal)
	if opts.forceRLM {
		useRLM, reason = true, "forced recursive"
	}
	if opts.forceDirect {
		useRLM, reason = false, "forced direct"
	}

	if useRLM {
		router := session.Router{Query: inv.Invoke}
		plan, err := router.ParseGoal(ctx, opts.goal, emailCount, history)
		if err != nil {
			return session.Plan{}, "", fmt.Errorf("goal routing: %w", err)
		}
		return plan, "recursive (" + reason + ")", nil
	}

	fn := session.DetectWorkflow(opts.goal)
	if fn == "" {
		return session.Plan{
			Reasoning: reason,
			Actions: []executor.Action{
				{Function: "llm_query", Args: map[string]any{"prompt": opts.goal}, SaveAs: "answer"},
				{Function: "final_named", Args: map[string]any{"name": "answer"}},
			},
		}, "direct (" + reason + ")", nil
	}
	return session.Plan{
		Reasoning: reason,
		Actions: []executor.Action{
			{Function: fn, SaveAs: "result"},
			{Function: "final_named", Args: map[string]any{"name": "result"}},
		},
	}, "direct (" + reason + ")", nil
}

func listSessions(store *session.Store, jsonOutput bool) int {
	sessions := store.List()
	if jsonOutput {
		out, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}
	if len(sessions) == 0 {
		fmt.Println("No stored sessions.")
		return 0
	}
	for _, s := range sessions {
		fmt.Printf("%s  turns=%d  used=$%.4f  remaining=$%.4f  updated=%s\n",
			s.SessionID, s.Turns, s.BudgetUsed, s.BudgetRemaining, s.UpdatedAt)
	}
	return 0
}
