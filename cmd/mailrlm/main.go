package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"mailrlm/internal/cache"
	"mailrlm/internal/config"
	"mailrlm/internal/executor"
	"mailrlm/internal/fanout"
	"mailrlm/internal/governor"
	"mailrlm/internal/invoker"
	"mailrlm/internal/logging"
	"mailrlm/internal/mail"
	"mailrlm/internal/models"
	"mailrlm/internal/threatstore"
	"mailrlm/internal/workflows"
)

type cliOptions struct {
	query      string
	loadFile   string
	maxResults int
	format     string

	code     string
	codeFile string

	model     string
	maxBudget float64
	maxCalls  int
	maxDepth  int
	workers   int

	noCache  bool
	cacheDir string
	cacheTTL int

	checkpoint         string
	checkpointInterval int

	noRLMFraming bool
	jsonOutput   bool
	verbose      bool
	force        bool
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

	fs := flag.NewFlagSet("mailrlm", flag.ContinueOnError)
	opts := cliOptions{}
	fs.StringVar(&opts.query, "query", "", "mail search query to fetch the corpus")
	fs.StringVar(&opts.loadFile, "load-file", "", "load the corpus from a saved JSON file")
	fs.IntVar(&opts.maxResults, "max-results", 200, "maximum emails to fetch with --query")
	fs.StringVar(&opts.format, "format", "metadata", "email detail level: minimal, metadata, or full")
	fs.StringVar(&opts.code, "code", "", "analysis program as a JSON action list")
	fs.StringVar(&opts.codeFile, "code-file", "", "load the analysis program from a file")
	fs.StringVar(&opts.model, "model", cfg.ModelID, "model id for recursive calls")
	fs.Float64Var(&opts.maxBudget, "max-budget", cfg.MaxBudgetUSD, "maximum spend in USD")
	fs.IntVar(&opts.maxCalls, "max-calls", cfg.MaxCalls, "maximum model calls")
	fs.IntVar(&opts.maxDepth, "max-depth", cfg.MaxDepth, "maximum recursion depth")
	fs.IntVar(&opts.workers, "workers", cfg.Workers, "parallel fan-out workers")
	fs.BoolVar(&opts.noCache, "no-cache", false, "disable the query cache")
	fs.StringVar(&opts.cacheDir, "cache-dir", cfg.CacheDir, "query cache directory")
	fs.IntVar(&opts.cacheTTL, "cache-ttl", int(cfg.CacheTTL/time.Hour), "cache entry lifetime in hours")
	fs.StringVar(&opts.checkpoint, "checkpoint", "", "checkpoint file for resumable fan-outs")
	fs.IntVar(&opts.checkpointInterval, "checkpoint-interval", 10, "write the checkpoint every N completed chunks")
	fs.BoolVar(&opts.noRLMFraming, "no-rlm-framing", false, "drop the sub-query preamble from recursive prompts")
	fs.BoolVar(&opts.jsonOutput, "json-output", false, "wrap the result in a JSON envelope")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&opts.force, "force", false, "suppress the small-dataset warning")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if opts.verbose {
		logging.InitLevel(slog.LevelDebug)
	} else {
		logging.InitLevel(slog.LevelWarn)
	}

	if err := validateOptions(opts); err != nil {
		reportError(opts.jsonOutput, "ConfigurationError", err.Error())
		return 1
	}

	cfg.ModelID = opts.model
	cfg.MaxBudgetUSD = opts.maxBudget
	cfg.MaxCalls = opts.maxCalls
	cfg.MaxDepth = opts.maxDepth
	cfg.Workers = opts.workers
	cfg.CacheEnabled = cfg.CacheEnabled && !opts.noCache
	cfg.CacheDir = opts.cacheDir
	cfg.CacheTTL = time.Duration(opts.cacheTTL) * time.Hour

	if err := cfg.Validate(); err != nil {
		reportError(opts.jsonOutput, "ConfigurationError", err.Error())
		return 1
	}

	program, err := loadProgram(opts)
	if err != nil {
		reportError(opts.jsonOutput, "ConfigurationError", err.Error())
		return 1
	}

	corpus, err := loadCorpus(ctx, cfg, opts)
	if err != nil {
		reportError(opts.jsonOutput, "MailSourceError", err.Error())
		return 1
	}
	if !opts.force && len(corpus.Records) < 100 {
		fmt.Fprintf(os.Stderr, "Warning: only %d emails loaded; small corpora rarely need recursive analysis (--force silences this)\n", len(corpus.Records))
	}

	pricing := models.DefaultPricing()
	if cfg.PricingFile != "" {
		if loaded, err := models.LoadPricing(cfg.PricingFile); err == nil {
			pricing = loaded
		} else {
			slog.Warn("pricing file ignored", "path", cfg.PricingFile, "error", err)
		}
	}

	session := governor.NewSession(cfg.ModelID, cfg.MaxBudgetUSD, cfg.MaxCalls, cfg.MaxDepth, pricing)
	logger := logging.WithRun(uuid.NewString(), session.SessionID)

	var qc *cache.QueryCache
	if cfg.CacheEnabled {
		qc, err = cache.NewQueryCache(cfg.CacheDir, cfg.CacheTTL)
		if err != nil {
			logger.Warn("query cache disabled", "error", err)
			qc = nil
		}
	}

	client := invoker.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.RequestTimeout)
	inv := invoker.New(client, session, cfg.ModelID, invoker.Options{
		Cache:          qc,
		RequestsPerSec: cfg.RequestsPerSec,
		Timeout:        cfg.RequestTimeout,
		DisableFraming: opts.noRLMFraming,
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
		} else {
			logger.Warn("security cache disabled", "error", err)
		}
	}
	if opts.checkpoint != "" {
		deps.Parallel = func(ctx context.Context, prompt string, chunks [][]models.EmailRecord, contextFn func([]models.EmailRecord) string) ([]string, error) {
			return fanout.CheckpointedMap(ctx, inv, prompt, chunks, contextFn, cfg.Workers, opts.checkpoint, opts.checkpointInterval)
		}
	}

	env := executor.Env{
		Corpus:   corpus.Records,
		Metadata: corpus.Metadata,
		Deps:     deps,
		Session:  func() *governor.Session { return session },
		Logger:   logger,
	}

	logger.Info("running program", "steps", len(program.Steps), "emails", len(corpus.Records))
	res := executor.Run(ctx, env, program)

	if res.Aborted != nil {
		kind := "ExecutionError"
		var budgetErr *governor.BudgetExceededError
		var depthErr *governor.DepthExceededError
		switch {
		case errors.As(res.Aborted, &budgetErr):
			kind = "BudgetExceeded"
		case errors.As(res.Aborted, &depthErr):
			kind = "RecursionDepthExceeded"
		}
		snap := session.Snapshot()
		reportError(opts.jsonOutput, kind, fmt.Sprintf("%v (cost $%.4f over %d calls)", res.Aborted, snap.CostUSD, snap.CallCount))
		return 1
	}

	if opts.jsonOutput {
		envelope := struct {
			Status          string            `json:"status"`
			RLMResult       string            `json:"rlm_result"`
			EmailsProcessed int               `json:"emails_processed"`
			Query           string            `json:"query"`
			StepsRun        int               `json:"steps_run"`
			Session         governor.Snapshot `json:"session"`
		}{
			Status:          "success",
			RLMResult:       res.Output,
			EmailsProcessed: len(corpus.Records),
			Query:           corpus.Metadata.Query,
			StepsRun:        res.StepsRun,
			Session:         session.Snapshot(),
		}
		out, _ := json.MarshalIndent(envelope, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(res.Output)
	}
	return 0
}

func validateOptions(opts cliOptions) error {
	if (opts.query == "") == (opts.loadFile == "") {
		return fmt.Errorf("exactly one of --query or --load-file is required")
	}
	if (opts.code == "") == (opts.codeFile == "") {
		return fmt.Errorf("exactly one of --code or --code-file is required")
	}
	switch models.FormatLevel(opts.format) {
	case models.FormatMinimal, models.FormatMetadata, models.FormatFull:
	default:
		return fmt.Errorf("invalid --format %q: must be minimal, metadata, or full", opts.format)
	}
	if opts.checkpointInterval < 1 {
		return fmt.Errorf("--checkpoint-interval must be at least 1")
	}
	return nil
}

// loadProgram accepts either a bare JSON action array or a {"steps": [...]}
// object.
func loadProgram(opts cliOptions) (executor.Program, error) {
	raw := opts.code
	if opts.codeFile != "" {
		data, err := os.ReadFile(opts.codeFile)
		if err != nil {
			return executor.Program{}, fmt.Errorf("code file: %w", err)
		}
		raw = string(data)
	}

	var program executor.Program
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &program.Steps); err != nil {
			return executor.Program{}, fmt.Errorf("invalid program: %w", err)
		}
	} else if err := json.Unmarshal([]byte(trimmed), &program); err != nil {
		return executor.Program{}, fmt.Errorf("invalid program: %w", err)
	}
	if len(program.Steps) == 0 {
		return executor.Program{}, fmt.Errorf("program has no steps")
	}
	return program, nil
}

func loadCorpus(ctx context.Context, cfg *config.Config, opts cliOptions) (*models.Corpus, error) {
	if opts.loadFile != "" {
		return mail.LoadFile(opts.loadFile)
	}
	src := mail.NewBrowserSource(mail.BrowserOptions{
		URL:       cfg.WebmailURL,
		ExecPath:  cfg.BrowserPath,
		Headless:  true,
		MaxScrape: opts.maxResults,
	})
	return mail.Load(ctx, src, opts.query, opts.maxResults, models.FormatLevel(opts.format))
}

func reportError(jsonOutput bool, kind, message string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"status":     "error",
			"error_type": kind,
			"message":    message,
		})
		fmt.Fprintln(os.Stderr, string(out))
		return
	}
	fmt.Fprintf(os.Stderr, "Error (%s): %s\n", kind, message)
}
