package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"mailrlm/internal/cache"
	"mailrlm/internal/governor"
)

// Sentinel values returned in place of a result when a model call fails.
// They are in-band strings, not errors: a fan-out over fifty chunks should
// not die because one chunk's call timed out.
const (
	sentinelPrefix  = "[LLM Error: "
	sentinelTimeout = "[LLM Error: Query timed out]"
)

// IsSentinel reports whether a result string is a failure sentinel rather
// than model output.
func IsSentinel(result string) bool {
	return strings.HasPrefix(result, sentinelPrefix)
}

// framingPreamble tells the callee it is one sub-query among many, so its
// answer composes cleanly during aggregation.
const framingPreamble = "You are handling one sub-query within a larger analysis. " +
	"Many sub-queries run in parallel and their answers are aggregated programmatically. " +
	"Be concise, answer only what is asked, and skip preambles and meta-commentary."

func authSentinel(detail string) string {
	return fmt.Sprintf("%sAuthentication failed: %s]", sentinelPrefix, detail)
}

func failureSentinel(class string, err error) string {
	return fmt.Sprintf("%s%s: %v]", sentinelPrefix, class, err)
}

// Invoker is the single path for model calls. Every invocation passes the
// governor's budget and depth gates, consults the query cache, and obeys the
// shared rate limiter. Failures other than budget and depth come back as
// sentinel strings.
type Invoker struct {
	client  Client
	session *governor.Session
	cache   *cache.QueryCache
	limiter *rate.Limiter
	modelID string
	timeout time.Duration
	framing bool
	logger  *slog.Logger
}

// Options configures optional invoker behavior.
type Options struct {
	Cache          *cache.QueryCache
	RequestsPerSec float64
	Timeout        time.Duration
	// DisableFraming drops the sub-query preamble from composed prompts.
	DisableFraming bool
	Logger         *slog.Logger
}

// New wires an invoker. A nil cache disables memoization.
func New(client Client, session *governor.Session, modelID string, opts Options) *Invoker {
	rps := opts.RequestsPerSec
	if rps <= 0 {
		rps = 2.0
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		client:  client,
		session: session,
		cache:   opts.Cache,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		modelID: modelID,
		timeout: timeout,
		framing: !opts.DisableFraming,
		logger:  logger,
	}
}

// ModelID returns the model this invoker sends calls to.
func (inv *Invoker) ModelID() string {
	return inv.modelID
}

// Session returns the governor session shared by all invocations.
func (inv *Invoker) Session() *governor.Session {
	return inv.session
}

// Invoke runs one model call over a prompt and its context window slice.
// The result is either model text or a sentinel string; the error return is
// reserved for budget and depth violations, which must stop the caller.
func (inv *Invoker) Invoke(ctx context.Context, prompt, contextData string) (string, error) {
	if err := inv.session.CheckBudget(); err != nil {
		return "", err
	}

	key := cache.Key(prompt, contextData, inv.modelID)
	if inv.cache != nil {
		if result, tokensSaved, found := inv.cache.Get(key); found {
			inv.session.RecordCacheHit(tokensSaved)
			inv.logger.Debug("cache hit", "key", key[:16])
			return result, nil
		}
		inv.session.RecordCacheMiss()
	}

	release, err := inv.session.EnterDepth()
	if err != nil {
		return "", err
	}
	defer release()

	if err := inv.limiter.Wait(ctx); err != nil {
		return failureSentinel("RateLimitWait", err), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	result, usage, err := inv.client.Complete(callCtx, inv.modelID, inv.composePrompt(prompt, contextData))
	if err != nil {
		// A failed call still consumes one slot of the call allowance.
		inv.session.AddUsage(0, 0)
		return inv.classifyFailure(err), nil
	}

	inv.session.AddUsage(usage.InputTokens, usage.OutputTokens)

	if inv.cache != nil && !IsSentinel(result) {
		if err := inv.cache.Set(key, result, usage.InputTokens+usage.OutputTokens, inv.modelID); err != nil {
			inv.logger.Warn("failed to write cache entry", "error", err)
		}
	}
	return result, nil
}

func (inv *Invoker) composePrompt(prompt, contextData string) string {
	var b strings.Builder
	if inv.framing {
		b.WriteString(framingPreamble)
		b.WriteString("\n\n")
	}
	if contextData != "" {
		fmt.Fprintf(&b, "Data to analyze:\n%s\n", contextData)
	}
	fmt.Fprintf(&b, "Task: %s", prompt)
	return b.String()
}

func (inv *Invoker) classifyFailure(err error) string {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			inv.logger.Error("authentication rejected", "status", apiErr.StatusCode)
			return authSentinel(fmt.Sprintf("status %d", apiErr.StatusCode))
		case http.StatusTooManyRequests:
			return failureSentinel("RateLimited", err)
		default:
			return failureSentinel("APIError", err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		inv.logger.Warn("model call timed out", "timeout", inv.timeout)
		return sentinelTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return sentinelTimeout
	}

	inv.logger.Warn("model call failed", "error", err)
	return failureSentinel("RequestError", err)
}
