package governor

import (
	"fmt"
	"sync"
	"time"

	"mailrlm/internal/models"
)

// BudgetExceededError signals the session has spent its budget or exhausted
// its call allowance. It terminates the current program, not the process.
type BudgetExceededError struct {
	CostUSD   float64
	LimitUSD  float64
	CallCount int
	MaxCalls  int
}

func (e *BudgetExceededError) Error() string {
	if e.CallCount >= e.MaxCalls {
		return fmt.Sprintf("budget exceeded: call count %d reached limit %d", e.CallCount, e.MaxCalls)
	}
	return fmt.Sprintf("budget exceeded: cost $%.4f reached limit $%.4f", e.CostUSD, e.LimitUSD)
}

// DepthExceededError signals a model invocation was attempted at the
// recursion depth ceiling.
type DepthExceededError struct {
	Depth    int
	MaxDepth int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("recursion depth exceeded: depth %d at limit %d", e.Depth, e.MaxDepth)
}

// Session is the per-process governor: it tracks token usage, call count,
// and recursion depth, and gates every model invocation against the
// configured ceilings. All methods are safe for concurrent fan-out workers.
type Session struct {
	mu sync.Mutex

	SessionID string
	CreatedAt time.Time
	UpdatedAt time.Time

	ModelID      string
	MaxBudgetUSD float64
	MaxCalls     int
	MaxDepth     int

	totalInputTokens  int64
	totalOutputTokens int64
	callCount         int
	currentDepth      int

	cacheHits   int64
	cacheMisses int64
	tokensSaved int64

	pricing models.PricingTable
}

// NewSession builds a governor session. Session IDs follow the
// session_YYYYMMDD_HHMMSS convention so runs sort chronologically on disk.
func NewSession(modelID string, maxBudgetUSD float64, maxCalls, maxDepth int, pricing models.PricingTable) *Session {
	if pricing == nil {
		pricing = models.DefaultPricing()
	}
	now := time.Now()
	return &Session{
		SessionID:    "session_" + now.Format("20060102_150405"),
		CreatedAt:    now,
		UpdatedAt:    now,
		ModelID:      modelID,
		MaxBudgetUSD: maxBudgetUSD,
		MaxCalls:     maxCalls,
		MaxDepth:     maxDepth,
		pricing:      pricing,
	}
}

// CheckBudget gates a model call. It fails when the cost accumulated so far
// already meets the budget, or when the call allowance is spent.
func (s *Session) CheckBudget() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cost := s.costLocked()
	if cost >= s.MaxBudgetUSD {
		return &BudgetExceededError{CostUSD: cost, LimitUSD: s.MaxBudgetUSD, CallCount: s.callCount, MaxCalls: s.MaxCalls}
	}
	if s.callCount >= s.MaxCalls {
		return &BudgetExceededError{CostUSD: cost, LimitUSD: s.MaxBudgetUSD, CallCount: s.callCount, MaxCalls: s.MaxCalls}
	}
	return nil
}

// EnterDepth claims one level of recursion depth. The returned release must
// run on every exit path.
func (s *Session) EnterDepth() (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentDepth >= s.MaxDepth {
		return nil, &DepthExceededError{Depth: s.currentDepth, MaxDepth: s.MaxDepth}
	}
	s.currentDepth++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.currentDepth--
			s.mu.Unlock()
		})
	}, nil
}

// AddUsage records the token usage of one completed model call.
func (s *Session) AddUsage(inputTokens, outputTokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalInputTokens += inputTokens
	s.totalOutputTokens += outputTokens
	s.callCount++
	s.UpdatedAt = time.Now()
}

// RecordCacheHit credits a cache hit and the tokens it avoided spending.
func (s *Session) RecordCacheHit(tokensSaved int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheHits++
	s.tokensSaved += tokensSaved
}

// RecordCacheMiss counts a cache miss.
func (s *Session) RecordCacheMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheMisses++
}

func (s *Session) costLocked() float64 {
	return s.pricing.Cost(s.ModelID, s.totalInputTokens, s.totalOutputTokens)
}

// Cost returns the cumulative USD cost of the session so far.
func (s *Session) Cost() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.costLocked()
}

// Snapshot is a point-in-time copy of the session counters.
type Snapshot struct {
	SessionID         string  `json:"session_id"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	CallCount         int     `json:"call_count"`
	ModelID           string  `json:"model_id"`
	MaxBudgetUSD      float64 `json:"max_budget_usd"`
	MaxCalls          int     `json:"max_calls"`
	CurrentDepth      int     `json:"current_depth"`
	MaxDepth          int     `json:"max_depth"`
	CacheHits         int64   `json:"cache_hits"`
	CacheMisses       int64   `json:"cache_misses"`
	TokensSaved       int64   `json:"tokens_saved"`
	CostUSD           float64 `json:"cost_usd"`
}

// Snapshot copies the counters under the lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		SessionID:         s.SessionID,
		CreatedAt:         s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         s.UpdatedAt.Format(time.RFC3339),
		TotalInputTokens:  s.totalInputTokens,
		TotalOutputTokens: s.totalOutputTokens,
		CallCount:         s.callCount,
		ModelID:           s.ModelID,
		MaxBudgetUSD:      s.MaxBudgetUSD,
		MaxCalls:          s.MaxCalls,
		CurrentDepth:      s.currentDepth,
		MaxDepth:          s.MaxDepth,
		CacheHits:         s.cacheHits,
		CacheMisses:       s.cacheMisses,
		TokensSaved:       s.tokensSaved,
		CostUSD:           s.costLocked(),
	}
}
