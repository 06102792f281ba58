package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mailrlm/internal/governor"
	"mailrlm/internal/invoker"
	"mailrlm/internal/models"
)

// scriptedClient answers each completion by echoing a marker derived from
// the prompt so tests can verify slot ordering.
type scriptedClient struct {
	calls   atomic.Int32
	respond func(prompt string) (string, invoker.Usage, error)
}

func (s *scriptedClient) Complete(ctx context.Context, model, prompt string) (string, invoker.Usage, error) {
	s.calls.Add(1)
	if s.respond != nil {
		return s.respond(prompt)
	}
	return "ok", invoker.Usage{InputTokens: 1, OutputTokens: 1}, nil
}

func newFanoutInvoker(client invoker.Client, maxBudget float64, maxCalls int) *invoker.Invoker {
	session := governor.NewSession("test-model", maxBudget, maxCalls, 10, models.DefaultPricing())
	return invoker.New(client, session, "test-model", invoker.Options{RequestsPerSec: 10000, Timeout: time.Second})
}

func echoPairs(n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{Prompt: fmt.Sprintf("task-%03d", i)}
	}
	return pairs
}

func TestParallelQueryPreservesOrder(t *testing.T) {
	client := &scriptedClient{respond: func(prompt string) (string, invoker.Usage, error) {
		return "echo:" + prompt[len(prompt)-8:], invoker.Usage{InputTokens: 1, OutputTokens: 1}, nil
	}}
	inv := newFanoutInvoker(client, 100, 1000)

	pairs := echoPairs(25)
	results, err := ParallelQuery(context.Background(), inv, pairs, 8)
	if err != nil {
		t.Fatalf("ParallelQuery: %v", err)
	}
	if len(results) != 25 {
		t.Fatalf("expected 25 results, got %d", len(results))
	}
	for i, r := range results {
		want := fmt.Sprintf("echo:task-%03d", i)
		if r != want {
			t.Errorf("slot %d: got %q want %q", i, r, want)
		}
	}
}

func TestParallelQuerySentinelInSlot(t *testing.T) {
	client := &scriptedClient{respond: func(prompt string) (string, invoker.Usage, error) {
		if strings.Contains(prompt, "task-002") {
			return "", invoker.Usage{}, fmt.Errorf("connection reset")
		}
		return "fine", invoker.Usage{InputTokens: 1, OutputTokens: 1}, nil
	}}
	inv := newFanoutInvoker(client, 100, 1000)

	results, err := ParallelQuery(context.Background(), inv, echoPairs(5), 3)
	if err != nil {
		t.Fatalf("failed calls must not abort the fan-out: %v", err)
	}
	if !invoker.IsSentinel(results[2]) {
		t.Errorf("expected sentinel in failed slot, got %q", results[2])
	}
	for _, i := range []int{0, 1, 3, 4} {
		if results[i] != "fine" {
			t.Errorf("slot %d: got %q", i, results[i])
		}
	}
}

func TestParallelQueryBudgetAborts(t *testing.T) {
	client := &scriptedClient{respond: func(prompt string) (string, invoker.Usage, error) {
		return "x", invoker.Usage{InputTokens: 500_000, OutputTokens: 500_000}, nil
	}}
	// One call blows the budget; subsequent workers must abort.
	inv := newFanoutInvoker(client, 0.01, 1000)

	_, err := ParallelQuery(context.Background(), inv, echoPairs(40), 1)
	if err == nil {
		t.Fatal("expected budget violation to propagate")
	}
	if !IsGovernorError(err) {
		t.Fatalf("expected governor error, got %v", err)
	}
	if got := client.calls.Load(); got >= 40 {
		t.Errorf("expected abort before all slots ran, got %d calls", got)
	}
}

func TestParallelMapBuildsContexts(t *testing.T) {
	var seen atomic.Int32
	client := &scriptedClient{respond: func(prompt string) (string, invoker.Usage, error) {
		if strings.Contains(prompt, "alpha@example.com") {
			seen.Add(1)
		}
		return "done", invoker.Usage{InputTokens: 1, OutputTokens: 1}, nil
	}}
	inv := newFanoutInvoker(client, 100, 1000)

	chunks := [][]models.EmailRecord{
		{{ID: "1", From: "alpha@example.com", Subject: "hello"}},
		{{ID: "2", From: "beta@example.com", Subject: "world"}},
	}
	results, err := ParallelMap(context.Background(), inv, "summarize", chunks, nil, 2)
	if err != nil {
		t.Fatalf("ParallelMap: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if seen.Load() != 1 {
		t.Errorf("expected exactly one call carrying the alpha sender context, got %d", seen.Load())
	}
}

func TestParallelQueryDefaultWorkers(t *testing.T) {
	client := &scriptedClient{}
	inv := newFanoutInvoker(client, 100, 1000)

	results, err := ParallelQuery(context.Background(), inv, echoPairs(3), 0)
	if err != nil {
		t.Fatalf("ParallelQuery: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if got := client.calls.Load(); got != 3 {
		t.Errorf("expected 3 upstream calls, got %d", got)
	}
}

func TestIsGovernorError(t *testing.T) {
	if !IsGovernorError(&governor.BudgetExceededError{CostUSD: 6, LimitUSD: 5}) {
		t.Error("budget error not recognized")
	}
	if !IsGovernorError(&governor.DepthExceededError{Depth: 4, MaxDepth: 3}) {
		t.Error("depth error not recognized")
	}
	if IsGovernorError(fmt.Errorf("plain failure")) {
		t.Error("plain error misclassified")
	}
}
