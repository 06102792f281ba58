package workflows

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kaptinlin/jsonschema"

	"mailrlm/internal/cache"
	"mailrlm/internal/fanout"
	"mailrlm/internal/invoker"
	"mailrlm/internal/models"
	"mailrlm/internal/structured"
	"mailrlm/internal/threatstore"
)

// Deps carries the model-facing functions a workflow composes over. The
// fields are plain funcs so tests can substitute scripted behavior without
// a live model. Query's error return follows the invoker contract: only
// budget and depth violations, which every workflow must propagate.
type Deps struct {
	Query     func(ctx context.Context, prompt, contextData string) (string, error)
	Parallel  func(ctx context.Context, prompt string, chunks [][]models.EmailRecord, contextFn func([]models.EmailRecord) string) ([]string, error)
	QueryJSON func(ctx context.Context, prompt, contextData string, schema *jsonschema.Schema, maxRetries int) (json.RawMessage, error)
	Threats   *threatstore.Store
	SecCache  *cache.SecurityCache
	Logger    *slog.Logger
}

// NewDeps wires workflow dependencies to a live invoker. threats may be nil
// when no threat store is configured.
func NewDeps(inv *invoker.Invoker, workers int, threats *threatstore.Store) Deps {
	return Deps{
		Query: inv.Invoke,
		Parallel: func(ctx context.Context, prompt string, chunks [][]models.EmailRecord, contextFn func([]models.EmailRecord) string) ([]string, error) {
			return fanout.ParallelMap(ctx, inv, prompt, chunks, contextFn, workers)
		},
		QueryJSON: func(ctx context.Context, prompt, contextData string, schema *jsonschema.Schema, maxRetries int) (json.RawMessage, error) {
			return structured.InvokeJSON(ctx, inv, prompt, contextData, schema, maxRetries)
		},
		Threats: threats,
		Logger:  slog.Default(),
	}
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
