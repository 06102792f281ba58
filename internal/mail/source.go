package mail

import (
	"context"
	"fmt"

	"mailrlm/internal/models"
)

// Source is a paged mail backend. Search returns one page of message ids
// plus a continuation token ("" when exhausted); Fetch resolves a single
// message at the requested detail level.
type Source interface {
	Search(ctx context.Context, query, pageToken string, pageSize int) (ids []string, next string, err error)
	Fetch(ctx context.Context, id string, format models.FormatLevel) (models.EmailRecord, error)
}

// SourceError wraps a failure from the underlying mail backend.
type SourceError struct {
	Op  string
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("mail source %s: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Load pages the source until maxResults ids are collected or the
// continuation runs out, then fetches each message. Page size is capped at
// 100. Duplicate ids are dropped at corpus construction, keep-first.
func Load(ctx context.Context, src Source, query string, maxResults int, format models.FormatLevel) (*models.Corpus, error) {
	if maxResults <= 0 {
		maxResults = 200
	}

	var ids []string
	pageToken := ""
	pages := 0
	for len(ids) < maxResults {
		remaining := maxResults - len(ids)
		pageSize := remaining
		if pageSize > 100 {
			pageSize = 100
		}

		pageIDs, next, err := src.Search(ctx, query, pageToken, pageSize)
		if err != nil {
			return nil, &SourceError{Op: "search", Err: err}
		}
		pages++
		if len(pageIDs) == 0 {
			break
		}
		ids = append(ids, pageIDs...)
		if next == "" {
			break
		}
		pageToken = next
	}

	records := make([]models.EmailRecord, 0, len(ids))
	for _, id := range ids {
		r, err := src.Fetch(ctx, id, format)
		if err != nil {
			return nil, &SourceError{Op: "fetch", Err: err}
		}
		records = append(records, r)
	}

	corpus := models.NewCorpus(records, models.CorpusMetadata{
		Query:        query,
		Count:        len(records),
		Format:       format,
		PagesFetched: pages,
	})
	return corpus, nil
}
