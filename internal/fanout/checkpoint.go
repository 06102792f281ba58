package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"mailrlm/internal/invoker"
	"mailrlm/internal/models"
	"mailrlm/internal/primitives"
)

// CheckpointedQuery fans out pre-built pairs with crash recovery. Progress
// is written to checkpointPath every interval completions and at
// termination; an existing checkpoint resumes the run when its chunk count
// matches, and is deleted once every slot completes. Resumption assumes the
// caller supplies the same pairs in the same order as the interrupted run.
func CheckpointedQuery(ctx context.Context, inv *invoker.Invoker, pairs []Pair, maxWorkers int, checkpointPath string, interval int) ([]string, error) {
	if checkpointPath == "" {
		return ParallelQuery(ctx, inv, pairs, maxWorkers)
	}
	if interval <= 0 {
		interval = 10
	}

	cp := loadCheckpoint(checkpointPath, len(pairs))
	skip := make(map[int]bool, len(cp.CompletedIndices))
	preset := make(map[int]string, len(cp.CompletedIndices))
	for slot, idx := range cp.CompletedIndices {
		if idx >= 0 && idx < len(pairs) && slot < len(cp.PartialResults) {
			skip[idx] = true
			preset[idx] = cp.PartialResults[slot]
		}
	}
	if len(skip) > 0 {
		slog.Info("resuming from checkpoint", "path", checkpointPath, "completed", len(skip), "total", len(pairs))
	}

	sinceWrite := 0
	onDone := func(index int, result string) {
		preset[index] = result
		sinceWrite++
		if sinceWrite >= interval {
			sinceWrite = 0
			if err := writeCheckpoint(checkpointPath, cp.CheckpointID, len(pairs), preset, inv); err != nil {
				slog.Warn("failed to write checkpoint", "path", checkpointPath, "error", err)
			}
		}
	}

	results, completed, err := parallelQuery(ctx, inv, pairs, maxWorkers, skip, onDone)
	for idx, r := range preset {
		if skip[idx] {
			results[idx] = r
		}
	}

	if err != nil {
		// Persist whatever finished so the next run can resume.
		if werr := writeCheckpoint(checkpointPath, cp.CheckpointID, len(pairs), preset, inv); werr != nil {
			slog.Warn("failed to write checkpoint", "path", checkpointPath, "error", werr)
		}
		return results, err
	}

	if len(completed) == len(pairs) {
		if rerr := os.Remove(checkpointPath); rerr != nil && !os.IsNotExist(rerr) {
			slog.Warn("failed to remove checkpoint", "path", checkpointPath, "error", rerr)
		}
	}
	return results, nil
}

// CheckpointedMap is the chunk-level variant of CheckpointedQuery.
func CheckpointedMap(ctx context.Context, inv *invoker.Invoker, prompt string, chunks [][]models.EmailRecord, contextFn func([]models.EmailRecord) string, maxWorkers int, checkpointPath string, interval int) ([]string, error) {
	if contextFn == nil {
		contextFn = primitives.BatchExtractSummaries
	}
	pairs := make([]Pair, len(chunks))
	for i, chunk := range chunks {
		pairs[i] = Pair{Prompt: prompt, Context: contextFn(chunk)}
	}
	return CheckpointedQuery(ctx, inv, pairs, maxWorkers, checkpointPath, interval)
}

// loadCheckpoint reads a resumable checkpoint. A missing, corrupt, or
// mismatched file yields a fresh checkpoint; corrupt files are deleted.
func loadCheckpoint(path string, chunkCount int) models.Checkpoint {
	fresh := models.Checkpoint{
		CheckpointID: uuid.NewString(),
		ChunkCount:   chunkCount,
		CreatedAt:    time.Now().Format(time.RFC3339),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fresh
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		slog.Debug("removing corrupt checkpoint", "path", path, "error", err)
		os.Remove(path)
		return fresh
	}
	if cp.ChunkCount != chunkCount {
		slog.Warn("checkpoint chunk count mismatch, starting fresh",
			"path", path, "stored", cp.ChunkCount, "current", chunkCount)
		return fresh
	}
	if len(cp.CompletedIndices) != len(cp.PartialResults) {
		os.Remove(path)
		return fresh
	}
	return cp
}

// writeCheckpoint persists progress atomically via temp-file + rename.
func writeCheckpoint(path, checkpointID string, chunkCount int, completed map[int]string, inv *invoker.Invoker) error {
	indices := make([]int, 0, len(completed))
	for idx := range completed {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	partials := make([]string, len(indices))
	for i, idx := range indices {
		partials[i] = completed[idx]
	}

	var sessionSnapshot map[string]any
	if inv != nil {
		raw, err := json.Marshal(inv.Session().Snapshot())
		if err == nil {
			_ = json.Unmarshal(raw, &sessionSnapshot)
		}
	}

	cp := models.Checkpoint{
		CheckpointID:     checkpointID,
		ChunkCount:       chunkCount,
		CompletedIndices: indices,
		PartialResults:   partials,
		SessionSnapshot:  sessionSnapshot,
		CreatedAt:        time.Now().Format(time.RFC3339),
		UpdatedAt:        time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}
