package models

// Checkpoint is the on-disk progress snapshot for a checkpointed fan-out.
// A checkpoint is resumable only against the same input list in the same
// order; chunk_count is the guard for that.
type Checkpoint struct {
	CheckpointID     string         `json:"checkpoint_id"`
	ChunkCount       int            `json:"chunk_count"`
	CompletedIndices []int          `json:"completed_indices"`
	PartialResults   []string       `json:"partial_results"`
	SessionSnapshot  map[string]any `json:"session_snapshot,omitempty"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}
