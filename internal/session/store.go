package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// State is one persisted conversation session: the rolling goal/response
// history plus budget bookkeeping.
type State struct {
	SessionID       string         `json:"session_id"`
	History         [][2]string    `json:"history"`
	BudgetLimit     float64        `json:"budget_limit"`
	BudgetUsed      float64        `json:"budget_used"`
	BudgetRemaining float64        `json:"budget_remaining"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	Metadata        map[string]any `json:"metadata"`
}

// AddTurn appends a goal/response pair and charges its cost against the
// budget.
func (s *State) AddTurn(goal, response string, cost float64) {
	s.History = append(s.History, [2]string{goal, response})
	s.BudgetUsed += cost
	s.BudgetRemaining = s.BudgetLimit - s.BudgetUsed
	s.UpdatedAt = time.Now().Format(time.RFC3339)
}

// Summary is the listing view of a stored session.
type Summary struct {
	SessionID       string  `json:"session_id"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	Turns           int     `json:"turns"`
	BudgetUsed      float64 `json:"budget_used"`
	BudgetRemaining float64 `json:"budget_remaining"`
}

// Store reads and writes session files in a single directory, one JSON file
// per session id.
type Store struct {
	dir string
}

// DefaultDir is the per-user session directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mailrlm", "sessions")
	}
	return filepath.Join(home, ".mailrlm", "sessions")
}

// NewStore creates the sessions directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// NewSessionID derives an id from the current local time.
func NewSessionID() string {
	return "session_" + time.Now().Format("20060102_150405")
}

// Create returns a fresh unsaved session with the given budget.
func (st *Store) Create(budget float64) *State {
	now := time.Now().Format(time.RFC3339)
	return &State{
		SessionID:       NewSessionID(),
		History:         [][2]string{},
		BudgetLimit:     budget,
		BudgetRemaining: budget,
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        map[string]any{},
	}
}

func (st *Store) path(sessionID string) string {
	return filepath.Join(st.dir, sessionID+".json")
}

// Save writes the session file and returns its path.
func (st *Store) Save(s *State) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	path := st.path(s.SessionID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Load returns the stored session, or nil when the file is missing or
// corrupt.
func (st *Store) Load(sessionID string) *State {
	data, err := os.ReadFile(st.path(sessionID))
	if err != nil {
		return nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	if s.SessionID == "" {
		return nil
	}
	return &s
}

// List summarizes every readable session file, most recently updated first.
// Unreadable files are skipped.
func (st *Store) List() []Summary {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil
	}

	var sessions []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		s := st.Load(name[:len(name)-len(".json")])
		if s == nil {
			continue
		}
		sessions = append(sessions, Summary{
			SessionID:       s.SessionID,
			CreatedAt:       s.CreatedAt,
			UpdatedAt:       s.UpdatedAt,
			Turns:           len(s.History),
			BudgetUsed:      s.BudgetUsed,
			BudgetRemaining: s.BudgetRemaining,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
	return sessions
}

// Delete removes a session file, reporting whether it existed.
func (st *Store) Delete(sessionID string) bool {
	err := os.Remove(st.path(sessionID))
	return err == nil
}
