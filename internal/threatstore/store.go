package threatstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Observation is a single sighting of an IOC with its alert context.
type Observation struct {
	Timestamp string         `json:"timestamp"`
	IOC       string         `json:"ioc"`
	IOCType   string         `json:"ioc_type"`
	Context   map[string]any `json:"context"`
	Severity  string         `json:"severity"`
}

// iocRecord is the per-IOC JSON file shape.
type iocRecord struct {
	IOC              string        `json:"ioc"`
	IOCType          string        `json:"ioc_type"`
	Observations     []Observation `json:"observations"`
	FirstSeen        string        `json:"first_seen"`
	LastSeen         string        `json:"last_seen"`
	ObservationCount int           `json:"observation_count"`
}

// AttackPattern is a detected multi-stage or recurring attack.
type AttackPattern struct {
	PatternType     string   `json:"pattern_type"`
	Description     string   `json:"description"`
	MITRETechniques []string `json:"mitre_techniques"`
	Severity        string   `json:"severity"`
	Indicators      []string `json:"indicators"`
	Timestamp       string   `json:"timestamp,omitempty"`
	SimilarityScore float64  `json:"similarity_score,omitempty"`
}

// Stats summarizes the store contents.
type Stats struct {
	UniqueIOCs        int `json:"unique_iocs"`
	TotalObservations int `json:"total_observations"`
	AttackPatterns    int `json:"attack_patterns"`
	RetentionDays     int `json:"retention_days"`
}

// knownIOCTypes are probed when a history lookup does not name a type.
var knownIOCTypes = []string{"ip", "domain", "hash", "email", "url"}

// Store persists IOC observations and attack patterns across runs as JSON
// files, pruning anything older than the retention window on write.
type Store struct {
	dir       string
	retention time.Duration

	mu sync.Mutex
}

// New creates the store directory if needed. retentionDays defaults to 30
// when non-positive.
func New(dir string, retentionDays int) (*Store, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create threat store dir: %w", err)
	}
	return &Store{
		dir:       dir,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}, nil
}

func (s *Store) iocPath(ioc, iocType string) string {
	sum := sha256.Sum256([]byte(iocType + ":" + ioc))
	return filepath.Join(s.dir, "ioc_"+hex.EncodeToString(sum[:])[:16]+".json")
}

func (s *Store) patternPath() string {
	return filepath.Join(s.dir, "attack_patterns.json")
}

// AddObservedIOC appends an observation for an IOC, pruning observations
// past retention. The severity comes from the context's "severity" value
// when present.
func (s *Store) AddObservedIOC(ioc, iocType string, context map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.iocPath(ioc, iocType)

	var record iocRecord
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &record); err != nil {
			record = iocRecord{}
		}
	}

	severity := "unknown"
	if v, ok := context["severity"].(string); ok && v != "" {
		severity = v
	}
	record.Observations = append(record.Observations, Observation{
		Timestamp: time.Now().Format(time.RFC3339),
		IOC:       ioc,
		IOCType:   iocType,
		Context:   context,
		Severity:  severity,
	})

	record.Observations = s.pruneObservations(record.Observations)
	record.IOC = ioc
	record.IOCType = iocType
	record.ObservationCount = len(record.Observations)
	if len(record.Observations) > 0 {
		record.FirstSeen = record.Observations[0].Timestamp
		record.LastSeen = record.Observations[len(record.Observations)-1].Timestamp
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ioc record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ioc record: %w", err)
	}
	return nil
}

func (s *Store) pruneObservations(observations []Observation) []Observation {
	cutoff := time.Now().Add(-s.retention)
	var kept []Observation
	for _, obs := range observations {
		t, err := time.Parse(time.RFC3339, obs.Timestamp)
		if err != nil || !t.After(cutoff) {
			continue
		}
		kept = append(kept, obs)
	}
	return kept
}

// IOCHistory returns all stored observations of an IOC. An empty iocType
// probes every known type.
func (s *Store) IOCHistory(ioc, iocType string) []Observation {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := knownIOCTypes
	if iocType != "" {
		types = []string{iocType}
	}

	var all []Observation
	for _, t := range types {
		data, err := os.ReadFile(s.iocPath(ioc, t))
		if err != nil {
			continue
		}
		var record iocRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		all = append(all, record.Observations...)
	}
	return all
}

// AddAttackPattern appends a pattern to the log, pruning entries past
// retention.
func (s *Store) AddAttackPattern(pattern AttackPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	patterns := s.loadPatterns()
	pattern.Timestamp = time.Now().Format(time.RFC3339)
	patterns = append(patterns, pattern)

	cutoff := time.Now().Add(-s.retention)
	var kept []AttackPattern
	for _, p := range patterns {
		t, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil || !t.After(cutoff) {
			continue
		}
		kept = append(kept, p)
	}

	data, err := json.MarshalIndent(kept, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode patterns: %w", err)
	}
	if err := os.WriteFile(s.patternPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write patterns: %w", err)
	}
	return nil
}

func (s *Store) loadPatterns() []AttackPattern {
	data, err := os.ReadFile(s.patternPath())
	if err != nil {
		return nil
	}
	var patterns []AttackPattern
	if err := json.Unmarshal(data, &patterns); err != nil {
		return nil
	}
	return patterns
}

// SearchSimilarPatterns scores history against the given pattern by Jaccard
// overlap of technique sets, with a 0.2 bonus for a matching pattern type
// capped at 1.0. Results at or above minSimilarity come back sorted by
// descending score. minSimilarity defaults to 0.7 when non-positive.
func (s *Store) SearchSimilarPatterns(current AttackPattern, minSimilarity float64) []AttackPattern {
	if minSimilarity <= 0 {
		minSimilarity = 0.7
	}

	s.mu.Lock()
	history := s.loadPatterns()
	s.mu.Unlock()

	currentSet := techniqueSet(current.MITRETechniques)

	var similar []AttackPattern
	for _, h := range history {
		similarity := jaccard(currentSet, techniqueSet(h.MITRETechniques))
		if h.PatternType == current.PatternType {
			similarity = math.Min(1.0, similarity+0.2)
		}
		if similarity >= minSimilarity {
			h.SimilarityScore = math.Round(similarity*1000) / 1000
			similar = append(similar, h)
		}
	}

	sort.SliceStable(similar, func(i, j int) bool {
		return similar[i].SimilarityScore > similar[j].SimilarityScore
	})
	return similar
}

func techniqueSet(techniques []string) map[string]bool {
	set := make(map[string]bool, len(techniques))
	for _, t := range techniques {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Stats walks the store and summarizes its contents.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{RetentionDays: int(s.retention / (24 * time.Hour))}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return stats
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "ioc_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		stats.UniqueIOCs++
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var record iocRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		stats.TotalObservations += record.ObservationCount
	}

	stats.AttackPatterns = len(s.loadPatterns())
	return stats
}

// Clear removes every stored file and returns the count removed.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read threat store dir: %w", err)
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			count++
		}
	}
	return count, nil
}
