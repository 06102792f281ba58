package threatstore

import (
	"testing"
)

func TestAddObservedIOCAndHistory(t *testing.T) {
	store, err := New(t.TempDir(), 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := map[string]any{"alert_type": "brute_force", "severity": "P2"}
	if err := store.AddObservedIOC("192.0.2.7", "ip", ctx); err != nil {
		t.Fatalf("AddObservedIOC: %v", err)
	}
	if err := store.AddObservedIOC("192.0.2.7", "ip", ctx); err != nil {
		t.Fatalf("AddObservedIOC: %v", err)
	}

	history := store.IOCHistory("192.0.2.7", "ip")
	if len(history) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(history))
	}
	if history[0].Severity != "P2" {
		t.Errorf("expected severity from context, got %q", history[0].Severity)
	}

	// Lookup without a type probes the known types.
	untyped := store.IOCHistory("192.0.2.7", "")
	if len(untyped) != 2 {
		t.Errorf("expected untyped lookup to find observations, got %d", len(untyped))
	}
}

func TestIOCHistoryMissing(t *testing.T) {
	store, err := New(t.TempDir(), 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if history := store.IOCHistory("nothing.example", "domain"); len(history) != 0 {
		t.Errorf("expected empty history, got %d", len(history))
	}
}

func TestSearchSimilarPatterns(t *testing.T) {
	store, err := New(t.TempDir(), 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stored := AttackPattern{
		PatternType:     "kill_chain",
		Description:     "phishing into execution",
		MITRETechniques: []string{"T1566", "T1059"},
		Severity:        "P1",
	}
	if err := store.AddAttackPattern(stored); err != nil {
		t.Fatalf("AddAttackPattern: %v", err)
	}
	unrelated := AttackPattern{
		PatternType:     "brute_force",
		MITRETechniques: []string{"T1110"},
		Severity:        "P3",
	}
	if err := store.AddAttackPattern(unrelated); err != nil {
		t.Fatalf("AddAttackPattern: %v", err)
	}

	probe := AttackPattern{
		PatternType:     "kill_chain",
		MITRETechniques: []string{"T1566", "T1059", "T1071"},
	}
	similar := store.SearchSimilarPatterns(probe, 0.7)
	if len(similar) != 1 {
		t.Fatalf("expected 1 similar pattern, got %d", len(similar))
	}
	// Jaccard 2/3 plus the same-type bonus.
	if similar[0].SimilarityScore < 0.85 || similar[0].SimilarityScore > 0.87 {
		t.Errorf("unexpected similarity score %v", similar[0].SimilarityScore)
	}
}

func TestSearchSimilarPatternsTypeBonusCap(t *testing.T) {
	store, err := New(t.TempDir(), 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := AttackPattern{PatternType: "kill_chain", MITRETechniques: []string{"T1566"}}
	if err := store.AddAttackPattern(p); err != nil {
		t.Fatalf("AddAttackPattern: %v", err)
	}
	similar := store.SearchSimilarPatterns(p, 0.9)
	if len(similar) != 1 || similar[0].SimilarityScore != 1.0 {
		t.Errorf("expected identical pattern capped at 1.0, got %+v", similar)
	}
}

func TestStatsAndClear(t *testing.T) {
	store, err := New(t.TempDir(), 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.AddObservedIOC("a.example", "domain", map[string]any{}); err != nil {
		t.Fatalf("AddObservedIOC: %v", err)
	}
	if err := store.AddAttackPattern(AttackPattern{PatternType: "kill_chain"}); err != nil {
		t.Fatalf("AddAttackPattern: %v", err)
	}

	stats := store.Stats()
	if stats.UniqueIOCs != 1 || stats.TotalObservations != 1 || stats.AttackPatterns != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.RetentionDays != 30 {
		t.Errorf("expected 30 day retention, got %d", stats.RetentionDays)
	}

	count, err := store.Clear()
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 files cleared, got %d", count)
	}
	if s := store.Stats(); s.UniqueIOCs != 0 {
		t.Errorf("expected empty store after clear, got %+v", s)
	}
}
