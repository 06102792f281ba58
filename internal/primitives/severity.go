package primitives

import (
	"strings"

	"mailrlm/internal/models"
)

// Severity is a normalized alert priority, P1 (critical) through P5 (info).
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
	SeverityP5 Severity = "P5"
)

// Severities lists all priorities in escalation order.
var Severities = []Severity{SeverityP1, SeverityP2, SeverityP3, SeverityP4, SeverityP5}

// severityHeaders are the header names security tools use for severity, in
// probe order. Covers CrowdStrike, Splunk, Azure Sentinel, Palo Alto,
// Elastic, Microsoft Defender, Cisco Secure, and Fortinet alert mail.
var severityHeaders = []string{
	"severity",
	"urgency",
	"alertSeverity",
	"threat_severity",
	"event.severity",
	"priority",
	"level",
}

// severityValues normalizes tool-specific severity values to priorities.
var severityValues = map[string]Severity{
	"critical":      SeverityP1,
	"very high":     SeverityP1,
	"5":             SeverityP1,
	"high":          SeverityP2,
	"4":             SeverityP2,
	"medium":        SeverityP3,
	"moderate":      SeverityP3,
	"3":             SeverityP3,
	"low":           SeverityP4,
	"2":             SeverityP4,
	"info":          SeverityP5,
	"informational": SeverityP5,
	"1":             SeverityP5,
	"0":             SeverityP5,
}

// severityWords maps text patterns to priorities, probed in escalation order
// so a message mentioning both "critical" and "low" classifies as P1.
var severityWords = []struct {
	words    []string
	priority Severity
}{
	{[]string{"critical", "p1", "sev-1", "emergency"}, SeverityP1},
	{[]string{"high", "p2", "sev-2", "urgent"}, SeverityP2},
	{[]string{"medium", "p3", "sev-3"}, SeverityP3},
	{[]string{"low", "p4", "sev-4"}, SeverityP4},
	{[]string{"info", "p5", "sev-5", "informational"}, SeverityP5},
}

// ExtractSeverity normalizes an alert's severity. It probes the known tool
// header names first, then falls back to word patterns over subject, snippet,
// and body. Undeterminable alerts default to P3.
func ExtractSeverity(r models.EmailRecord) Severity {
	for _, name := range severityHeaders {
		if v, ok := r.Header(name); ok && v != "" {
			if p, ok := severityValues[strings.ToLower(strings.TrimSpace(v))]; ok {
				return p
			}
		}
	}

	combined := strings.ToLower(r.Subject + " " + r.Snippet + " " + r.Body)
	for _, entry := range severityWords {
		for _, w := range entry.words {
			if strings.Contains(combined, w) {
				return entry.priority
			}
		}
	}
	return SeverityP3
}

// HasExplicitSeverity reports whether the subject or snippet names P3
// outright ("p3" or "medium"). The body, the "sev-3" pattern, and header
// values are not checked. Callers use this to decide which alerts still need
// model classification.
func HasExplicitSeverity(r models.EmailRecord) bool {
	combined := strings.ToLower(r.Subject + " " + r.Snippet)
	return strings.Contains(combined, "p3") || strings.Contains(combined, "medium")
}
