package workflows

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"mailrlm/internal/invoker"
	"mailrlm/internal/logging"
	"mailrlm/internal/models"
	"mailrlm/internal/primitives"
)

const classifyBatchSize = 20

const classifyPrompt = `Classify each security alert into priority levels:
- P1 (Critical): Immediate threat, active exploitation, data breach
- P2 (High): Significant risk, needs attention within hours
- P3 (Medium): Moderate risk, needs attention within days
- P4 (Low): Minor issue, routine monitoring
- P5 (Info): Informational, no action required

Respond with only the alert numbers and priorities, one per line:
Alert 1: P1
Alert 2: P3
etc.`

const killChainPrompt = `Analyze these security alerts for kill chain patterns.

A kill chain is a sequence of attack stages like:
- Initial Access -> Execution -> Persistence
- Reconnaissance -> Weaponization -> Delivery -> Exploitation
- Data Collection -> Exfiltration

Respond in this format:
CHAIN_DETECTED: yes/no
PATTERN: [description if detected, e.g., "Phishing -> Execution -> C2"]
SEVERITY: P1/P2/P3/P4/P5
MITRE_TECHNIQUES: [comma-separated T-IDs]`

const sourceIPPrompt = `Analyze this IP's activity pattern.

Identify the attack type (e.g., Brute Force, Port Scan, DDoS, Lateral Movement, etc.)
and assign a severity (P1-P5).

Respond in format:
ATTACK_TYPE: [type]
SEVERITY: P1/P2/P3/P4/P5`

const mitreSupplementPrompt = `Map this security alert to MITRE ATT&CK technique IDs.

Provide ONLY the technique IDs (e.g., T1566.001, T1059.001), one per line.
If no clear match, respond with "NONE".`

const executiveSummaryPrompt = `Generate a concise executive summary for the CISO based on this security triage.

Include:
1. Overall threat landscape (1-2 sentences)
2. Critical items requiring immediate action (if any)
3. Key trends or patterns
4. Recommended next steps

Keep it under 200 words. Be direct and actionable.`

var (
	priorityLine     = regexp.MustCompile(`(?i)P[1-5]`)
	chainDetectedRE  = regexp.MustCompile(`(?i)CHAIN_DETECTED:\s*(\w+)`)
	chainPatternRE   = regexp.MustCompile(`(?i)PATTERN:\s*(.+)`)
	chainSeverityRE  = regexp.MustCompile(`(?i)SEVERITY:\s*(P[1-5])`)
	chainTechRE      = regexp.MustCompile(`(?i)MITRE_TECHNIQUES:\s*(.+)`)
	attackTypeRE     = regexp.MustCompile(`(?i)ATTACK_TYPE:\s*(.+)`)
	snippetIPPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Classifications groups alerts by priority. Every priority key is always
// present, possibly empty.
type Classifications map[primitives.Severity][]models.EmailRecord

func emptyClassifications() Classifications {
	c := make(Classifications, len(primitives.Severities))
	for _, s := range primitives.Severities {
		c[s] = []models.EmailRecord{}
	}
	return c
}

// ClassifyAlerts buckets alerts into P1-P5. Alerts with an explicit severity
// field or keyword classify without a model call; the rest go to the model
// in batches, falling back to P3 when a reply line cannot be parsed or the
// batch call fails outright.
func ClassifyAlerts(ctx context.Context, deps Deps, records []models.EmailRecord) (Classifications, error) {
	classifications := emptyClassifications()

	var unclassified []models.EmailRecord
	for _, r := range records {
		severity := primitives.ExtractSeverity(r)
		if severity != primitives.SeverityP3 {
			classifications[severity] = append(classifications[severity], r)
			continue
		}
		if primitives.HasExplicitSeverity(r) {
			classifications[primitives.SeverityP3] = append(classifications[primitives.SeverityP3], r)
		} else {
			unclassified = append(unclassified, r)
		}
	}

	if len(unclassified) == 0 || deps.Query == nil {
		classifications[primitives.SeverityP3] = append(classifications[primitives.SeverityP3], unclassified...)
		return classifications, nil
	}

	for start := 0; start < len(unclassified); start += classifyBatchSize {
		end := start + classifyBatchSize
		if end > len(unclassified) {
			end = len(unclassified)
		}
		batch := unclassified[start:end]

		var sb strings.Builder
		for j, r := range batch {
			if j > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "Alert %d:\nSubject: %s\nFrom: %s\nSnippet: %s", j+1, r.Subject, r.From, r.Snippet)
		}

		result, err := deps.Query(ctx, classifyPrompt, sb.String())
		if err != nil {
			return classifications, err
		}
		if invoker.IsSentinel(result) {
			classifications[primitives.SeverityP3] = append(classifications[primitives.SeverityP3], batch...)
			continue
		}

		lines := strings.Split(strings.TrimSpace(result), "\n")
		for idx, r := range batch {
			severity := primitives.SeverityP3
			if idx < len(lines) {
				if m := priorityLine.FindString(lines[idx]); m != "" {
					severity = primitives.Severity(strings.ToUpper(m))
				}
			}
			classifications[severity] = append(classifications[severity], r)
		}
	}

	return classifications, nil
}

// KillChain is the per-window result of kill chain analysis.
type KillChain struct {
	Window          string               `json:"window"`
	ChainDetected   bool                 `json:"chain_detected"`
	Pattern         string               `json:"pattern"`
	MITRETechniques []string             `json:"mitre_techniques"`
	Severity        primitives.Severity  `json:"severity"`
	AlertCount      int                  `json:"alert_count"`
	Alerts          []models.EmailRecord `json:"alerts"`
}

// DetectKillChains runs pattern analysis over time windows. Windows with
// fewer than two alerts and the unknown-time window are skipped. A failed
// model call still records the window with an analysis-failed pattern.
func DetectKillChains(ctx context.Context, deps Deps, windows map[string][]models.EmailRecord) ([]KillChain, error) {
	keys := make([]string, 0, len(windows))
	for k := range windows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var chains []KillChain
	for _, window := range keys {
		alerts := windows[window]
		if window == primitives.UnknownTimeKey || len(alerts) < 2 {
			continue
		}

		var sb strings.Builder
		for i, a := range alerts {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			date := a.Date
			if date == "" {
				date = "unknown"
			}
			fmt.Fprintf(&sb, "Alert %d (%s):\nSubject: %s\nFrom: %s\nSnippet: %s", i+1, date, a.Subject, a.From, a.Snippet)
		}

		result, err := deps.Query(ctx, killChainPrompt, sb.String())
		if err != nil {
			return chains, err
		}
		if invoker.IsSentinel(result) {
			chains = append(chains, KillChain{
				Window:          window,
				ChainDetected:   false,
				Pattern:         "Analysis failed: " + result,
				MITRETechniques: []string{},
				Severity:        primitives.SeverityP3,
				AlertCount:      len(alerts),
				Alerts:          alerts,
			})
			continue
		}

		chains = append(chains, parseKillChainReply(window, result, alerts))
	}
	return chains, nil
}

func parseKillChainReply(window, result string, alerts []models.EmailRecord) KillChain {
	chain := KillChain{
		Window:          window,
		Pattern:         "Unknown pattern",
		MITRETechniques: []string{},
		Severity:        primitives.SeverityP2,
		AlertCount:      len(alerts),
		Alerts:          alerts,
	}
	if m := chainDetectedRE.FindStringSubmatch(result); m != nil {
		chain.ChainDetected = strings.Contains(strings.ToLower(m[1]), "yes")
	}
	if m := chainPatternRE.FindStringSubmatch(result); m != nil {
		chain.Pattern = strings.TrimSpace(m[1])
	}
	if m := chainSeverityRE.FindStringSubmatch(result); m != nil {
		chain.Severity = primitives.Severity(strings.ToUpper(m[1]))
	}
	if m := chainTechRE.FindStringSubmatch(result); m != nil {
		chain.MITRETechniques = primitives.ParseTechniqueIDs(m[1])
	}
	return chain
}

// SourceIPActivity summarizes correlated alerts sharing a source IP.
type SourceIPActivity struct {
	AlertCount      int                  `json:"alert_count"`
	TimespanMinutes int                  `json:"timespan_minutes"`
	AttackType      string               `json:"attack_type"`
	Severity        primitives.Severity  `json:"severity"`
	FirstSeen       string               `json:"first_seen,omitempty"`
	LastSeen        string               `json:"last_seen,omitempty"`
	Alerts          []models.EmailRecord `json:"alerts"`
}

// CorrelateBySourceIP groups alerts by the IPs appearing in their text and
// classifies the activity of every IP seen in two or more alerts.
func CorrelateBySourceIP(ctx context.Context, deps Deps, records []models.EmailRecord) (map[string]SourceIPActivity, error) {
	iocs := corpusIOCs(records)

	ipAlerts := make(map[string][]models.EmailRecord)
	for _, r := range records {
		combined := r.Subject + " " + r.Snippet + " " + r.Body
		for _, ip := range iocs.IPs {
			if strings.Contains(combined, ip) {
				ipAlerts[ip] = append(ipAlerts[ip], r)
			}
		}
	}

	ips := make([]string, 0, len(ipAlerts))
	for ip := range ipAlerts {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	analysis := make(map[string]SourceIPActivity)
	for _, ip := range ips {
		alerts := ipAlerts[ip]
		if len(alerts) < 2 {
			continue
		}

		activity := SourceIPActivity{
			AlertCount: len(alerts),
			AttackType: "Unknown",
			Severity:   primitives.SeverityP3,
			Alerts:     alerts,
		}

		var first, last string
		haveDates := false
		for _, a := range alerts {
			t, ok := primitives.ParseDate(a.Date)
			if !ok {
				continue
			}
			iso := t.Format("2006-01-02T15:04:05")
			if !haveDates {
				first, last = iso, iso
				haveDates = true
				continue
			}
			if iso < first {
				first = iso
			}
			if iso > last {
				last = iso
			}
		}
		if haveDates {
			activity.FirstSeen = first
			activity.LastSeen = last
			ft, _ := primitives.ParseDate(first)
			lt, _ := primitives.ParseDate(last)
			activity.TimespanMinutes = int(lt.Sub(ft).Minutes())
		}

		if deps.Query != nil {
			var sb strings.Builder
			fmt.Fprintf(&sb, "IP: %s\nAlert count: %d\nTimespan: %d minutes\n\n", ip, len(alerts), activity.TimespanMinutes)
			limit := len(alerts)
			if limit > 5 {
				limit = 5
			}
			for i := 0; i < limit; i++ {
				if i > 0 {
					sb.WriteString("\n")
				}
				fmt.Fprintf(&sb, "- %s", alerts[i].Subject)
			}

			result, err := deps.Query(ctx, sourceIPPrompt, sb.String())
			if err != nil {
				return analysis, err
			}
			if !invoker.IsSentinel(result) {
				if m := attackTypeRE.FindStringSubmatch(result); m != nil {
					activity.AttackType = strings.TrimSpace(m[1])
				}
				if m := chainSeverityRE.FindStringSubmatch(result); m != nil {
					activity.Severity = primitives.Severity(strings.ToUpper(m[1]))
				}
			}
		}

		analysis[ip] = activity
	}
	return analysis, nil
}

// MapToMITRE maps an alert to technique IDs, asking the model to supplement
// when keyword matching finds fewer than two techniques.
func MapToMITRE(ctx context.Context, deps Deps, r models.EmailRecord) ([]string, error) {
	techniques := primitives.MapToMITRE(r)
	if len(techniques) >= 2 || deps.Query == nil {
		return techniques, nil
	}

	if deps.SecCache != nil {
		if cached, ok := deps.SecCache.GetMITREMapping(r.Subject); ok {
			return cached, nil
		}
	}

	contextData := fmt.Sprintf("Subject: %s\nSnippet: %s", r.Subject, r.Snippet)
	result, err := deps.Query(ctx, mitreSupplementPrompt, contextData)
	if err != nil {
		return techniques, err
	}
	if invoker.IsSentinel(result) {
		return techniques, nil
	}

	merged := make(map[string]bool, len(techniques))
	for _, t := range techniques {
		merged[t] = true
	}
	for _, t := range primitives.ParseTechniqueIDs(result) {
		merged[t] = true
	}
	out := make([]string, 0, len(merged))
	for t := range merged {
		out = append(out, t)
	}
	sort.Strings(out)

	if deps.SecCache != nil {
		if err := deps.SecCache.SetMITREMapping(r.Subject, out); err != nil {
			deps.logger().Warn("failed to cache technique mapping", "error", err)
		}
	}
	return out, nil
}

func corpusIOCs(records []models.EmailRecord) models.IOCSet {
	set := models.EmptyIOCSet()
	for _, r := range records {
		set = set.Merge(primitives.ExtractIOCs(r.Subject + " " + r.Snippet + " " + r.Body))
	}
	return set
}

// TriageSummary is the headline block of a triage run.
type TriageSummary struct {
	TotalAlerts        int `json:"total_alerts"`
	UniqueAlerts       int `json:"unique_alerts"`
	CriticalCount      int `json:"critical_count"`
	KillChainsDetected int `json:"kill_chains_detected"`
}

// TriageResult is the full output of SecurityTriage.
type TriageResult struct {
	Summary           TriageSummary                  `json:"summary"`
	Classifications   Classifications                `json:"classifications"`
	IOCs              models.IOCSet                  `json:"iocs"`
	KillChains        []KillChain                    `json:"kill_chains"`
	SourceIPAnalysis  map[string]SourceIPActivity    `json:"source_ip_analysis"`
	SuspiciousSenders []primitives.SenderFinding     `json:"suspicious_senders"`
	RiskyAttachments  []primitives.AttachmentFinding `json:"risky_attachments"`
	SuspiciousURLs    []primitives.URLFinding        `json:"suspicious_urls"`
	ExecutiveSummary  string                         `json:"executive_summary"`
}

// TriageOptions tunes the SecurityTriage pipeline.
type TriageOptions struct {
	Deduplicate             bool
	IncludeExecutiveSummary bool
}

// DefaultTriageOptions enables every pipeline step.
func DefaultTriageOptions() TriageOptions {
	return TriageOptions{Deduplicate: true, IncludeExecutiveSummary: true}
}

func emptyTriageResult() TriageResult {
	return TriageResult{
		Classifications:   emptyClassifications(),
		IOCs:              models.EmptyIOCSet(),
		KillChains:        []KillChain{},
		SourceIPAnalysis:  map[string]SourceIPActivity{},
		SuspiciousSenders: []primitives.SenderFinding{},
		RiskyAttachments:  []primitives.AttachmentFinding{},
		SuspiciousURLs:    []primitives.URLFinding{},
		ExecutiveSummary:  "No alerts to triage.",
	}
}

// SecurityTriage is the primary pipeline for security alert processing:
// dedupe, severity classification, IOC extraction, kill chain detection over
// 5-minute windows, source IP correlation, sender checks, attachment and URL
// scoring, and an executive summary built from the densified step results.
func SecurityTriage(ctx context.Context, deps Deps, records []models.EmailRecord, opts TriageOptions) (TriageResult, error) {
	if len(records) == 0 {
		return emptyTriageResult(), nil
	}

	log := logging.WithWorkflow(deps.logger(), "security_triage")

	totalAlerts := len(records)
	if opts.Deduplicate {
		records = primitives.DeduplicateSecurityAlerts(records, 0)
	}
	uniqueAlerts := len(records)

	classifications, err := ClassifyAlerts(ctx, deps, records)
	if err != nil {
		return TriageResult{}, err
	}
	criticalCount := len(classifications[primitives.SeverityP1])

	iocs := corpusIOCs(records)
	recordIOCObservations(deps, iocs, classifications)

	windows := primitives.ChunkByTime(records, 5)
	allChains, err := DetectKillChains(ctx, deps, windows)
	if err != nil {
		return TriageResult{}, err
	}
	detected := make([]KillChain, 0, len(allChains))
	for _, kc := range allChains {
		if kc.ChainDetected {
			detected = append(detected, kc)
		}
	}

	sourceIPs, err := CorrelateBySourceIP(ctx, deps, records)
	if err != nil {
		return TriageResult{}, err
	}

	suspiciousSenders := primitives.DetectSuspiciousSenders(records)
	riskyAttachments := primitives.AnalyzeAttachments(records)
	suspiciousURLs := primitives.AnalyzeURLs(records)

	executiveSummary := ""
	if opts.IncludeExecutiveSummary {
		contextData := triageSummaryContext(totalAlerts, uniqueAlerts, classifications, detected, sourceIPs, suspiciousSenders, riskyAttachments, suspiciousURLs, iocs)
		executiveSummary, err = deps.Query(ctx, executiveSummaryPrompt, contextData)
		if err != nil {
			return TriageResult{}, err
		}
	}

	log.Info("triage complete",
		"total_alerts", totalAlerts,
		"unique_alerts", uniqueAlerts,
		"critical", criticalCount,
		"kill_chains", len(detected))

	return TriageResult{
		Summary: TriageSummary{
			TotalAlerts:        totalAlerts,
			UniqueAlerts:       uniqueAlerts,
			CriticalCount:      criticalCount,
			KillChainsDetected: len(detected),
		},
		Classifications:   classifications,
		IOCs:              iocs,
		KillChains:        detected,
		SourceIPAnalysis:  sourceIPs,
		SuspiciousSenders: suspiciousSenders,
		RiskyAttachments:  riskyAttachments,
		SuspiciousURLs:    suspiciousURLs,
		ExecutiveSummary:  executiveSummary,
	}, nil
}

func triageSummaryContext(total, unique int, classifications Classifications, chains []KillChain, sourceIPs map[string]SourceIPActivity, senders []primitives.SenderFinding, attachments []primitives.AttachmentFinding, urls []primitives.URLFinding, iocs models.IOCSet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Security Alert Triage Summary:\n")
	fmt.Fprintf(&sb, "- Total Alerts Processed: %d (Unique: %d)\n", total, unique)
	fmt.Fprintf(&sb, "- Critical (P1): %d\n", len(classifications[primitives.SeverityP1]))
	fmt.Fprintf(&sb, "- High (P2): %d\n", len(classifications[primitives.SeverityP2]))
	fmt.Fprintf(&sb, "- Medium (P3): %d\n", len(classifications[primitives.SeverityP3]))
	fmt.Fprintf(&sb, "- Low (P4): %d\n", len(classifications[primitives.SeverityP4]))
	fmt.Fprintf(&sb, "- Info (P5): %d\n\n", len(classifications[primitives.SeverityP5]))

	fmt.Fprintf(&sb, "Kill Chains Detected: %d\n", len(chains))
	limit := len(chains)
	if limit > 5 {
		limit = 5
	}
	for i := 0; i < limit; i++ {
		fmt.Fprintf(&sb, "- %s (%s)\n", chains[i].Pattern, chains[i].Severity)
	}

	fmt.Fprintf(&sb, "\nSuspicious Activity:\n")
	fmt.Fprintf(&sb, "- %d unique source IPs with multiple alerts\n", len(sourceIPs))
	fmt.Fprintf(&sb, "- %d suspicious sender patterns\n", len(senders))
	fmt.Fprintf(&sb, "- %d risky attachments\n", len(attachments))
	fmt.Fprintf(&sb, "- %d suspicious URLs\n\n", len(urls))

	fmt.Fprintf(&sb, "Top IOCs:\n")
	fmt.Fprintf(&sb, "- IPs: %d\n", len(iocs.IPs))
	fmt.Fprintf(&sb, "- Domains: %d\n", len(iocs.Domains))
	fmt.Fprintf(&sb, "- File Hashes: %d SHA256\n", len(iocs.FileHashes.SHA256))
	return sb.String()
}

func recordIOCObservations(deps Deps, iocs models.IOCSet, classifications Classifications) {
	if deps.Threats == nil {
		return
	}
	severity := string(primitives.SeverityP3)
	if len(classifications[primitives.SeverityP1]) > 0 {
		severity = string(primitives.SeverityP1)
	} else if len(classifications[primitives.SeverityP2]) > 0 {
		severity = string(primitives.SeverityP2)
	}
	obsContext := map[string]any{"severity": severity, "source": "security_triage"}
	for _, ip := range iocs.IPs {
		if err := deps.Threats.AddObservedIOC(ip, "ip", obsContext); err != nil {
			deps.logger().Warn("failed to record IOC observation", "ioc", ip, "error", err)
		}
	}
	for _, domain := range iocs.Domains {
		if err := deps.Threats.AddObservedIOC(domain, "domain", obsContext); err != nil {
			deps.logger().Warn("failed to record IOC observation", "ioc", domain, "error", err)
		}
	}
}
