package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mailrlm/internal/invoker"
	"mailrlm/internal/models"
	"mailrlm/internal/primitives"
	"mailrlm/internal/structured"
)

// InboxCategories are the buckets InboxTriage sorts mail into.
var InboxCategories = []string{"urgent", "action_required", "fyi", "newsletter"}

const inboxTriagePrompt = `Classify each email into exactly one category:
- urgent: needs a response or decision today
- action_required: needs a response or task, not immediately
- fyi: informational, no response needed
- newsletter: bulk mail, digests, promotions

Respond with only the email numbers and categories, one per line:
Email 1: urgent
Email 2: fyi
etc.`

// InboxReport groups a mailbox by urgency category.
type InboxReport struct {
	Categories map[string][]models.EmailRecord `json:"categories"`
	Counts     map[string]int                  `json:"counts"`
}

func emptyInboxReport() InboxReport {
	report := InboxReport{
		Categories: make(map[string][]models.EmailRecord, len(InboxCategories)),
		Counts:     make(map[string]int, len(InboxCategories)),
	}
	for _, c := range InboxCategories {
		report.Categories[c] = []models.EmailRecord{}
		report.Counts[c] = 0
	}
	return report
}

// InboxTriage classifies a mailbox into urgency buckets via batched model
// calls over size chunks. Unparseable reply lines and failed batches land
// in fyi.
func InboxTriage(ctx context.Context, deps Deps, records []models.EmailRecord) (InboxReport, error) {
	report := emptyInboxReport()
	if len(records) == 0 {
		return report, nil
	}

	chunks := primitives.ChunkBySize(records, classifyBatchSize)
	results, err := deps.Parallel(ctx, inboxTriagePrompt, chunks, triageChunkContext)
	if err != nil {
		return report, err
	}

	for i, chunk := range chunks {
		result := ""
		if i < len(results) {
			result = results[i]
		}
		if result == "" || invoker.IsSentinel(result) {
			report.Categories["fyi"] = append(report.Categories["fyi"], chunk...)
			continue
		}
		lines := strings.Split(strings.TrimSpace(result), "\n")
		for idx, r := range chunk {
			category := "fyi"
			if idx < len(lines) {
				if c := parseCategory(lines[idx]); c != "" {
					category = c
				}
			}
			report.Categories[category] = append(report.Categories[category], r)
		}
	}

	for _, c := range InboxCategories {
		report.Counts[c] = len(report.Categories[c])
	}
	return report, nil
}

func triageChunkContext(chunk []models.EmailRecord) string {
	var sb strings.Builder
	for i, r := range chunk {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Email %d:\nSubject: %s\nFrom: %s\nSnippet: %s", i+1, r.Subject, r.From, r.Snippet)
	}
	return sb.String()
}

func parseCategory(line string) string {
	lower := strings.ToLower(line)
	for _, c := range InboxCategories {
		if strings.Contains(lower, c) {
			return c
		}
	}
	return ""
}

// WeeklyReport holds per-period summaries and their aggregate.
type WeeklyReport struct {
	Periods  map[string]string `json:"periods"`
	Overview string            `json:"overview"`
}

// WeeklySummary groups mail by ISO week, summarizes each week in parallel,
// and aggregates the sections.
func WeeklySummary(ctx context.Context, deps Deps, records []models.EmailRecord) (WeeklyReport, error) {
	report := WeeklyReport{Periods: map[string]string{}, Overview: "No emails to summarize."}
	if len(records) == 0 {
		return report, nil
	}

	groups := primitives.ChunkByDate(records, primitives.PeriodWeek)
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	chunks := make([][]models.EmailRecord, len(keys))
	for i, k := range keys {
		chunks[i] = groups[k]
	}

	prompt := "Summarize the key topics, decisions, and open threads in these emails in a short paragraph."
	results, err := deps.Parallel(ctx, prompt, chunks, nil)
	if err != nil {
		return report, err
	}

	sections := make([]string, 0, len(keys))
	for i, k := range keys {
		if i >= len(results) || results[i] == "" {
			continue
		}
		report.Periods[k] = results[i]
		sections = append(sections, fmt.Sprintf("%s:\n%s", k, results[i]))
	}
	report.Overview = primitives.AggregateResults(sections)
	if report.Overview == "" {
		report.Overview = "No emails to summarize."
	}
	return report, nil
}

// ActionItem is one task extracted from the corpus.
type ActionItem struct {
	Task     string `json:"task"`
	Deadline string `json:"deadline,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Priority string `json:"priority,omitempty"`
}

const actionItemsPrompt = `Extract every action item from these emails: tasks someone is asked to do, with deadline, requesting sender, and priority (high/medium/low) when stated.`

// FindActionItems extracts tasks chunk by chunk through schema-validated
// JSON calls and flattens the results. Chunks whose extraction never
// produces valid JSON are skipped.
func FindActionItems(ctx context.Context, deps Deps, records []models.EmailRecord) ([]ActionItem, error) {
	if len(records) == 0 {
		return []ActionItem{}, nil
	}

	items := []ActionItem{}
	for _, chunk := range primitives.ChunkBySize(records, classifyBatchSize) {
		raw, err := deps.QueryJSON(ctx, actionItemsPrompt, primitives.BatchExtractSummaries(chunk), structured.ActionItemsSchema(), 2)
		if err != nil {
			var invalidErr *structured.InvalidStructuredOutput
			if errors.As(err, &invalidErr) {
				deps.logger().Warn("skipping chunk with unparseable action items", "error", err)
				continue
			}
			return items, err
		}

		var payload struct {
			ActionItems []ActionItem `json:"action_items"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			deps.logger().Warn("action items payload did not match expected shape", "error", err)
			continue
		}
		items = append(items, payload.ActionItems...)
	}
	return items, nil
}

// SenderReport is the per-sender section of a sender analysis.
type SenderReport struct {
	Sender  string `json:"sender"`
	Count   int    `json:"count"`
	Summary string `json:"summary"`
}

// SenderAnalysis finds the top senders by volume and summarizes each
// sender's mail in parallel.
func SenderAnalysis(ctx context.Context, deps Deps, records []models.EmailRecord, topN int) ([]SenderReport, error) {
	if len(records) == 0 {
		return []SenderReport{}, nil
	}

	top := primitives.TopSenders(records, topN)
	groups := primitives.ChunkBySender(records)

	chunks := make([][]models.EmailRecord, len(top))
	for i, sc := range top {
		chunks[i] = groups[sc.Sender]
	}

	prompt := "Summarize what this sender's emails are about and whether any need attention, in 2-3 sentences."
	results, err := deps.Parallel(ctx, prompt, chunks, nil)
	if err != nil {
		return nil, err
	}

	reports := make([]SenderReport, len(top))
	for i, sc := range top {
		summary := ""
		if i < len(results) {
			summary = results[i]
		}
		reports[i] = SenderReport{Sender: sc.Sender, Count: sc.Count, Summary: summary}
	}
	return reports, nil
}
