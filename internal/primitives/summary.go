package primitives

import (
	"fmt"
	"strings"

	"mailrlm/internal/models"
)

// batchSummaryLimit caps a batch summary's character length so it stays a
// cheap prompt ingredient rather than a second corpus.
const batchSummaryLimit = 4000

// AggregateSeparator joins per-chunk results into one combined text.
const AggregateSeparator = "\n\n---\n\n"

// ExtractEmailSummary renders one record as a single compact line.
func ExtractEmailSummary(r models.EmailRecord) string {
	from := r.From
	if from == "" {
		from = "(Unknown)"
	}
	subject := r.Subject
	if subject == "" {
		subject = "(No subject)"
	}
	date := r.Date
	if date == "" {
		date = "(No date)"
	}
	snippet := strings.TrimSpace(r.Snippet)
	if snippet == "" {
		snippet = strings.TrimSpace(r.Body)
	}
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}
	return fmt.Sprintf("From: %s | Date: %s | Subject: %s | %s", from, date, subject, snippet)
}

// BatchExtractSummaries renders up to the character limit of one-line
// summaries. When the limit is reached a trailing marker notes how many
// records were omitted.
func BatchExtractSummaries(records []models.EmailRecord) string {
	var b strings.Builder
	for i, r := range records {
		line := ExtractEmailSummary(r)
		if b.Len()+len(line)+1 > batchSummaryLimit {
			fmt.Fprintf(&b, "... and %d more emails", len(records)-i)
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}

// AggregateResults joins non-empty chunk results in order with the standard
// separator.
func AggregateResults(results []string) string {
	var kept []string
	for _, r := range results {
		if strings.TrimSpace(r) != "" {
			kept = append(kept, r)
		}
	}
	return strings.Join(kept, AggregateSeparator)
}
