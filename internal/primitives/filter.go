package primitives

import (
	"sort"
	"strings"

	"mailrlm/internal/models"
)

// defaultSearchFields are the fields scanned when a keyword filter does not
// name its own field list.
var defaultSearchFields = []string{"subject", "snippet", "body"}

// Filter returns the records for which keep returns true, preserving order.
func Filter(records []models.EmailRecord, keep func(models.EmailRecord) bool) []models.EmailRecord {
	var out []models.EmailRecord
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// FilterByKeyword keeps records containing the keyword (case-insensitive) in
// any of the named fields. An empty field list scans subject, snippet, and
// body.
func FilterByKeyword(records []models.EmailRecord, keyword string, fields []string) []models.EmailRecord {
	kw := strings.ToLower(keyword)
	if len(fields) == 0 {
		fields = defaultSearchFields
	}
	return Filter(records, func(r models.EmailRecord) bool {
		for _, f := range fields {
			if strings.Contains(strings.ToLower(fieldValue(r, f)), kw) {
				return true
			}
		}
		return false
	})
}

func fieldValue(r models.EmailRecord, field string) string {
	switch strings.ToLower(field) {
	case "subject":
		return r.Subject
	case "snippet":
		return r.Snippet
	case "body":
		return r.Body
	case "from":
		return r.From
	case "to":
		return r.To
	case "date":
		return r.Date
	case "id":
		return r.ID
	default:
		return ""
	}
}

// FilterBySender keeps records whose From field contains the given sender
// fragment, case-insensitive. The fragment may be a bare address, a domain,
// or a display-name substring.
func FilterBySender(records []models.EmailRecord, sender string) []models.EmailRecord {
	s := strings.ToLower(sender)
	return Filter(records, func(r models.EmailRecord) bool {
		return strings.Contains(strings.ToLower(r.From), s)
	})
}

// SortEmails returns a sorted copy of records. Supported keys are "date",
// "from", and "subject"; anything else sorts by date. Date sorting is
// newest-first unless ascending is set, with unparsable dates last in both
// directions; text keys sort lexically ascending unless ascending is false,
// in which case they reverse.
func SortEmails(records []models.EmailRecord, key string, ascending bool) []models.EmailRecord {
	out := make([]models.EmailRecord, len(records))
	copy(out, records)

	var less func(i, j int) bool
	switch strings.ToLower(key) {
	case "from":
		less = func(i, j int) bool {
			return strings.ToLower(out[i].From) < strings.ToLower(out[j].From)
		}
	case "subject":
		less = func(i, j int) bool {
			return strings.ToLower(out[i].Subject) < strings.ToLower(out[j].Subject)
		}
	default:
		newestFirst := !ascending
		less = func(i, j int) bool {
			ti, iok := ParseDate(out[i].Date)
			tj, jok := ParseDate(out[j].Date)
			if iok != jok {
				return iok
			}
			if newestFirst {
				return ti.After(tj)
			}
			return ti.Before(tj)
		}
		// less already encodes the date direction and keeps unparsable
		// dates last, so it is applied as is
		ascending = true
	}

	if ascending {
		sort.SliceStable(out, less)
	} else {
		sort.SliceStable(out, func(i, j int) bool { return less(j, i) })
	}
	return out
}

// Deduplicate drops records whose ID was already seen, keeping the first
// occurrence. Records without an ID are always kept.
func Deduplicate(records []models.EmailRecord) []models.EmailRecord {
	seen := make(map[string]bool, len(records))
	var out []models.EmailRecord
	for _, r := range records {
		if r.ID != "" {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
		}
		out = append(out, r)
	}
	return out
}

// SenderCount pairs a sender address with its message count.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

// TopSenders returns the n most frequent sender addresses, most frequent
// first. Ties break alphabetically for stable output. n defaults to 10 when
// non-positive.
func TopSenders(records []models.EmailRecord, n int) []SenderCount {
	if n <= 0 {
		n = 10
	}
	counts := make(map[string]int)
	for _, r := range records {
		from := r.From
		if from == "" {
			from = "(Unknown)"
		}
		counts[SenderAddress(from)]++
	}

	out := make([]SenderCount, 0, len(counts))
	for sender, count := range counts {
		out = append(out, SenderCount{Sender: sender, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Sender < out[j].Sender
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
