package primitives

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"mailrlm/internal/models"
)

// UnknownKey groups records whose derived key could not be determined.
const UnknownKey = "unknown"

// UnknownTimeKey groups records whose timestamp could not be parsed for
// time-window correlation.
const UnknownTimeKey = "unknown_time"

var addrPattern = regexp.MustCompile(`<([^>]+)>`)

// dateFormats is the lenient parse list for email date headers. Unparsable
// dates fall into the unknown bucket rather than failing the operation.
var dateFormats = []string{
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01-02T15:04:05",
}

// ChunkBySize splits records into contiguous partitions of at most n,
// preserving order. n defaults to 20 when non-positive.
func ChunkBySize(records []models.EmailRecord, n int) [][]models.EmailRecord {
	if n <= 0 {
		n = 20
	}
	var chunks [][]models.EmailRecord
	for i := 0; i < len(records); i += n {
		end := i + n
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[i:end])
	}
	return chunks
}

// SenderAddress extracts the bare address from a "Name <addr>" From field,
// lowercased. Fields without angle brackets are returned whole.
func SenderAddress(from string) string {
	if m := addrPattern.FindStringSubmatch(from); m != nil {
		return strings.ToLower(m[1])
	}
	return strings.ToLower(strings.TrimSpace(from))
}

// ChunkBySender groups records by sender address.
func ChunkBySender(records []models.EmailRecord) map[string][]models.EmailRecord {
	groups := make(map[string][]models.EmailRecord)
	for _, r := range records {
		from := r.From
		if from == "" {
			from = "(Unknown)"
		}
		sender := SenderAddress(from)
		groups[sender] = append(groups[sender], r)
	}
	return groups
}

// ChunkBySenderDomain groups records by the sender's domain. Addresses
// without an @ go under "unknown".
func ChunkBySenderDomain(records []models.EmailRecord) map[string][]models.EmailRecord {
	groups := make(map[string][]models.EmailRecord)
	for _, r := range records {
		from := r.From
		if from == "" {
			from = "(Unknown)"
		}
		addr := SenderAddress(from)
		domain := UnknownKey
		if at := strings.LastIndex(addr, "@"); at >= 0 && at < len(addr)-1 {
			domain = addr[at+1:]
		}
		groups[domain] = append(groups[domain], r)
	}
	return groups
}

// ChunkByThread groups records by thread ID, falling back to the record ID
// and then to "unknown".
func ChunkByThread(records []models.EmailRecord) map[string][]models.EmailRecord {
	groups := make(map[string][]models.EmailRecord)
	for _, r := range records {
		key := r.ThreadID
		if key == "" {
			key = r.ID
		}
		if key == "" {
			key = UnknownKey
		}
		groups[key] = append(groups[key], r)
	}
	return groups
}

// DatePeriod selects the grouping granularity for ChunkByDate.
type DatePeriod string

const (
	PeriodDay   DatePeriod = "day"
	PeriodWeek  DatePeriod = "week"
	PeriodMonth DatePeriod = "month"
)

// ChunkByDate groups records by day, ISO week, or month of their parsed
// date. Unparsable dates group under "unknown".
func ChunkByDate(records []models.EmailRecord, period DatePeriod) map[string][]models.EmailRecord {
	groups := make(map[string][]models.EmailRecord)
	for _, r := range records {
		groups[dateKey(r.Date, period)] = append(groups[dateKey(r.Date, period)], r)
	}
	return groups
}

func dateKey(dateStr string, period DatePeriod) string {
	t, ok := ParseDate(dateStr)
	if !ok {
		return UnknownKey
	}
	switch period {
	case PeriodWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case PeriodMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// ParseDate parses an email date string against the lenient format list.
func ParseDate(dateStr string) (time.Time, bool) {
	s := strings.TrimSpace(dateStr)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ChunkByTime floors each record's timestamp to a window of the requested
// size and groups by the ISO-8601 window start. Unparsable timestamps group
// under "unknown_time". windowMinutes defaults to 5 when non-positive.
func ChunkByTime(records []models.EmailRecord, windowMinutes int) map[string][]models.EmailRecord {
	if windowMinutes <= 0 {
		windowMinutes = 5
	}
	groups := make(map[string][]models.EmailRecord)
	for _, r := range records {
		t, ok := ParseDate(r.Date)
		if !ok {
			groups[UnknownTimeKey] = append(groups[UnknownTimeKey], r)
			continue
		}
		floored := t.Truncate(time.Duration(windowMinutes) * time.Minute)
		key := floored.Format("2006-01-02T15:04:05")
		groups[key] = append(groups[key], r)
	}
	return groups
}
