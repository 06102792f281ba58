package primitives

import (
	"fmt"
	"regexp"
	"strings"

	"mailrlm/internal/models"
)

// RiskLevel classifies attachment and URL findings.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

var digitRun = regexp.MustCompile(`\d+`)

// DeduplicateSecurityAlerts drops alerts whose digit-masked subject+snippet
// signature is near-identical to an earlier alert's, so recurring findings
// (the same scan result across many hosts) collapse to one. The threshold
// defaults to 0.9 when non-positive.
func DeduplicateSecurityAlerts(records []models.EmailRecord, threshold float64) []models.EmailRecord {
	if threshold <= 0 {
		threshold = 0.9
	}

	var unique []models.EmailRecord
	var signatures []string
	for _, r := range records {
		subject := digitRun.ReplaceAllString(strings.ToLower(r.Subject), "N")
		snippet := digitRun.ReplaceAllString(strings.ToLower(r.Snippet), "N")
		if len(snippet) > 100 {
			snippet = snippet[:100]
		}
		sig := subject + "|" + snippet

		duplicate := false
		for _, seen := range signatures {
			if wordJaccard(sig, seen) >= threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			unique = append(unique, r)
			signatures = append(signatures, sig)
		}
	}
	return unique
}

// wordJaccard computes Jaccard similarity over whitespace-split word sets.
func wordJaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	intersection := 0
	for w := range wa {
		if wb[w] {
			intersection++
		}
	}
	union := len(wa) + len(wb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}

// AttachmentFinding reports a risky attachment inferred from message text.
// Attachment metadata is limited, so filename and MIME type are best-effort.
type AttachmentFinding struct {
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mime_type"`
	RiskLevel    RiskLevel `json:"risk_level"`
	Reason       string    `json:"reason"`
	EmailID      string    `json:"email_id"`
	EmailSubject string    `json:"email_subject"`
}

var dangerousExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".pif", ".scr", ".vbs",
	".js", ".jar", ".ps1", ".msi", ".hta", ".wsf", ".dll",
}

var (
	attachmentWords   = []string{"attachment", "attached", "file", "document"}
	financialKeywords = []string{"invoice", "payment", "receipt", "statement", "tax"}
	urgentKeywords    = []string{"urgent", "immediate", "action required", "suspended"}
)

// AnalyzeAttachments scans subject and snippet text for attachment risk
// indicators without touching attachment content. Only MEDIUM and HIGH
// findings are reported.
func AnalyzeAttachments(records []models.EmailRecord) []AttachmentFinding {
	var findings []AttachmentFinding
	for _, r := range records {
		combined := strings.ToLower(r.Subject + " " + r.Snippet)

		if !containsAny(combined, attachmentWords) {
			continue
		}

		risk := RiskLow
		reason := "Attachment mentioned"
		for _, ext := range dangerousExtensions {
			if strings.Contains(combined, ext) {
				risk = RiskHigh
				reason = fmt.Sprintf("Executable file type detected: %s", ext)
				break
			}
		}
		if risk == RiskLow && containsAny(combined, financialKeywords) {
			risk = RiskMedium
			reason = "Attachment in financial context"
		}
		if containsAny(combined, urgentKeywords) {
			switch risk {
			case RiskLow:
				risk = RiskMedium
				reason = reason + " with urgency indicators"
			case RiskMedium:
				risk = RiskHigh
				reason = reason + " with urgency indicators"
			}
		}

		if risk != RiskLow {
			findings = append(findings, AttachmentFinding{
				Filename:     "unknown (metadata limited)",
				MimeType:     "unknown",
				RiskLevel:    risk,
				Reason:       reason,
				EmailID:      r.ID,
				EmailSubject: strings.ToLower(r.Subject),
			})
		}
	}
	return findings
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// URLFinding reports a suspicious link found in message text.
type URLFinding struct {
	URL          string    `json:"url"`
	DisplayText  string    `json:"display_text"`
	RiskLevel    RiskLevel `json:"risk_level"`
	Reason       string    `json:"reason"`
	EmailID      string    `json:"email_id"`
	EmailSubject string    `json:"email_subject"`
}

var (
	shortenerDomains = []string{"bit.ly", "tinyurl.com", "goo.gl", "t.co", "ow.ly", "is.gd"}
	suspiciousTLDs   = []string{".xyz", ".top", ".tk", ".ml", ".ga", ".cf", ".gq"}
	urlHostPattern   = regexp.MustCompile(`https?://([^/\s]+)`)
	ipHostPattern    = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d+)?$`)
)

// AnalyzeURLs extracts links from subject, snippet, and body and scores them
// against shortener, TLD, IP-host, and subdomain-depth rules. Only MEDIUM and
// HIGH findings are reported.
func AnalyzeURLs(records []models.EmailRecord) []URLFinding {
	var findings []URLFinding
	for _, r := range records {
		combined := r.Subject + " " + r.Snippet + " " + r.Body
		for _, url := range urlPattern.FindAllString(combined, -1) {
			m := urlHostPattern.FindStringSubmatch(url)
			if m == nil {
				continue
			}
			host := strings.ToLower(m[1])

			risk := RiskLow
			var reasons []string
			escalate := func(reason string) {
				if risk == RiskLow {
					risk = RiskMedium
				} else {
					risk = RiskHigh
				}
				reasons = append(reasons, reason)
			}

			for _, s := range shortenerDomains {
				if strings.Contains(host, s) {
					risk = RiskMedium
					reasons = append(reasons, "URL shortener detected")
					break
				}
			}
			for _, tld := range suspiciousTLDs {
				if strings.HasSuffix(host, tld) {
					escalate("Suspicious TLD")
					break
				}
			}
			if ipHostPattern.MatchString(host) {
				escalate("IP address used instead of domain")
			}
			if strings.Count(host, ".") > 3 {
				escalate("Excessive subdomains")
			}

			if risk != RiskLow {
				findings = append(findings, URLFinding{
					URL:          url,
					DisplayText:  "unknown",
					RiskLevel:    risk,
					Reason:       strings.Join(reasons, "; "),
					EmailID:      r.ID,
					EmailSubject: r.Subject,
				})
			}
		}
	}
	return findings
}

// SenderFinding reports a suspicious sender detection.
type SenderFinding struct {
	Sender     string  `json:"sender"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	EmailID    string  `json:"email_id"`
	AuthFailed bool    `json:"auth_failed"`
}

// commonDomains are frequently impersonated legitimate domains.
var commonDomains = []string{
	"google.com", "microsoft.com", "apple.com", "amazon.com",
	"facebook.com", "paypal.com", "netflix.com", "linkedin.com",
}

var corporateKeywords = []string{"paypal", "apple", "microsoft", "google", "amazon", "bank"}

// DetectSuspiciousSenders flags lookalike domains, display-name spoofing,
// and authentication failures. A single message can produce multiple
// findings when it trips more than one check.
func DetectSuspiciousSenders(records []models.EmailRecord) []SenderFinding {
	var findings []SenderFinding
	for _, r := range records {
		from := r.From
		var sender, displayName string
		if m := addrPattern.FindStringSubmatchIndex(from); m != nil {
			sender = strings.ToLower(from[m[2]:m[3]])
			displayName = strings.TrimSpace(from[:m[0]])
		} else {
			sender = strings.ToLower(strings.TrimSpace(from))
		}

		at := strings.LastIndex(sender, "@")
		if at < 0 {
			continue
		}
		domain := sender[at+1:]

		for _, legit := range commonDomains {
			if domain != legit && DomainSimilarity(domain, legit) > 0.7 {
				findings = append(findings, SenderFinding{
					Sender:     sender,
					Reason:     fmt.Sprintf("Possible domain squatting of %s", legit),
					Confidence: 0.9,
					EmailID:    r.ID,
				})
			}
		}

		if displayName != "" {
			displayLower := strings.ToLower(displayName)
			if containsAny(displayLower, corporateKeywords) && !containsAny(domain, corporateKeywords) {
				findings = append(findings, SenderFinding{
					Sender:     sender,
					Reason:     "Display name spoofing (corporate name with unrelated domain)",
					Confidence: 0.85,
					EmailID:    r.ID,
				})
			}
		}

		if auth := ValidateEmailAuth(r); auth.Suspicious {
			findings = append(findings, SenderFinding{
				Sender:     sender,
				Reason:     fmt.Sprintf("Email authentication failed (SPF: %s, DKIM: %s)", auth.SPF, auth.DKIM),
				Confidence: 0.75,
				EmailID:    r.ID,
				AuthFailed: true,
			})
		}
	}
	return findings
}

// DomainSimilarity scores two domains by Jaccard similarity over character
// bigrams, for typosquat detection.
func DomainSimilarity(a, b string) float64 {
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	intersection := 0
	for g := range ba {
		if bb[g] {
			intersection++
		}
	}
	union := len(ba) + len(bb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func bigrams(s string) map[string]bool {
	set := make(map[string]bool)
	for i := 0; i+2 <= len(s); i++ {
		set[s[i:i+2]] = true
	}
	return set
}
