package workflows

import (
	"context"
	"fmt"
	"strings"

	"mailrlm/internal/models"
	"mailrlm/internal/primitives"
)

var credentialHarvestingKeywords = []string{
	"verify account",
	"confirm password",
	"update payment",
	"suspended account",
}

// CredentialFinding flags an email carrying credential harvesting language.
type CredentialFinding struct {
	EmailID string `json:"email_id"`
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// PhishingReport buckets phishing indicators by attack style.
type PhishingReport struct {
	CredentialHarvesting []CredentialFinding            `json:"credential_harvesting"`
	BECAttempts          []primitives.SenderFinding     `json:"bec_attempts"`
	BrandImpersonation   []primitives.SenderFinding     `json:"brand_impersonation"`
	MaliciousAttachments []primitives.AttachmentFinding `json:"malicious_attachments"`
	MaliciousLinks       []primitives.URLFinding        `json:"malicious_links"`
	Summary              string                         `json:"summary"`
}

func emptyPhishingReport() PhishingReport {
	return PhishingReport{
		CredentialHarvesting: []CredentialFinding{},
		BECAttempts:          []primitives.SenderFinding{},
		BrandImpersonation:   []primitives.SenderFinding{},
		MaliciousAttachments: []primitives.AttachmentFinding{},
		MaliciousLinks:       []primitives.URLFinding{},
		Summary:              "No emails to analyze.",
	}
}

// PhishingAnalysis buckets emails into phishing categories by rule, then
// asks for a short landscape summary. Sender findings whose reason mentions
// spoofing count as brand impersonation; the rest as BEC attempts.
func PhishingAnalysis(ctx context.Context, deps Deps, records []models.EmailRecord) (PhishingReport, error) {
	if len(records) == 0 {
		return emptyPhishingReport(), nil
	}

	report := emptyPhishingReport()

	for _, finding := range primitives.DetectSuspiciousSenders(records) {
		if strings.Contains(strings.ToLower(finding.Reason), "spoofing") {
			report.BrandImpersonation = append(report.BrandImpersonation, finding)
		} else {
			report.BECAttempts = append(report.BECAttempts, finding)
		}
	}

	for _, att := range primitives.AnalyzeAttachments(records) {
		if att.RiskLevel == primitives.RiskHigh || att.RiskLevel == primitives.RiskMedium {
			report.MaliciousAttachments = append(report.MaliciousAttachments, att)
		}
	}

	report.MaliciousLinks = primitives.AnalyzeURLs(records)

	for _, r := range records {
		combined := strings.ToLower(r.Subject) + " " + strings.ToLower(r.Snippet)
		for _, keyword := range credentialHarvestingKeywords {
			if strings.Contains(combined, keyword) {
				report.CredentialHarvesting = append(report.CredentialHarvesting, CredentialFinding{
					EmailID: r.ID,
					Subject: strings.ToLower(r.Subject),
					Reason:  "Credential harvesting keywords detected",
				})
				break
			}
		}
	}

	contextData := fmt.Sprintf(`Phishing Analysis Results:
- Credential Harvesting Attempts: %d
- BEC Attempts: %d
- Brand Impersonation: %d
- Malicious Attachments: %d
- Malicious Links: %d
`,
		len(report.CredentialHarvesting),
		len(report.BECAttempts),
		len(report.BrandImpersonation),
		len(report.MaliciousAttachments),
		len(report.MaliciousLinks),
	)

	summary, err := deps.Query(ctx, "Summarize the phishing threat landscape based on this data in 2-3 sentences.", contextData)
	if err != nil {
		return report, err
	}
	report.Summary = summary
	return report, nil
}
