package workflows

import (
	"context"
	"strings"
	"testing"

	"mailrlm/internal/models"
	"mailrlm/internal/primitives"
)

func TestPhishingAnalysisBuckets(t *testing.T) {
	records := []models.EmailRecord{
		{ID: "1", Subject: "Account notice", From: `"PayPal Support" <alerts@randomcorp.com>`},
		{ID: "2", Subject: "Billing update", From: "billing@gooogle.com"},
		{ID: "3", Subject: "Urgent invoice attached", From: "vendor@example.com", Snippet: "see attached invoice"},
		{ID: "4", Subject: "Shared doc", From: "colleague@example.com", Snippet: "link: http://bit.ly/3xyz"},
		{ID: "5", Subject: "Please verify account now", From: "support@example.net"},
	}

	deps := scriptedDeps(func(prompt, contextData string) string {
		if !strings.Contains(prompt, "phishing threat landscape") {
			t.Errorf("unexpected prompt %q", prompt)
		}
		if !strings.Contains(contextData, "Credential Harvesting Attempts: 1") {
			t.Errorf("unexpected summary context %q", contextData)
		}
		return "Multiple phishing styles observed across the mailbox."
	})

	report, err := PhishingAnalysis(context.Background(), deps, records)
	if err != nil {
		t.Fatalf("PhishingAnalysis: %v", err)
	}

	if len(report.BrandImpersonation) != 1 || report.BrandImpersonation[0].EmailID != "1" {
		t.Errorf("expected display-name spoof in brand impersonation, got %+v", report.BrandImpersonation)
	}
	if len(report.BECAttempts) != 1 || report.BECAttempts[0].EmailID != "2" {
		t.Errorf("expected domain squat in BEC attempts, got %+v", report.BECAttempts)
	}
	if len(report.MaliciousAttachments) != 1 || report.MaliciousAttachments[0].RiskLevel != primitives.RiskHigh {
		t.Errorf("expected high-risk attachment, got %+v", report.MaliciousAttachments)
	}
	if len(report.MaliciousLinks) != 1 || report.MaliciousLinks[0].RiskLevel != primitives.RiskMedium {
		t.Errorf("expected shortener link finding, got %+v", report.MaliciousLinks)
	}
	if len(report.CredentialHarvesting) != 1 || report.CredentialHarvesting[0].EmailID != "5" {
		t.Errorf("expected credential harvesting finding, got %+v", report.CredentialHarvesting)
	}
	if report.CredentialHarvesting[0].Subject != "please verify account now" {
		t.Errorf("finding subject must be lowercased, got %q", report.CredentialHarvesting[0].Subject)
	}
	if report.Summary != "Multiple phishing styles observed across the mailbox." {
		t.Errorf("unexpected summary %q", report.Summary)
	}
}

func TestPhishingAnalysisEmptyCorpus(t *testing.T) {
	deps := scriptedDeps(func(prompt, contextData string) string {
		t.Error("no model call expected for empty corpus")
		return ""
	})

	report, err := PhishingAnalysis(context.Background(), deps, nil)
	if err != nil {
		t.Fatalf("PhishingAnalysis: %v", err)
	}
	if report.Summary != "No emails to analyze." {
		t.Errorf("unexpected summary %q", report.Summary)
	}
	if report.CredentialHarvesting == nil || report.BECAttempts == nil || report.MaliciousLinks == nil {
		t.Error("expected allocated empty collections")
	}
}
