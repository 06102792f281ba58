package primitives

import (
	"strings"
	"testing"

	"mailrlm/internal/models"
)

func TestExtractSeverityFromHeader(t *testing.T) {
	r := models.EmailRecord{
		Subject: "Alert from scanner",
		Headers: map[string]string{"severity": "Critical"},
	}
	if got := ExtractSeverity(r); got != SeverityP1 {
		t.Errorf("expected P1 from header, got %s", got)
	}
}

func TestExtractSeverityFromText(t *testing.T) {
	cases := []struct {
		text string
		want Severity
	}{
		{"EMERGENCY: active exploitation detected", SeverityP1},
		{"urgent review needed", SeverityP2},
		{"sev-3 finding from weekly scan", SeverityP3},
		{"low priority housekeeping", SeverityP4},
		{"informational digest", SeverityP5},
		{"no indicators here at all", SeverityP3},
	}
	for _, c := range cases {
		r := models.EmailRecord{Subject: c.text}
		if got := ExtractSeverity(r); got != c.want {
			t.Errorf("ExtractSeverity(%q) = %s, want %s", c.text, got, c.want)
		}
	}
}

func TestMapToMITRE(t *testing.T) {
	r := models.EmailRecord{
		Subject: "Phishing campaign with PowerShell payload",
		Body:    "credential harvesting attempt observed",
	}
	got := MapToMITRE(r)
	if !containsString(got, "T1566") {
		t.Errorf("expected T1566 in %v", got)
	}
	if !containsString(got, "T1059.001") {
		t.Errorf("expected T1059.001 in %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Errorf("result not sorted: %v", got)
		}
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func TestParseTechniqueIDs(t *testing.T) {
	got := ParseTechniqueIDs("T1566.001\nT1059\nT1566.001\nnot-an-id")
	if len(got) != 2 {
		t.Fatalf("expected 2 unique IDs, got %v", got)
	}
	if got := ParseTechniqueIDs("NONE"); len(got) != 0 {
		t.Errorf("expected empty result for NONE, got %v", got)
	}
}

func TestValidateEmailAuth(t *testing.T) {
	r := models.EmailRecord{
		Headers: map[string]string{
			"Authentication-Results": "mx.example.com; spf=pass; dkim=fail; dmarc=none",
		},
	}
	got := ValidateEmailAuth(r)
	if got.SPF != "pass" || got.DKIM != "fail" || got.DMARC != "none" {
		t.Errorf("unexpected verdicts: %+v", got)
	}
	if !got.Suspicious {
		t.Error("expected DKIM failure to mark suspicious")
	}

	empty := ValidateEmailAuth(models.EmailRecord{})
	if empty.SPF != "none" || empty.Suspicious {
		t.Errorf("expected none/clean for headerless record, got %+v", empty)
	}
}

func TestExtractIOCs(t *testing.T) {
	text := "Callback to 192.168.1.50 and 999.1.1.1 from evil.example.xyz. " +
		"Hash d41d8cd98f00b204e9800998ecf8427e seen, contact attacker@bad.tk, " +
		"see https://bit.ly/abc123 and logo.png"

	set := ExtractIOCs(text)
	if !containsString(set.IPs, "192.168.1.50") {
		t.Errorf("expected valid IP extracted, got %v", set.IPs)
	}
	if containsString(set.IPs, "999.1.1.1") {
		t.Error("expected out-of-range octets rejected")
	}
	if !containsString(set.Domains, "evil.example.xyz") {
		t.Errorf("expected domain extracted, got %v", set.Domains)
	}
	if containsString(set.Domains, "logo.png") {
		t.Error("expected image name excluded from domains")
	}
	if !containsString(set.FileHashes.MD5, "d41d8cd98f00b204e9800998ecf8427e") {
		t.Errorf("expected MD5 extracted, got %v", set.FileHashes.MD5)
	}
	if !containsString(set.EmailAddresses, "attacker@bad.tk") {
		t.Errorf("expected email extracted, got %v", set.EmailAddresses)
	}
	if !containsString(set.URLs, "https://bit.ly/abc123") {
		t.Errorf("expected URL extracted, got %v", set.URLs)
	}
}

func TestExtractIOCsEmptyShape(t *testing.T) {
	set := ExtractIOCs("nothing here")
	if set.IPs == nil || set.Domains == nil || set.URLs == nil ||
		set.EmailAddresses == nil || set.FileHashes.MD5 == nil {
		t.Error("expected all indicator classes present even when empty")
	}
}

func TestDeduplicateSecurityAlerts(t *testing.T) {
	records := []models.EmailRecord{
		{ID: "1", Subject: "Vuln CVE-2026-100 found on host 10", Snippet: "scanner result for server 10"},
		{ID: "2", Subject: "Vuln CVE-2026-100 found on host 22", Snippet: "scanner result for server 22"},
		{ID: "3", Subject: "Completely different phishing report", Snippet: "user forwarded a message"},
	}
	got := DeduplicateSecurityAlerts(records, 0.9)
	if len(got) != 2 {
		t.Fatalf("expected digit-masked duplicates collapsed to 2, got %d", len(got))
	}
	if got[0].ID != "1" {
		t.Errorf("expected first occurrence kept, got %q", got[0].ID)
	}
}

func TestAnalyzeAttachments(t *testing.T) {
	records := []models.EmailRecord{
		{ID: "1", Subject: "Invoice attached", Snippet: "please see attached payment.exe"},
		{ID: "2", Subject: "Document attached", Snippet: "monthly statement enclosed"},
		{ID: "3", Subject: "lunch plans", Snippet: "no files here"},
	}
	got := AnalyzeAttachments(records)
	if len(got) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(got))
	}
	if got[0].RiskLevel != RiskHigh || !strings.Contains(got[0].Reason, ".exe") {
		t.Errorf("expected HIGH executable finding, got %+v", got[0])
	}
	if got[1].RiskLevel != RiskMedium {
		t.Errorf("expected MEDIUM financial-context finding, got %+v", got[1])
	}
}

func TestAnalyzeURLs(t *testing.T) {
	records := []models.EmailRecord{
		{ID: "1", Subject: "click here", Body: "visit https://bit.ly/abc now"},
		{ID: "2", Subject: "login", Body: "go to http://10.0.0.1/admin"},
		{ID: "3", Subject: "normal", Body: "see https://example.com/page"},
	}
	got := AnalyzeURLs(records)
	if len(got) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(got))
	}
	if got[0].RiskLevel != RiskMedium || !strings.Contains(got[0].Reason, "shortener") {
		t.Errorf("expected shortener finding, got %+v", got[0])
	}
	if !strings.Contains(got[1].Reason, "IP address") {
		t.Errorf("expected IP-host finding, got %+v", got[1])
	}
}

func TestDetectSuspiciousSenders(t *testing.T) {
	records := []models.EmailRecord{
		{ID: "1", From: "admin@gooogle.com"},
		{ID: "2", From: "PayPal Support <support@random-site.biz>"},
		{ID: "3", From: "Alice <alice@example.com>", Headers: map[string]string{
			"Authentication-Results": "mx; spf=fail",
		}},
		{ID: "4", From: "bob@example.com"},
	}
	got := DetectSuspiciousSenders(records)
	if len(got) != 3 {
		t.Fatalf("expected 3 findings, got %d: %+v", len(got), got)
	}

	var sawSquat, sawSpoof, sawAuth bool
	for _, f := range got {
		switch {
		case strings.Contains(f.Reason, "squatting"):
			sawSquat = true
			if f.Confidence != 0.9 {
				t.Errorf("expected squatting confidence 0.9, got %v", f.Confidence)
			}
		case strings.Contains(f.Reason, "spoofing"):
			sawSpoof = true
		case f.AuthFailed:
			sawAuth = true
			if f.Confidence != 0.75 {
				t.Errorf("expected auth-failure confidence 0.75, got %v", f.Confidence)
			}
		}
	}
	if !sawSquat || !sawSpoof || !sawAuth {
		t.Errorf("missing finding types: squat=%v spoof=%v auth=%v", sawSquat, sawSpoof, sawAuth)
	}
}

func TestDomainSimilarity(t *testing.T) {
	if got := DomainSimilarity("gooogle.com", "google.com"); got <= 0.7 {
		t.Errorf("expected lookalike above threshold, got %v", got)
	}
	if got := DomainSimilarity("example.com", "google.com"); got > 0.7 {
		t.Errorf("expected unrelated domains below threshold, got %v", got)
	}
}

func TestBatchExtractSummaries(t *testing.T) {
	records := make([]models.EmailRecord, 100)
	for i := range records {
		records[i] = models.EmailRecord{
			From:    "sender@example.com",
			Date:    "2026-01-15",
			Subject: strings.Repeat("long subject ", 10),
			Snippet: strings.Repeat("snippet text ", 10),
		}
	}
	got := BatchExtractSummaries(records)
	if len(got) > batchSummaryLimit+50 {
		t.Errorf("summary exceeds limit: %d chars", len(got))
	}
	if !strings.Contains(got, "more emails") {
		t.Error("expected truncation marker for oversized batch")
	}

	short := BatchExtractSummaries(records[:2])
	if strings.Contains(short, "more emails") {
		t.Error("unexpected truncation marker for small batch")
	}
}

func TestAggregateResults(t *testing.T) {
	got := AggregateResults([]string{"first", "", "  ", "second"})
	if got != "first"+AggregateSeparator+"second" {
		t.Errorf("unexpected aggregate: %q", got)
	}
}

func TestExtractEmailSummaryDefaults(t *testing.T) {
	got := ExtractEmailSummary(models.EmailRecord{})
	for _, want := range []string{"(Unknown)", "(No subject)", "(No date)"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in summary %q", want, got)
		}
	}
}
