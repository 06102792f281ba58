package primitives

import (
	"strings"

	"mailrlm/internal/models"
)

// AuthResult holds the parsed SPF/DKIM/DMARC verdicts for one message.
// A missing check reports "none".
type AuthResult struct {
	SPF        string `json:"spf"`
	DKIM       string `json:"dkim"`
	DMARC      string `json:"dmarc"`
	Suspicious bool   `json:"suspicious"`
}

// ValidateEmailAuth parses the Authentication-Results header for SPF, DKIM,
// and DMARC verdicts. Any explicit failure marks the message suspicious.
// Messages without headers report "none" across the board.
func ValidateEmailAuth(r models.EmailRecord) AuthResult {
	result := AuthResult{SPF: "none", DKIM: "none", DMARC: "none"}

	raw, _ := r.Header("Authentication-Results")
	header := strings.ToLower(raw)
	if header == "" {
		return result
	}

	if strings.Contains(header, "spf=") {
		switch {
		case strings.Contains(header, "spf=pass"):
			result.SPF = "pass"
		case strings.Contains(header, "spf=fail"):
			result.SPF = "fail"
		case strings.Contains(header, "spf=neutral"):
			result.SPF = "neutral"
		}
	}

	if strings.Contains(header, "dkim=") {
		switch {
		case strings.Contains(header, "dkim=pass"):
			result.DKIM = "pass"
		case strings.Contains(header, "dkim=fail"):
			result.DKIM = "fail"
		}
	}

	if strings.Contains(header, "dmarc=") {
		switch {
		case strings.Contains(header, "dmarc=pass"):
			result.DMARC = "pass"
		case strings.Contains(header, "dmarc=fail"):
			result.DMARC = "fail"
		}
	}

	result.Suspicious = result.SPF == "fail" || result.DKIM == "fail" || result.DMARC == "fail"
	return result
}
