package primitives

import (
	"regexp"
	"sort"
	"strings"

	"mailrlm/internal/models"
)

// mitrePatterns maps ATT&CK technique IDs to keyword patterns for quick
// matching without a model call.
var mitrePatterns = map[string][]string{
	"T1566":     {"phishing", "malicious attachment", "credential harvesting"},
	"T1566.001": {"spearphishing attachment", "weaponized document"},
	"T1566.002": {"spearphishing link", "malicious url"},
	"T1059":     {"command execution", "powershell", "cmd.exe", "bash"},
	"T1059.001": {"powershell", "ps1"},
	"T1059.003": {"windows command shell", "cmd.exe"},
	"T1071":     {"application layer protocol", "http", "https", "dns"},
	"T1082":     {"system information discovery", "reconnaissance"},
	"T1021":     {"remote services", "rdp", "ssh", "smb"},
	"T1021.001": {"remote desktop", "rdp"},
	"T1078":     {"valid accounts", "compromised credentials", "stolen password"},
	"T1110":     {"brute force", "password spray", "credential stuffing"},
	"T1486":     {"ransomware", "file encryption", "crypto locker"},
	"T1204":     {"user execution", "malicious file", "macro"},
	"T1133":     {"external remote services", "vpn", "external access"},
	"T1190":     {"exploit public-facing application", "web exploit", "vulnerability"},
}

// TechniqueIDPattern matches ATT&CK technique IDs, with or without a
// sub-technique suffix.
var TechniqueIDPattern = regexp.MustCompile(`T\d{4}(?:\.\d{3})?`)

// MapToMITRE maps an alert to ATT&CK technique IDs by keyword matching over
// subject, snippet, and body. The result is sorted and deduplicated.
func MapToMITRE(r models.EmailRecord) []string {
	combined := strings.ToLower(r.Subject + " " + r.Snippet + " " + r.Body)

	seen := make(map[string]bool)
	for id, patterns := range mitrePatterns {
		for _, p := range patterns {
			if strings.Contains(combined, p) {
				seen[id] = true
				break
			}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ParseTechniqueIDs extracts technique IDs from free text, deduplicated and
// sorted. A "NONE" reply yields an empty list.
func ParseTechniqueIDs(text string) []string {
	seen := make(map[string]bool)
	for _, id := range TechniqueIDPattern.FindAllString(text, -1) {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
