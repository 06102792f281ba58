package primitives

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"mailrlm/internal/models"
)

var (
	ipv4Pattern   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)
	hexPattern    = regexp.MustCompile(`\b[a-fA-F0-9]{32,64}\b`)
	emailPattern  = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	urlPattern    = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
)

// fileSuffixes are domain-looking strings that are really file names; they
// are excluded from domain extraction.
var fileSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".pdf", ".svg", ".ico", ".bmp", ".webp"}

// ExtractIOCs scans the text for network and file indicators. Every indicator
// class is always present in the result, empty or not, so downstream
// consumers can index without nil checks.
func ExtractIOCs(text string) models.IOCSet {
	set := models.EmptyIOCSet()

	for _, m := range ipv4Pattern.FindAllString(text, -1) {
		if validIPv4(m) {
			set.IPs = appendUnique(set.IPs, m)
		}
	}

	for _, m := range domainPattern.FindAllString(text, -1) {
		lower := strings.ToLower(m)
		if isFileName(lower) {
			continue
		}
		set.Domains = appendUnique(set.Domains, lower)
	}

	for _, m := range hexPattern.FindAllString(text, -1) {
		lower := strings.ToLower(m)
		switch len(lower) {
		case 32:
			set.FileHashes.MD5 = appendUnique(set.FileHashes.MD5, lower)
		case 40:
			set.FileHashes.SHA1 = appendUnique(set.FileHashes.SHA1, lower)
		case 64:
			set.FileHashes.SHA256 = appendUnique(set.FileHashes.SHA256, lower)
		}
	}

	for _, m := range emailPattern.FindAllString(text, -1) {
		set.EmailAddresses = appendUnique(set.EmailAddresses, strings.ToLower(m))
	}

	for _, m := range urlPattern.FindAllString(text, -1) {
		set.URLs = appendUnique(set.URLs, strings.TrimRight(m, ".,;"))
	}

	sort.Strings(set.IPs)
	sort.Strings(set.Domains)
	sort.Strings(set.FileHashes.MD5)
	sort.Strings(set.FileHashes.SHA1)
	sort.Strings(set.FileHashes.SHA256)
	sort.Strings(set.EmailAddresses)
	sort.Strings(set.URLs)
	return set
}

// validIPv4 rejects dotted quads with out-of-range octets that the regex
// alone would accept.
func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

func isFileName(s string) bool {
	for _, suffix := range fileSuffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
