package workflows

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"mailrlm/internal/invoker"
	"mailrlm/internal/models"
	"mailrlm/internal/primitives"
	"mailrlm/internal/threatstore"
)

const chainConfidencePrompt = `Assess the confidence that this is a genuine multi-stage attack.

Consider:
- Pattern coherence (do the stages logically follow?)
- Timing (are stages occurring in realistic sequence?)
- Affected systems (single target or distributed?)
- MITRE technique validity

Respond with:
CONFIDENCE: [0-100]
REASONING: [brief explanation]`

var (
	chainConfidenceRE = regexp.MustCompile(`(?i)CONFIDENCE:\s*(\d+)`)
	chainReasoningRE  = regexp.MustCompile(`(?i)REASONING:\s*(.+)`)
)

// AttackChain is a synthesized multi-stage attack built from correlated
// kill chain windows.
type AttackChain struct {
	AttackID            string               `json:"attack_id"`
	StartTime           string               `json:"start_time"`
	EndTime             string               `json:"end_time"`
	DurationMinutes     int                  `json:"duration_minutes"`
	Pattern             string               `json:"pattern"`
	MITRETechniques     []string             `json:"mitre_techniques"`
	Severity            primitives.Severity  `json:"severity"`
	Confidence          float64              `json:"confidence"`
	ConfidenceReasoning string               `json:"confidence_reasoning,omitempty"`
	AffectedSystems     []string             `json:"affected_systems"`
	AlertCount          int                  `json:"alert_count"`
	Alerts              []models.EmailRecord `json:"alerts"`
}

// DetectAttackChains performs multi-pass temporal correlation: window the
// alerts, detect kill chains per window, keep detected chains meeting the
// alert minimum, then score each chain's confidence with a follow-up model
// call. Chains come back sorted by severity rank then confidence.
func DetectAttackChains(ctx context.Context, deps Deps, records []models.EmailRecord, windowMinutes, minAlertsPerChain int) ([]AttackChain, error) {
	if len(records) == 0 {
		return []AttackChain{}, nil
	}
	if windowMinutes <= 0 {
		windowMinutes = 5
	}
	if minAlertsPerChain <= 0 {
		minAlertsPerChain = 2
	}

	windows := primitives.ChunkByTime(records, windowMinutes)
	windowChains, err := DetectKillChains(ctx, deps, windows)
	if err != nil {
		return nil, err
	}

	var detected []KillChain
	for _, kc := range windowChains {
		if kc.ChainDetected && kc.AlertCount >= minAlertsPerChain {
			detected = append(detected, kc)
		}
	}
	if len(detected) == 0 {
		return []AttackChain{}, nil
	}

	datePrefix := time.Now().Format("20060102")
	chains := make([]AttackChain, 0, len(detected))
	for i, wc := range detected {
		chain := AttackChain{
			AttackID:        fmt.Sprintf("chain_%s_%03d", datePrefix, i+1),
			StartTime:       wc.Window,
			EndTime:         wc.Window,
			DurationMinutes: windowMinutes,
			Pattern:         wc.Pattern,
			MITRETechniques: wc.MITRETechniques,
			Severity:        wc.Severity,
			Confidence:      0.75,
			AffectedSystems: affectedSystems(wc.Alerts),
			AlertCount:      wc.AlertCount,
			Alerts:          wc.Alerts,
		}

		contextData := chainConfidenceContext(chain)
		result, err := deps.Query(ctx, chainConfidencePrompt, contextData)
		if err != nil {
			return chains, err
		}
		if !invoker.IsSentinel(result) {
			if m := chainConfidenceRE.FindStringSubmatch(result); m != nil {
				if v, convErr := strconv.Atoi(m[1]); convErr == nil {
					chain.Confidence = float64(v) / 100
				}
			}
			if m := chainReasoningRE.FindStringSubmatch(result); m != nil {
				chain.ConfidenceReasoning = strings.TrimSpace(m[1])
			}
		}

		recordAttackPattern(deps, chain)
		chains = append(chains, chain)
	}

	severityRank := map[primitives.Severity]int{
		primitives.SeverityP1: 1,
		primitives.SeverityP2: 2,
		primitives.SeverityP3: 3,
		primitives.SeverityP4: 4,
		primitives.SeverityP5: 5,
	}
	sort.SliceStable(chains, func(i, j int) bool {
		ri, ok := severityRank[chains[i].Severity]
		if !ok {
			ri = 3
		}
		rj, ok := severityRank[chains[j].Severity]
		if !ok {
			rj = 3
		}
		if ri != rj {
			return ri < rj
		}
		return chains[i].Confidence > chains[j].Confidence
	})
	return chains, nil
}

func affectedSystems(alerts []models.EmailRecord) []string {
	systems := make(map[string]bool)
	for _, a := range alerts {
		if strings.Contains(a.From, "@") {
			if strings.Contains(a.From, "<") {
				systems[a.From] = true
			} else {
				systems[a.From[:strings.Index(a.From, "@")]] = true
			}
		}
		for _, ip := range snippetIPPattern.FindAllString(a.Snippet, -1) {
			systems[ip] = true
		}
	}
	out := make([]string, 0, len(systems))
	for s := range systems {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func chainConfidenceContext(chain AttackChain) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Attack Chain Analysis:\n")
	fmt.Fprintf(&sb, "Pattern: %s\n", chain.Pattern)
	fmt.Fprintf(&sb, "MITRE Techniques: %s\n", strings.Join(chain.MITRETechniques, ", "))
	fmt.Fprintf(&sb, "Alert Count: %d\n", chain.AlertCount)
	fmt.Fprintf(&sb, "Duration: %d minutes\n", chain.DurationMinutes)
	systems := chain.AffectedSystems
	if len(systems) > 5 {
		systems = systems[:5]
	}
	fmt.Fprintf(&sb, "Affected Systems: %s\n\nSample Alerts:\n", strings.Join(systems, ", "))
	limit := len(chain.Alerts)
	if limit > 3 {
		limit = 3
	}
	for i := 0; i < limit; i++ {
		fmt.Fprintf(&sb, "- %s\n", chain.Alerts[i].Subject)
	}
	return sb.String()
}

func recordAttackPattern(deps Deps, chain AttackChain) {
	if deps.Threats == nil {
		return
	}
	pattern := threatstore.AttackPattern{
		PatternType:     "kill_chain",
		Description:     chain.Pattern,
		MITRETechniques: chain.MITRETechniques,
		Severity:        string(chain.Severity),
		Indicators:      chain.AffectedSystems,
	}
	if err := deps.Threats.AddAttackPattern(pattern); err != nil {
		deps.logger().Warn("failed to record attack pattern", "attack_id", chain.AttackID, "error", err)
	}
}

// EnrichedIP is an IP structured for threat intelligence enrichment.
type EnrichedIP struct {
	IP         string  `json:"ip"`
	Reputation string  `json:"reputation"`
	Source     *string `json:"source"`
	FirstSeen  *string `json:"first_seen"`
	LastSeen   *string `json:"last_seen"`
	ThreatType *string `json:"threat_type"`
	ASN        *int    `json:"asn"`
	Country    *string `json:"country"`
}

// EnrichedDomain is a domain structured for enrichment.
type EnrichedDomain struct {
	Domain       string  `json:"domain"`
	Category     string  `json:"category"`
	Reputation   string  `json:"reputation"`
	Source       *string `json:"source"`
	Registrar    *string `json:"registrar"`
	CreationDate *string `json:"creation_date"`
}

// EnrichedHash is a file hash structured for enrichment.
type EnrichedHash struct {
	Hash           string  `json:"hash"`
	HashType       string  `json:"hash_type"`
	MalwareFamily  *string `json:"malware_family"`
	DetectionCount *int    `json:"detection_count"`
	Source         *string `json:"source"`
}

// EnrichedEmail is an email address structured for enrichment.
type EnrichedEmail struct {
	Email               string   `json:"email"`
	Reputation          string   `json:"reputation"`
	AssociatedCampaigns []string `json:"associated_campaigns"`
}

// EnrichedURL is a URL structured for enrichment.
type EnrichedURL struct {
	URL                 string `json:"url"`
	Category            string `json:"category"`
	Reputation          string `json:"reputation"`
	ScreenshotAvailable bool   `json:"screenshot_available"`
}

// EnrichedIOCs is the IOC set reshaped for external threat intelligence
// lookups, with local observation history filled in for IPs when a threat
// store is available.
type EnrichedIOCs struct {
	IPs              []EnrichedIP     `json:"ips"`
	Domains          []EnrichedDomain `json:"domains"`
	FileHashes       []EnrichedHash   `json:"file_hashes"`
	EmailAddresses   []EnrichedEmail  `json:"email_addresses"`
	URLs             []EnrichedURL    `json:"urls"`
	EnrichmentStatus string           `json:"enrichment_status"`
	APIsAvailable    []string         `json:"apis_available"`
}

// EnrichWithThreatIntel reshapes an IOC set into per-indicator records ready
// for external reputation APIs. IPs previously observed by the local threat
// store carry their first/last seen timestamps; other indicator types are not
// looked up.
func EnrichWithThreatIntel(deps Deps, iocs models.IOCSet) EnrichedIOCs {
	enriched := EnrichedIOCs{
		IPs:              []EnrichedIP{},
		Domains:          []EnrichedDomain{},
		FileHashes:       []EnrichedHash{},
		EmailAddresses:   []EnrichedEmail{},
		URLs:             []EnrichedURL{},
		EnrichmentStatus: "pending",
		APIsAvailable:    []string{"virustotal", "abuseipdb", "alienvault", "misp"},
	}

	for _, ip := range iocs.IPs {
		entry := EnrichedIP{IP: ip, Reputation: "unknown"}
		if first, last, ok := localHistory(deps, ip, "ip"); ok {
			entry.FirstSeen, entry.LastSeen = &first, &last
		}
		enriched.IPs = append(enriched.IPs, entry)
	}
	for _, domain := range iocs.Domains {
		entry := EnrichedDomain{Domain: domain, Category: "unknown", Reputation: "unknown"}
		enriched.Domains = append(enriched.Domains, entry)
	}
	for hashType, hashes := range map[string][]string{
		"md5":    iocs.FileHashes.MD5,
		"sha1":   iocs.FileHashes.SHA1,
		"sha256": iocs.FileHashes.SHA256,
	} {
		for _, h := range hashes {
			enriched.FileHashes = append(enriched.FileHashes, EnrichedHash{Hash: h, HashType: hashType})
		}
	}
	sort.Slice(enriched.FileHashes, func(i, j int) bool {
		if enriched.FileHashes[i].HashType != enriched.FileHashes[j].HashType {
			return enriched.FileHashes[i].HashType < enriched.FileHashes[j].HashType
		}
		return enriched.FileHashes[i].Hash < enriched.FileHashes[j].Hash
	})
	for _, email := range iocs.EmailAddresses {
		enriched.EmailAddresses = append(enriched.EmailAddresses, EnrichedEmail{
			Email:               email,
			Reputation:          "unknown",
			AssociatedCampaigns: []string{},
		})
	}
	for _, url := range iocs.URLs {
		enriched.URLs = append(enriched.URLs, EnrichedURL{URL: url, Category: "unknown", Reputation: "unknown"})
	}
	return enriched
}

func localHistory(deps Deps, ioc, iocType string) (first, last string, ok bool) {
	if deps.Threats == nil {
		return "", "", false
	}
	observations := deps.Threats.IOCHistory(ioc, iocType)
	if len(observations) == 0 {
		return "", "", false
	}
	return observations[0].Timestamp, observations[len(observations)-1].Timestamp, true
}
