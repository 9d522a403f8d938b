package scanning

// Counters holds the aggregate metrics a scan task accumulates across
// stages. Values only ever grow, and only the orchestrator's merge point
// adds to them, so stage retries can never double-count.
type Counters struct {
	Subdomains        int `json:"subdomains"`
	PagesCrawled      int `json:"pages_crawled"`
	ThirdPartyDomains int `json:"third_party_domains"`
	Violations        int `json:"violations"`
}

// Add returns the element-wise sum of the two counter sets.
func (c Counters) Add(other Counters) Counters {
	return Counters{
		Subdomains:        c.Subdomains + other.Subdomains,
		PagesCrawled:      c.PagesCrawled + other.PagesCrawled,
		ThirdPartyDomains: c.ThirdPartyDomains + other.ThirdPartyDomains,
		Violations:        c.Violations + other.Violations,
	}
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool {
	return c.Subdomains == 0 && c.PagesCrawled == 0 && c.ThirdPartyDomains == 0 && c.Violations == 0
}
