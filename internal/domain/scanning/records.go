package scanning

import (
	"net/url"
	"strings"
	"time"
)

// SubdomainSource identifies which discovery mechanism produced a subdomain.
type SubdomainSource string

const (
	// SubdomainSourceApex marks the target domain itself, always included.
	SubdomainSourceApex SubdomainSource = "apex"

	// SubdomainSourceWordlist marks names found by wordlist DNS probing.
	SubdomainSourceWordlist SubdomainSource = "wordlist"

	// SubdomainSourceCTLog marks names found in certificate transparency logs.
	SubdomainSourceCTLog SubdomainSource = "ctlog"
)

// Subdomain is one discovered host under the target domain. The first
// source to report a name wins; later sightings are dropped by key.
type Subdomain struct {
	Name        string          `json:"name"`
	Source      SubdomainSource `json:"source"`
	ResolvedIPs []string        `json:"resolved_ips,omitempty"`
}

// Key returns the subdomain's dedup key. DNS names are case-insensitive,
// so the key is the lowercased name.
func (s Subdomain) Key() string { return strings.ToLower(s.Name) }

// ResourceKind classifies how a page references an external resource.
type ResourceKind string

const (
	ResourceKindScript     ResourceKind = "script"
	ResourceKindIframe     ResourceKind = "iframe"
	ResourceKindImage      ResourceKind = "image"
	ResourceKindStylesheet ResourceKind = "stylesheet"
	ResourceKindMedia      ResourceKind = "media"
	ResourceKindLink       ResourceKind = "link"
)

// AssetRef is one external resource reference extracted from a page.
type AssetRef struct {
	URL  string       `json:"url"`
	Kind ResourceKind `json:"kind"`
}

// Page is one crawled page with everything later stages read from it: the
// content hash keys capture and analyze, the asset references feed identify.
type Page struct {
	URL         string     `json:"url"`
	Subdomain   string     `json:"subdomain"`
	Depth       int        `json:"depth"`
	StatusCode  int        `json:"status_code"`
	Title       string     `json:"title,omitempty"`
	ContentHash string     `json:"content_hash"`
	TextExcerpt string     `json:"text_excerpt,omitempty"`
	Links       []string   `json:"links,omitempty"`
	Assets      []AssetRef `json:"assets,omitempty"`
}

// Key returns the page's dedup key: its URL with scheme and host
// lowercased, the fragment dropped and an empty path normalized to "/".
// A URL that does not parse keys on its raw string.
func (p Page) Key() string {
	parsed, err := url.Parse(p.URL)
	if err != nil {
		return p.URL
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String()
}

// ThirdPartyDomain is an external registrable domain referenced by crawled
// pages, with the union of resource kinds it was seen as. FirstSeenURL is
// sticky; merging duplicates never overwrites it.
type ThirdPartyDomain struct {
	Domain       string         `json:"domain"`
	FirstSeenURL string         `json:"first_seen_url"`
	Kinds        []ResourceKind `json:"kinds"`
}

// Key returns the lowercased domain, the record's dedup key.
func (t ThirdPartyDomain) Key() string { return strings.ToLower(t.Domain) }

// ArtifactKind distinguishes the capture outputs stored for a page.
type ArtifactKind string

const (
	ArtifactKindContent    ArtifactKind = "content"
	ArtifactKindScreenshot ArtifactKind = "screenshot"
)

// CaptureArtifact records one blob the capture stage stored.
type CaptureArtifact struct {
	ContentHash string       `json:"content_hash"`
	Kind        ArtifactKind `json:"kind"`
	PageURL     string       `json:"page_url"`
	Size        int64        `json:"size"`
	StoredAt    time.Time    `json:"stored_at"`
}

// Key combines hash and kind so a page's content blob and screenshot blob
// stay distinct records even when stored under related hashes.
func (a CaptureArtifact) Key() string { return a.ContentHash + "|" + string(a.Kind) }

// Violation is one flagged finding from the analyze stage. A page carries
// at most one violation per category; duplicates with different scores are
// dropped, not re-scored.
type Violation struct {
	PageURL     string  `json:"page_url"`
	ContentHash string  `json:"content_hash"`
	Category    string  `json:"category"`
	Score       float64 `json:"score"`
	Detail      string  `json:"detail,omitempty"`
}

// Key returns the violation's dedup key, page URL plus category.
func (v Violation) Key() string { return v.PageURL + "|" + v.Category }
