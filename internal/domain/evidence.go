package domain

import "time"

// EvidenceTier names the sequential search stages of the Evidence Coordinator.
type EvidenceTier string

const (
	TierInternalOnly EvidenceTier = "tier_0_internal_only"
	TierReputable    EvidenceTier = "tier_1_reputable"
	TierBroader      EvidenceTier = "tier_2_broader"
)

// SearchDecision records which tier was entered and why, given the
// recommendation's intrinsic confidence score.
type SearchDecision struct {
	Tier            EvidenceTier `json:"tier"`
	ConfidenceScore float64      `json:"confidence_score"`
	Reasoning       string       `json:"reasoning"`
	ShouldSearch    bool         `json:"should_search"`
}

// EvidenceSourceResult is a single external source's contribution.
type EvidenceSourceResult struct {
	SourceName      string    `json:"source_name"`
	Title           string    `json:"title"`
	URL             string    `json:"url,omitempty"`
	RelevanceScore  float64   `json:"relevance_score"`
	KeyFinding      string    `json:"key_finding"`
	PublicationDate string    `json:"publication_date,omitempty"`
	RetrievedAt     time.Time `json:"retrieved_at"`
}

// EvidenceTrace is the coordinator's record of what it did, attached to the
// recommendation's metadata so the decision is auditable without needing to
// re-run a search.
type EvidenceTrace struct {
	Decision         SearchDecision          `json:"decision"`
	ReputableSources []EvidenceSourceResult  `json:"reputable_sources,omitempty"`
	BroaderSources   []EvidenceSourceResult  `json:"broader_sources,omitempty"`
	InitialConfidence float64                `json:"initial_confidence"`
	FinalConfidence   float64                `json:"final_confidence"`
	SearchHistory     []string               `json:"search_history"`
}

// CachedEvidenceEnvelope wraps a cached evidence search result with the
// bookkeeping needed to expire and self-heal corrupted entries.
type CachedEvidenceEnvelope struct {
	Trace     EvidenceTrace `json:"trace"`
	CachedAt  time.Time     `json:"cached_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Expired reports whether the envelope is past its TTL.
func (e *CachedEvidenceEnvelope) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}
