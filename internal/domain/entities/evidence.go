package entities

// EvidenceItem is a retrieved citable passage
type EvidenceItem struct {
	Text       string  `json:"text"`
	SourceID   string  `json:"source_id"`
	Source     string  `json:"source,omitempty"`
	Relevance  float64 `json:"relevance"`
	IndexScore float64 `json:"index_score"`
	Query      string  `json:"query,omitempty"`
}

// EvidenceSourceKey is the key under which a source's weight is learned.
func EvidenceSourceKey(source, sourceID string) string {
	if source != "" {
		return source
	}
	return sourceID
}

// SearchHit is one raw hit returned by the knowledge index
type SearchHit struct {
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Source   string  `json:"source,omitempty"`
	Score    float64 `json:"score"`
}
