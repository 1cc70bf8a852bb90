// internal/models/analysis.go
package models

import "strings"

// Domain is a data area referenced by a question (inventory, production, ...).
type Domain string

// Strategy classifies how many and which domains a question spans.
type Strategy string

const (
	StrategyUnknown        Strategy = "unknown"
	StrategyGeneralSearch  Strategy = "general_search"
	StrategyFullLifecycle  Strategy = "full_lifecycle_analysis"
	StrategyMultiSource    Strategy = "multi_source_correlation"
	singleSourceStrategyPx          = "single_source:"
)

// SingleSource builds the strategy tag for a one-domain question.
func SingleSource(d Domain) Strategy {
	return Strategy(singleSourceStrategyPx + string(d))
}

// SingleDomain returns the domain of a single_source strategy.
func (s Strategy) SingleDomain() (Domain, bool) {
	if !strings.HasPrefix(string(s), singleSourceStrategyPx) {
		return "", false
	}
	return Domain(strings.TrimPrefix(string(s), singleSourceStrategyPx)), true
}

// QueryAnalysis is produced once per question and never mutated.
type QueryAnalysis struct {
	Question        string    `json:"question"`
	InvolvedDomains []Domain  `json:"involvedDomains"`
	Strategy        Strategy  `json:"strategy"`
	Entities        EntityMap `json:"entities"`
	Confidence      int       `json:"confidence"`
}

func (a QueryAnalysis) HasDomain(d Domain) bool {
	for _, x := range a.InvolvedDomains {
		if x == d {
			return true
		}
	}
	return false
}
