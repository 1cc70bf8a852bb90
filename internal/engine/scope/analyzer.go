// Package scope decides which data domains a question touches, derives the
// query strategy and computes the confidence heuristic.
package scope

import (
	"sort"
	"strings"

	"qms-assistant/internal/engine/dictionary"
	"qms-assistant/internal/engine/textmatch"
	"qms-assistant/internal/models"
)

// Weights for the confidence heuristic. They are configuration, not tuned constants.
type Weights struct {
	DomainBase    int
	PerEntity     int
	EntityCap     int
	StrategyBonus int
}

// DefaultWeights: 30 for any domain, 15 per entity capped at 45, 25 for a known strategy.
func DefaultWeights() Weights {
	return Weights{DomainBase: 30, PerEntity: 15, EntityCap: 45, StrategyBonus: 25}
}

type Analyzer struct {
	table   *dictionary.Dictionaries
	weights Weights
}

func NewAnalyzer(table *dictionary.Dictionaries, weights Weights) *Analyzer {
	return &Analyzer{table: table, weights: weights}
}

// Analyze is the stateless form of (*Analyzer).Analyze.
func Analyze(text string, entities models.EntityMap, table *dictionary.Dictionaries, weights Weights) models.QueryAnalysis {
	return NewAnalyzer(table, weights).Analyze(text, entities)
}

func (a *Analyzer) Analyze(text string, entities models.EntityMap) models.QueryAnalysis {
	norm := textmatch.Normalize(text)
	domains := a.domains(norm)

	strategy := models.StrategyUnknown
	if norm != "" {
		strategy = a.strategy(domains)
	}

	return models.QueryAnalysis{
		Question:        strings.TrimSpace(text),
		InvolvedDomains: domains,
		Strategy:        strategy,
		Entities:        entities,
		Confidence:      a.confidence(len(domains), entities.Len(), strategy),
	}
}

func (a *Analyzer) domains(norm string) []models.Domain {
	out := []models.Domain{}
	if norm == "" {
		return out
	}
	seen := make(map[models.Domain]bool)
	for _, kw := range a.table.Keywords() {
		if seen[kw.Domain] {
			continue
		}
		if textmatch.Contains(norm, kw.Text) {
			seen[kw.Domain] = true
			out = append(out, kw.Domain)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Analyzer) strategy(domains []models.Domain) models.Strategy {
	switch len(domains) {
	case 0:
		return models.StrategyGeneralSearch
	case 1:
		return models.SingleSource(domains[0])
	case 2:
		if s, ok := a.table.Pairing(domains[0], domains[1]); ok {
			return s
		}
		return models.StrategyMultiSource
	case 3:
		return models.StrategyFullLifecycle
	default:
		return models.StrategyMultiSource
	}
}

func (a *Analyzer) confidence(domainCount, entityCount int, strategy models.Strategy) int {
	w := a.weights
	score := 0
	if domainCount > 0 {
		score += w.DomainBase
	}
	score += min(w.PerEntity*entityCount, w.EntityCap)
	if strategy != models.StrategyUnknown {
		score += w.StrategyBonus
	}
	return max(0, min(score, 100))
}
