// Package matcher scores active intent rules against an analyzed question and
// picks at most one winner.
package matcher

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"qms-assistant/internal/engine/textmatch"
	"qms-assistant/internal/models"
)

// Weights tune the scoring. MinScore is exclusive: a rule must score above it.
type Weights struct {
	TriggerBase    float64
	TriggerPerRune float64
	CategoryBonus  float64
	EntityBonus    float64
	MinScore       float64
}

func DefaultWeights() Weights {
	return Weights{TriggerBase: 1.0, TriggerPerRune: 0.5, CategoryBonus: 2.0, EntityBonus: 1.5, MinScore: 2.0}
}

// MatchResult is the winning rule and how it scored.
type MatchResult struct {
	Rule     models.IntentRule
	Score    float64
	Triggers []string // matched forms, in trigger word order
}

type candidate struct {
	rule     models.IntentRule
	score    float64
	triggers []string
}

// Match scores every rule and returns the best one above the threshold. It is
// a pure function of its inputs; ok is false for NoMatch.
func Match(analysis models.QueryAnalysis, rules []models.IntentRule, w Weights) (MatchResult, bool) {
	text := textmatch.Normalize(analysis.Question)
	if text == "" {
		return MatchResult{}, false
	}
	domain, single := analysis.Strategy.SingleDomain()

	var best *candidate
	for _, rule := range rules {
		if !rule.Active() {
			continue
		}
		c := score(text, rule, domain, single, analysis.Entities, w)
		if c.score <= w.MinScore {
			continue
		}
		if best == nil || better(c, *best) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return MatchResult{}, false
	}
	return MatchResult{Rule: best.rule, Score: best.score, Triggers: best.triggers}, true
}

func score(text string, rule models.IntentRule, domain models.Domain, single bool, entities models.EntityMap, w Weights) candidate {
	c := candidate{rule: rule}
	seen := make(map[string]bool, len(rule.TriggerWords))
	for _, trigger := range rule.TriggerWords {
		key := textmatch.Normalize(trigger)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		form, ok := longestPresent(text, trigger, rule.Synonyms[trigger])
		if !ok {
			continue
		}
		c.score += w.TriggerBase + w.TriggerPerRune*float64(textmatch.RuneLen(form))
		c.triggers = append(c.triggers, form)
	}
	if len(c.triggers) == 0 {
		// Bonuses alone never make a rule relevant.
		return c
	}

	if single && string(domain) == string(rule.Category) {
		c.score += w.CategoryBonus
	}
	for _, typ := range rule.ExpectedEntities() {
		if entities.Has(typ) {
			c.score += w.EntityBonus
		}
	}
	return c
}

func longestPresent(text, trigger string, synonyms []string) (string, bool) {
	forms := make([]string, 0, len(synonyms)+1)
	for _, f := range append([]string{trigger}, synonyms...) {
		if n := textmatch.Normalize(f); n != "" {
			forms = append(forms, n)
		}
	}
	textmatch.SortLongestFirst(forms)
	for _, f := range forms {
		if textmatch.Contains(text, f) {
			return f, true
		}
	}
	return "", false
}

func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.rule.Priority != b.rule.Priority {
		return a.rule.Priority > b.rule.Priority
	}
	if ra, rb := a.rule.RequiredParams(), b.rule.RequiredParams(); ra != rb {
		return ra > rb
	}
	return a.rule.ID < b.rule.ID
}

// ==========================
// Usage tracking
// ==========================

type usage struct {
	hits     atomic.Int64
	lastUsed atomic.Int64 // unix nanos
}

// Matcher wraps Match with configured weights and per-rule usage counters.
type Matcher struct {
	weights Weights
	usage   sync.Map // int64 -> *usage
	now     func() time.Time
}

func New(w Weights) *Matcher {
	return &Matcher{weights: w, now: time.Now}
}

func (m *Matcher) Weights() Weights { return m.weights }

// Match records a hit for the winning rule.
func (m *Matcher) Match(analysis models.QueryAnalysis, rules []models.IntentRule) (MatchResult, bool) {
	res, ok := Match(analysis, rules, m.weights)
	if ok {
		m.record(res.Rule.ID)
	}
	return res, ok
}

func (m *Matcher) record(id int64) {
	v, _ := m.usage.LoadOrStore(id, &usage{})
	u := v.(*usage)
	u.hits.Add(1)
	u.lastUsed.Store(m.now().UnixNano())
}

func (m *Matcher) Usage(id int64) models.RuleUsage {
	v, ok := m.usage.Load(id)
	if !ok {
		return models.RuleUsage{}
	}
	u := v.(*usage)
	out := models.RuleUsage{HitCount: u.hits.Load()}
	if ns := u.lastUsed.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		out.LastUsedAt = &t
	}
	return out
}

// WithUsage returns copies of rules carrying their current usage counters.
func (m *Matcher) WithUsage(rules []models.IntentRule) []models.IntentRule {
	out := make([]models.IntentRule, len(rules))
	for i, r := range rules {
		c := r.Clone()
		c.Usage = m.Usage(r.ID)
		out[i] = c
	}
	return out
}

// TopRules returns up to n active rules in the given categories, most used
// first. It backs the NoMatch recommendations.
func (m *Matcher) TopRules(rules []models.IntentRule, categories []models.Category, n int) []models.IntentRule {
	want := make(map[models.Category]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}
	var picked []models.IntentRule
	for _, r := range rules {
		if r.Active() && (len(want) == 0 || want[r.Category]) {
			picked = append(picked, r)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		hi, hj := m.Usage(picked[i].ID).HitCount, m.Usage(picked[j].ID).HitCount
		if hi != hj {
			return hi > hj
		}
		if picked[i].Priority != picked[j].Priority {
			return picked[i].Priority > picked[j].Priority
		}
		return picked[i].ID < picked[j].ID
	})
	if len(picked) > n {
		picked = picked[:n]
	}
	return picked
}
