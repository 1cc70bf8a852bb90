// internal/models/rule.go
package models

import "time"

// Category is the closed set of rule categories. It doubles as the cache
// strategy key for results produced by a rule.
type Category string

const (
	CategoryInventory   Category = "inventory"
	CategoryProduction  Category = "production"
	CategoryInspection  Category = "inspection"
	CategoryBatch       Category = "batch"
	CategoryComparison  Category = "comparison"
	CategoryExploration Category = "exploration"
	CategoryProject     Category = "project"
	CategoryBaseline    Category = "baseline"
)

var validCategories = map[Category]bool{
	CategoryInventory:   true,
	CategoryProduction:  true,
	CategoryInspection:  true,
	CategoryBatch:       true,
	CategoryComparison:  true,
	CategoryExploration: true,
	CategoryProject:     true,
	CategoryBaseline:    true,
}

func (c Category) Valid() bool { return validCategories[c] }

type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "active"
	RuleStatusDisabled RuleStatus = "disabled"
)

func (s RuleStatus) Valid() bool {
	return s == RuleStatusActive || s == RuleStatusDisabled
}

// ParamType is the declared type a bound value is coerced to.
type ParamType string

const (
	ParamTypeString    ParamType = "string"
	ParamTypeInteger   ParamType = "integer"
	ParamTypeDecimal   ParamType = "decimal"
	ParamTypeDate      ParamType = "date"
	ParamTypeTimestamp ParamType = "timestamp"
	// ParamTypePattern is a LIKE pattern; an unbound optional pattern matches everything.
	ParamTypePattern ParamType = "pattern"
)

func (t ParamType) Valid() bool {
	switch t {
	case ParamTypeString, ParamTypeInteger, ParamTypeDecimal, ParamTypeDate, ParamTypeTimestamp, ParamTypePattern:
		return true
	}
	return false
}

// Extraction sources for time range bounds. All other sources are entity types.
const (
	SourceTimeRangeFrom = "timeRange.from"
	SourceTimeRangeTo   = "timeRange.to"
)

// ParameterSpec describes one value bound into a rule's query template.
type ParameterSpec struct {
	Name             string      `json:"name" yaml:"name"`
	Type             ParamType   `json:"type" yaml:"type"`
	ExtractionSource string      `json:"extractionSource" yaml:"extractionSource"`
	Optional         bool        `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default          interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// EntityType returns the entity type the parameter reads from. Time range
// bounds both read from EntityTimeRange.
func (p ParameterSpec) EntityType() EntityType {
	switch p.ExtractionSource {
	case SourceTimeRangeFrom, SourceTimeRangeTo:
		return EntityTimeRange
	}
	return EntityType(p.ExtractionSource)
}

// RuleUsage is maintained by the matcher and merged into admin listings.
type RuleUsage struct {
	HitCount   int64      `json:"hitCount"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// IntentRule maps trigger vocabulary to a parameterized query template.
type IntentRule struct {
	ID            int64               `json:"id" yaml:"id"`
	Name          string              `json:"name" yaml:"name"`
	Description   string              `json:"description,omitempty" yaml:"description,omitempty"`
	Category      Category            `json:"category" yaml:"category"`
	TriggerWords  []string            `json:"triggerWords" yaml:"triggerWords"`
	Synonyms      map[string][]string `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`
	ParameterSpec []ParameterSpec     `json:"parameterSpec" yaml:"parameterSpec"`
	QueryTemplate string              `json:"queryTemplate" yaml:"queryTemplate"`
	ResultColumns []string            `json:"resultColumns,omitempty" yaml:"resultColumns,omitempty"`
	Priority      int                 `json:"priority" yaml:"priority"`
	Status        RuleStatus          `json:"status" yaml:"status"`
	Version       int                 `json:"version" yaml:"version"`
	Usage         RuleUsage           `json:"usage" yaml:"-"`
}

func (r IntentRule) Active() bool { return r.Status == RuleStatusActive }

// RequiredParams counts the non-optional parameters.
func (r IntentRule) RequiredParams() int {
	n := 0
	for _, p := range r.ParameterSpec {
		if !p.Optional {
			n++
		}
	}
	return n
}

// ExpectedEntities lists the distinct entity types the rule binds from.
func (r IntentRule) ExpectedEntities() []EntityType {
	seen := make(map[EntityType]bool, len(r.ParameterSpec))
	out := make([]EntityType, 0, len(r.ParameterSpec))
	for _, p := range r.ParameterSpec {
		t := p.EntityType()
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Clone returns a deep copy so snapshots never share slices with callers.
func (r IntentRule) Clone() IntentRule {
	c := r
	c.TriggerWords = append([]string(nil), r.TriggerWords...)
	c.ResultColumns = append([]string(nil), r.ResultColumns...)
	c.ParameterSpec = append([]ParameterSpec(nil), r.ParameterSpec...)
	if r.Synonyms != nil {
		c.Synonyms = make(map[string][]string, len(r.Synonyms))
		for k, v := range r.Synonyms {
			c.Synonyms[k] = append([]string(nil), v...)
		}
	}
	return c
}
