package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"qms-assistant/internal/engine/sqltemplate"
	"qms-assistant/internal/models"
)

var ErrInvalidRule = errors.New("INVALID_RULE_DEFINITION")

// Rejection records a rule excluded from a load and why.
type Rejection struct {
	RuleID   int64           `json:"ruleId"`
	Name     string          `json:"name"`
	Category models.Category `json:"category"`
	Reason   string          `json:"reason"`

	err error
}

// Err returns the rejection as an error wrapping ErrInvalidRule.
func (r Rejection) Err() error {
	if r.err != nil {
		return r.err
	}
	return fmt.Errorf("%w: %s", ErrInvalidRule, r.Reason)
}

// Normalize fills defaults that rule authors may omit.
func Normalize(rule models.IntentRule) models.IntentRule {
	r := rule.Clone()
	r.Name = strings.TrimSpace(r.Name)
	if r.Status == "" {
		r.Status = models.RuleStatusActive
	}
	if r.Version == 0 {
		r.Version = 1
	}
	return r
}

// Validate checks a single rule, including the placeholder arity invariant.
func Validate(rule models.IntentRule) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
	}

	if rule.ID <= 0 {
		return invalid("id must be positive")
	}
	if rule.Name == "" {
		return invalid("name is required")
	}
	if !rule.Category.Valid() {
		return invalid("unknown category %q", rule.Category)
	}
	if !rule.Status.Valid() {
		return invalid("unknown status %q", rule.Status)
	}
	if !hasTrigger(rule.TriggerWords) {
		return invalid("at least one trigger word is required")
	}
	if strings.TrimSpace(rule.QueryTemplate) == "" {
		return invalid("query template is required")
	}

	tmpl, err := sqltemplate.Parse(rule.QueryTemplate)
	if err != nil {
		return invalid("%v", err)
	}
	if tmpl.Count() != len(rule.ParameterSpec) {
		return invalid("template has %d placeholders but parameterSpec declares %d", tmpl.Count(), len(rule.ParameterSpec))
	}

	names := make(map[string]bool, len(rule.ParameterSpec))
	for i, p := range rule.ParameterSpec {
		if p.Name == "" {
			return invalid("parameter %d has no name", i)
		}
		if names[p.Name] {
			return invalid("parameter %q declared twice", p.Name)
		}
		names[p.Name] = true
		if !p.Type.Valid() {
			return invalid("parameter %q has unknown type %q", p.Name, p.Type)
		}
		if !validSource(p.ExtractionSource) {
			return invalid("parameter %q has unknown extraction source %q", p.Name, p.ExtractionSource)
		}
	}

	if tmpl.Style == sqltemplate.StyleNamed {
		for _, n := range tmpl.Names {
			if !names[n] {
				return invalid("placeholder {{%s}} has no parameterSpec entry", n)
			}
		}
	}
	return nil
}

func hasTrigger(words []string) bool {
	for _, w := range words {
		if strings.TrimSpace(w) != "" {
			return true
		}
	}
	return false
}

func validSource(src string) bool {
	switch src {
	case models.SourceTimeRangeFrom, models.SourceTimeRangeTo:
		return true
	case string(models.EntityTimeRange):
		return false
	}
	return models.KnownEntityType(models.EntityType(src))
}

// ValidateSet validates each rule and rejects duplicate ids and duplicate
// names within a category. Rules are considered in id order, so the later
// duplicate is the one excluded.
func ValidateSet(rules []models.IntentRule) ([]models.IntentRule, []Rejection) {
	sorted := make([]models.IntentRule, 0, len(rules))
	for _, r := range rules {
		sorted = append(sorted, Normalize(r))
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var valid []models.IntentRule
	var rejected []Rejection
	ids := make(map[int64]bool, len(sorted))
	names := make(map[string]int64, len(sorted))

	for _, r := range sorted {
		reject := func(err error) {
			rejected = append(rejected, Rejection{RuleID: r.ID, Name: r.Name, Category: r.Category, Reason: err.Error(), err: err})
		}

		if err := Validate(r); err != nil {
			reject(err)
			continue
		}
		if ids[r.ID] {
			reject(fmt.Errorf("%w: duplicate id %d", ErrInvalidRule, r.ID))
			continue
		}
		key := nameKey(r.Category, r.Name)
		if other, ok := names[key]; ok {
			reject(fmt.Errorf("%w: name %q already used in category %s by rule %d", ErrInvalidRule, r.Name, r.Category, other))
			continue
		}
		ids[r.ID] = true
		names[key] = r.ID
		valid = append(valid, r)
	}
	return valid, rejected
}

func nameKey(c models.Category, name string) string {
	return string(c) + "\x00" + strings.ToLower(strings.TrimSpace(name))
}
