// Package extractor recognizes typed entities in a free-text question using
// the domain dictionaries and a fixed set of time range patterns.
package extractor

import (
	"strings"

	apperrors "qms-assistant/internal/common/errors"
	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/engine/dictionary"
	"qms-assistant/internal/engine/textmatch"
	"qms-assistant/internal/models"
)

// Ambiguity describes a question where more than one distinct value of a
// type was present. The longest match is kept; the rest are reported so the
// dictionaries can be tuned.
type Ambiguity struct {
	Type    models.EntityType
	Chosen  string
	Ignored []string
}

type Extractor struct {
	dicts       *dictionary.Dictionaries
	onAmbiguity func(Ambiguity)
}

type Option func(*Extractor)

// WithAmbiguityHook registers a callback for ambiguous extractions.
func WithAmbiguityHook(fn func(Ambiguity)) Option {
	return func(e *Extractor) { e.onAmbiguity = fn }
}

// LogAmbiguity returns a hook that reports each ambiguity at debug level.
func LogAmbiguity(log logger.Logger) func(Ambiguity) {
	return func(a Ambiguity) {
		log.Debug("ambiguous entity", map[string]interface{}{
			"code":    string(apperrors.ErrCodeExtractionAmbiguity),
			"type":    string(a.Type),
			"chosen":  a.Chosen,
			"ignored": a.Ignored,
		})
	}
}

func New(dicts *dictionary.Dictionaries, opts ...Option) *Extractor {
	e := &Extractor{dicts: dicts}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract is the stateless form of (*Extractor).Extract.
func Extract(text string, dicts *dictionary.Dictionaries) models.EntityMap {
	return New(dicts).Extract(text)
}

// Extract never fails; types with no match are simply absent.
func (e *Extractor) Extract(text string) models.EntityMap {
	norm := textmatch.Normalize(text)
	found := make(map[models.EntityType]models.Entity)
	if norm == "" {
		return models.NewEntityMap(found)
	}

	for _, typ := range models.DictionaryEntityTypes {
		forms := e.dicts.Forms(typ)
		if len(forms) == 0 {
			continue
		}
		if ent, ok := e.scan(typ, norm, forms); ok {
			found[typ] = ent
		}
	}

	if token, term, ok := matchTimeRange(norm); ok {
		found[models.EntityTimeRange] = models.Entity{Value: token, Term: term}
	}

	return models.NewEntityMap(found)
}

// scan walks forms longest first and keeps the first one present in text.
func (e *Extractor) scan(typ models.EntityType, text string, forms []dictionary.Form) (models.Entity, bool) {
	var chosen dictionary.Form
	var ignored []string
	matched := false

	for _, f := range forms {
		if !textmatch.Contains(text, f.Text) {
			continue
		}
		if !matched {
			chosen = f
			matched = true
			if e.onAmbiguity == nil {
				break
			}
			continue
		}
		// shorter spellings inside the chosen one are the collision longest-first resolves
		if f.Value == chosen.Value || strings.Contains(chosen.Text, f.Text) {
			continue
		}
		ignored = append(ignored, f.Value)
	}

	if !matched {
		return models.Entity{}, false
	}
	if len(ignored) > 0 {
		e.onAmbiguity(Ambiguity{Type: typ, Chosen: chosen.Value, Ignored: dedupe(ignored)})
	}
	return models.Entity{Value: chosen.Value, Term: chosen.Text}, true
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
