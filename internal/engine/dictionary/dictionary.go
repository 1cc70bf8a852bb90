// Package dictionary loads the versioned vocabulary used to read questions:
// entity terms per entity type, domain keywords and named domain pairings.
// A Dictionaries value is built once and never mutated, so it is safe to
// share across requests.
package dictionary

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"qms-assistant/internal/engine/textmatch"
	"qms-assistant/internal/models"
)

var ErrInvalidDictionary = errors.New("INVALID_DICTIONARY")

// Term is one canonical value and the extra spellings that map to it.
type Term struct {
	Value   string   `yaml:"value"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// Pairing names the strategy for a question that spans exactly two domains.
type Pairing struct {
	Domains  []models.Domain `yaml:"domains"`
	Strategy models.Strategy `yaml:"strategy"`
}

// File is the on-disk layout of the dictionaries document.
type File struct {
	Version  string                       `yaml:"version"`
	Entities map[models.EntityType][]Term `yaml:"entities"`
	Domains  map[models.Domain][]string   `yaml:"domains"`
	Pairings []Pairing                    `yaml:"pairings"`
}

// Form is a normalized spelling and the canonical value it stands for.
type Form struct {
	Text  string
	Value string
}

// Keyword is a normalized domain keyword.
type Keyword struct {
	Text   string
	Domain models.Domain
}

type Dictionaries struct {
	version  string
	entities map[models.EntityType][]Form
	keywords []Keyword
	pairings map[[2]models.Domain]models.Strategy
}

// Load reads and builds the dictionaries file at path.
func Load(path string) (*Dictionaries, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionaries %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds dictionaries from a YAML document.
func Parse(data []byte) (*Dictionaries, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDictionary, err)
	}
	return Build(f)
}

// Build validates f and precomputes the longest-first scan lists.
func Build(f File) (*Dictionaries, error) {
	d := &Dictionaries{
		version:  f.Version,
		entities: make(map[models.EntityType][]Form, len(f.Entities)),
		pairings: make(map[[2]models.Domain]models.Strategy, len(f.Pairings)),
	}

	for typ, terms := range f.Entities {
		if typ == models.EntityTimeRange || !models.KnownEntityType(typ) {
			return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidDictionary, typ)
		}
		forms, err := buildForms(typ, terms)
		if err != nil {
			return nil, err
		}
		d.entities[typ] = forms
	}

	for domain, words := range f.Domains {
		for _, w := range words {
			n := textmatch.Normalize(w)
			if n == "" {
				continue
			}
			d.keywords = append(d.keywords, Keyword{Text: n, Domain: domain})
		}
	}
	sort.Slice(d.keywords, func(i, j int) bool {
		if d.keywords[i].Domain != d.keywords[j].Domain {
			return d.keywords[i].Domain < d.keywords[j].Domain
		}
		return d.keywords[i].Text < d.keywords[j].Text
	})

	for _, p := range f.Pairings {
		if len(p.Domains) != 2 || p.Domains[0] == p.Domains[1] || p.Strategy == "" {
			return nil, fmt.Errorf("%w: pairing %v needs two distinct domains and a strategy", ErrInvalidDictionary, p.Domains)
		}
		d.pairings[pairKey(p.Domains[0], p.Domains[1])] = p.Strategy
	}

	return d, nil
}

func buildForms(typ models.EntityType, terms []Term) ([]Form, error) {
	owner := make(map[string]string)
	for _, t := range terms {
		if t.Value == "" {
			return nil, fmt.Errorf("%w: %s term with empty value", ErrInvalidDictionary, typ)
		}
		for _, spelling := range append([]string{t.Value}, t.Aliases...) {
			n := textmatch.Normalize(spelling)
			if n == "" {
				continue
			}
			if prev, ok := owner[n]; ok && prev != t.Value {
				return nil, fmt.Errorf("%w: %s spelling %q maps to both %q and %q", ErrInvalidDictionary, typ, n, prev, t.Value)
			}
			owner[n] = t.Value
		}
	}

	texts := make([]string, 0, len(owner))
	for n := range owner {
		texts = append(texts, n)
	}
	textmatch.SortLongestFirst(texts)

	forms := make([]Form, len(texts))
	for i, n := range texts {
		forms[i] = Form{Text: n, Value: owner[n]}
	}
	return forms, nil
}

func pairKey(a, b models.Domain) [2]models.Domain {
	if b < a {
		a, b = b, a
	}
	return [2]models.Domain{a, b}
}

func (d *Dictionaries) Version() string { return d.version }

// Forms returns the spellings for typ, longest first. Callers must not modify the slice.
func (d *Dictionaries) Forms(typ models.EntityType) []Form {
	return d.entities[typ]
}

// Keywords returns every domain keyword ordered by domain then text.
func (d *Dictionaries) Keywords() []Keyword {
	return d.keywords
}

// Pairing returns the named strategy for two domains, in either order.
func (d *Dictionaries) Pairing(a, b models.Domain) (models.Strategy, bool) {
	s, ok := d.pairings[pairKey(a, b)]
	return s, ok
}

// DomainNames lists the configured domains, sorted.
func (d *Dictionaries) DomainNames() []models.Domain {
	seen := make(map[models.Domain]bool)
	var out []models.Domain
	for _, k := range d.keywords {
		if !seen[k.Domain] {
			seen[k.Domain] = true
			out = append(out, k.Domain)
		}
	}
	return out
}
