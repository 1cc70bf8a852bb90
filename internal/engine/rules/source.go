package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"qms-assistant/internal/models"
	"qms-assistant/pkg/rulefile"
)

var (
	ErrRuleNotFound = errors.New("RULE_NOT_FOUND")
	ErrSourceFailed = errors.New("RULE_SOURCE_FAILED")
)

// Source provides the complete set of rule definitions. Entries the source
// cannot decode are returned as rejections rather than failing the load.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]models.IntentRule, []Rejection, error)
}

// WritableSource persists admin changes so they survive a reload.
type WritableSource interface {
	Source
	Save(ctx context.Context, rule models.IntentRule) error
	SetStatus(ctx context.Context, id int64, status models.RuleStatus, version int) error
}

// StaticSource serves a fixed slice. It is read-only.
type StaticSource struct {
	Rules []models.IntentRule
}

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Load(context.Context) ([]models.IntentRule, []Rejection, error) {
	out := make([]models.IntentRule, len(s.Rules))
	for i, r := range s.Rules {
		out[i] = r.Clone()
	}
	return out, nil, nil
}

// FileSource reads and writes a YAML rule file.
type FileSource struct {
	path string
	mu   sync.Mutex
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Load(context.Context) ([]models.IntentRule, []Rejection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := rulefile.Load(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSourceFailed, err)
	}
	return doc.Rules, nil, nil
}

func (s *FileSource) Save(_ context.Context, rule models.IntentRule) error {
	return s.update(func(doc *rulefile.Document) error {
		for i := range doc.Rules {
			if doc.Rules[i].ID == rule.ID {
				doc.Rules[i] = rule
				return nil
			}
		}
		doc.Rules = append(doc.Rules, rule)
		return nil
	})
}

func (s *FileSource) SetStatus(_ context.Context, id int64, status models.RuleStatus, version int) error {
	return s.update(func(doc *rulefile.Document) error {
		for i := range doc.Rules {
			if doc.Rules[i].ID == id {
				doc.Rules[i].Status = status
				doc.Rules[i].Version = version
				return nil
			}
		}
		return fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	})
}

func (s *FileSource) update(fn func(doc *rulefile.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := rulefile.Load(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrSourceFailed, err)
		}
		doc = &rulefile.Document{Version: 1}
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.Version++
	if err := rulefile.Save(s.path, doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceFailed, err)
	}
	return nil
}
