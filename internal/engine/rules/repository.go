// Package rules holds the intent rule repository: rules are validated at load
// time and published as an immutable snapshot that readers fetch without
// locking. Every change (reload, upsert, disable) builds a new snapshot and
// swaps it in atomically.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/models"
)

// Snapshot is one complete, validated rule set. It is never modified after
// publication; callers must not modify the slices it returns.
type Snapshot struct {
	Generation uint64
	LoadedAt   time.Time
	Rejected   []Rejection

	all    []models.IntentRule
	active []models.IntentRule
	byID   map[int64]int
}

func newSnapshot(gen uint64, rules []models.IntentRule, rejected []Rejection, now time.Time) *Snapshot {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	s := &Snapshot{
		Generation: gen,
		LoadedAt:   now,
		Rejected:   rejected,
		all:        rules,
		byID:       make(map[int64]int, len(rules)),
	}
	for i, r := range rules {
		s.byID[r.ID] = i
		if r.Active() {
			s.active = append(s.active, r)
		}
	}
	return s
}

// Active returns the active rules ordered by id.
func (s *Snapshot) Active() []models.IntentRule { return s.active }

// All returns every valid rule, including disabled ones, ordered by id.
func (s *Snapshot) All() []models.IntentRule { return s.all }

func (s *Snapshot) Get(id int64) (models.IntentRule, bool) {
	i, ok := s.byID[id]
	if !ok {
		return models.IntentRule{}, false
	}
	return s.all[i], true
}

func (s *Snapshot) nextID() int64 {
	if len(s.all) == 0 {
		return 1
	}
	return s.all[len(s.all)-1].ID + 1
}

// LoadReport summarizes one snapshot swap.
type LoadReport struct {
	Source     string        `json:"source"`
	Generation uint64        `json:"generation"`
	Loaded     int           `json:"loaded"`
	Active     int           `json:"active"`
	Rejected   []Rejection   `json:"rejected,omitempty"`
	Duration   time.Duration `json:"duration"`
	Reason     string        `json:"reason"`
}

// Publisher broadcasts rule changes to other instances.
type Publisher interface {
	Publish(ctx context.Context, reason string) error
}

type Repository struct {
	source    Source
	current   atomic.Pointer[Snapshot]
	writeMu   sync.Mutex
	gen       uint64
	logger    logger.Logger
	now       func() time.Time
	publisher Publisher
	onSwap    []func(*Snapshot, LoadReport)
}

type Option func(*Repository)

// WithSwapHook is called after every successful swap, under the write lock.
func WithSwapHook(fn func(*Snapshot, LoadReport)) Option {
	return func(r *Repository) { r.onSwap = append(r.onSwap, fn) }
}

// WithPublisher announces admin changes so other instances reload.
func WithPublisher(p Publisher) Option {
	return func(r *Repository) { r.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func NewRepository(source Source, log logger.Logger, opts ...Option) *Repository {
	r := &Repository{
		source: source,
		logger: log.WithFields(map[string]interface{}{"component": "rule-repository", "source": source.Name()}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(newSnapshot(0, nil, nil, r.now()))
	return r
}

func (r *Repository) SourceName() string { return r.source.Name() }

// OnSwap registers fn to run after every later swap.
func (r *Repository) OnSwap(fn func(*Snapshot, LoadReport)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.onSwap = append(r.onSwap, fn)
}

// Snapshot returns the current rule set. It never blocks and is never nil.
func (r *Repository) Snapshot() *Snapshot {
	return r.current.Load()
}

// Active returns the active rules of the current snapshot.
func (r *Repository) Active() []models.IntentRule {
	return r.Snapshot().Active()
}

func (r *Repository) Get(id int64) (models.IntentRule, bool) {
	return r.Snapshot().Get(id)
}

// Load reads the source and swaps in the validated result. Invalid rules are
// excluded individually and listed in the report. If the source itself
// fails, the current snapshot stays in place.
func (r *Repository) Load(ctx context.Context) (LoadReport, error) {
	return r.reload(ctx, "load")
}

// Reload is Load under the name used by admin and background triggers.
func (r *Repository) Reload(ctx context.Context) (LoadReport, error) {
	return r.reload(ctx, "reload")
}

func (r *Repository) reload(ctx context.Context, reason string) (LoadReport, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	start := r.now()
	raw, undecodable, err := r.source.Load(ctx)
	if err != nil {
		r.logger.Error("rule source load failed, keeping current rules", map[string]interface{}{
			"error":      err.Error(),
			"generation": r.Snapshot().Generation,
		})
		return LoadReport{}, err
	}

	valid, rejected := ValidateSet(raw)
	rejected = append(undecodable, rejected...)
	return r.swap(valid, rejected, reason, start), nil
}

// swap must be called with writeMu held.
func (r *Repository) swap(rules []models.IntentRule, rejected []Rejection, reason string, start time.Time) LoadReport {
	r.gen++
	snap := newSnapshot(r.gen, rules, rejected, r.now())
	r.current.Store(snap)

	report := LoadReport{
		Source:     r.source.Name(),
		Generation: snap.Generation,
		Loaded:     len(snap.all),
		Active:     len(snap.active),
		Rejected:   rejected,
		Duration:   r.now().Sub(start),
		Reason:     reason,
	}

	for _, rej := range rejected {
		r.logger.Warn("intent rule rejected", map[string]interface{}{
			"ruleId":   rej.RuleID,
			"ruleName": rej.Name,
			"category": string(rej.Category),
			"reason":   rej.Reason,
		})
	}
	r.logger.Info("rule snapshot swapped", map[string]interface{}{
		"generation": report.Generation,
		"loaded":     report.Loaded,
		"active":     report.Active,
		"rejected":   len(rejected),
		"reason":     reason,
	})

	for _, fn := range r.onSwap {
		fn(snap, report)
	}
	return report
}

// Upsert validates rule against the current set and publishes a new snapshot
// containing it. A zero id creates a new rule. Writable sources persist the
// change first; read-only sources keep it in memory until the next reload.
func (r *Repository) Upsert(ctx context.Context, rule models.IntentRule) (models.IntentRule, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	start := r.now()
	cur := r.Snapshot()
	rule = Normalize(rule)
	if rule.ID == 0 {
		rule.ID = cur.nextID()
		rule.Version = 1
	} else if existing, ok := cur.Get(rule.ID); ok {
		rule.Version = existing.Version + 1
	}
	rule.Usage = models.RuleUsage{}

	if err := Validate(rule); err != nil {
		return models.IntentRule{}, err
	}

	candidate := make([]models.IntentRule, 0, len(cur.all)+1)
	for _, existing := range cur.all {
		if existing.ID != rule.ID {
			candidate = append(candidate, existing)
		}
	}
	candidate = append(candidate, rule)

	// cur.all holds only valid rules, so any rejection here is caused by rule:
	// either rule itself is invalid or it displaces an existing rule.
	valid, rejected := ValidateSet(candidate)
	for _, rej := range rejected {
		if rej.RuleID == rule.ID {
			return models.IntentRule{}, rej.Err()
		}
	}
	if len(rejected) > 0 {
		rej := rejected[0]
		return models.IntentRule{}, fmt.Errorf("%w: rule %d conflicts with existing rule %d (%s): %s",
			ErrInvalidRule, rule.ID, rej.RuleID, rej.Name, rej.Reason)
	}

	if err := r.persist(func(w WritableSource) error { return w.Save(ctx, rule) }); err != nil {
		return models.IntentRule{}, err
	}

	r.swap(valid, withoutRule(cur.Rejected, rule.ID), "upsert", start)
	r.announce(ctx, "upsert")
	return rule, nil
}

// Disable marks a rule disabled. It stays listed but no longer matches.
func (r *Repository) Disable(ctx context.Context, id int64) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	start := r.now()
	cur := r.Snapshot()
	existing, ok := cur.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	if existing.Status == models.RuleStatusDisabled {
		return nil
	}

	updated := existing.Clone()
	updated.Status = models.RuleStatusDisabled
	updated.Version++

	if err := r.persist(func(w WritableSource) error {
		return w.SetStatus(ctx, id, updated.Status, updated.Version)
	}); err != nil {
		return err
	}

	rules := make([]models.IntentRule, len(cur.all))
	copy(rules, cur.all)
	rules[cur.byID[id]] = updated

	r.swap(rules, cur.Rejected, "disable", start)
	r.announce(ctx, "disable")
	return nil
}

func withoutRule(rejected []Rejection, id int64) []Rejection {
	var out []Rejection
	for _, rej := range rejected {
		if rej.RuleID != id {
			out = append(out, rej)
		}
	}
	return out
}

func (r *Repository) persist(write func(WritableSource) error) error {
	w, ok := r.source.(WritableSource)
	if !ok {
		r.logger.Warn("rule source is read-only, change kept in memory until next reload", nil)
		return nil
	}
	return write(w)
}

func (r *Repository) announce(ctx context.Context, reason string) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, reason); err != nil {
		r.logger.Warn("failed to announce rule change", map[string]interface{}{
			"reason": reason,
			"error":  err.Error(),
		})
	}
}
