package rules

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/models"
	"qms-assistant/pkg/rulefile"
)

type failingSource struct{}

func (failingSource) Name() string { return "failing" }

func (failingSource) Load(context.Context) ([]models.IntentRule, []Rejection, error) {
	return nil, nil, ErrSourceFailed
}

type switchSource struct {
	mu  sync.Mutex
	src Source
}

func (s *switchSource) Name() string { return "switch" }

func (s *switchSource) Load(ctx context.Context) ([]models.IntentRule, []Rejection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Load(ctx)
}

func (s *switchSource) set(src Source) {
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()
}

type recordingPublisher struct {
	reasons []string
}

func (p *recordingPublisher) Publish(_ context.Context, reason string) error {
	p.reasons = append(p.reasons, reason)
	return nil
}

func newTestRepository(t *testing.T, src Source, opts ...Option) *Repository {
	t.Helper()
	return NewRepository(src, logger.NewTestLogger(t), opts...)
}

// newBackgroundRepository logs nowhere; its goroutines may outlive the test.
func newBackgroundRepository(src Source) *Repository {
	return NewRepository(src, logger.NewNoOpLogger())
}

func TestRepository_EmptyBeforeLoad(t *testing.T) {
	repo := newTestRepository(t, StaticSource{})

	snap := repo.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(0), snap.Generation)
	assert.Empty(t, repo.Active())
}

func TestRepository_LoadExcludesInvalidRules(t *testing.T) {
	broken := riskInventoryRule()
	broken.ID = 5
	broken.Name = "broken arity"
	broken.QueryTemplate = "SELECT * FROM inventory WHERE status = ? AND factory = ?"

	repo := newTestRepository(t, StaticSource{Rules: []models.IntentRule{riskInventoryRule(), supplierDeliveryRule(), broken}})
	report, err := repo.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), report.Generation)
	assert.Equal(t, 2, report.Loaded)
	assert.Equal(t, 2, report.Active)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, int64(5), report.Rejected[0].RuleID)
	assert.Contains(t, report.Rejected[0].Reason, "placeholders")

	_, ok := repo.Get(5)
	assert.False(t, ok)
}

func TestRepository_UpsertRejectsArityMismatch(t *testing.T) {
	repo := newTestRepository(t, StaticSource{Rules: []models.IntentRule{riskInventoryRule()}})
	_, err := repo.Load(context.Background())
	require.NoError(t, err)
	before := repo.Snapshot()

	bad := riskInventoryRule()
	bad.ID = 0
	bad.Name = "inventory by factory"
	bad.QueryTemplate = "SELECT * FROM inventory WHERE status = ? AND factory = ?"

	_, err = repo.Upsert(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Len(t, repo.Active(), 1)
	assert.Same(t, before, repo.Snapshot())
}

func TestRepository_UpsertRejectsDuplicateName(t *testing.T) {
	repo := newTestRepository(t, StaticSource{Rules: []models.IntentRule{riskInventoryRule()}})
	_, err := repo.Load(context.Background())
	require.NoError(t, err)

	dup := riskInventoryRule()
	dup.ID = 0
	dup.Name = "RISK inventory"

	_, err = repo.Upsert(context.Background(), dup)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Len(t, repo.Active(), 1)
}

func TestRepository_UpsertLowerIDCannotDisplaceExistingName(t *testing.T) {
	existing := riskInventoryRule()
	existing.ID = 5
	repo := newTestRepository(t, StaticSource{Rules: []models.IntentRule{existing}})
	_, err := repo.Load(context.Background())
	require.NoError(t, err)

	dup := riskInventoryRule()
	dup.ID = 3
	dup.TriggerWords = []string{"shortage"}

	_, err = repo.Upsert(context.Background(), dup)
	require.ErrorIs(t, err, ErrInvalidRule)
	assert.Contains(t, err.Error(), "existing rule 5")

	active := repo.Active()
	require.Len(t, active, 1)
	assert.Equal(t, int64(5), active[0].ID)
	assert.Equal(t, []string{"inventory", "risk"}, active[0].TriggerWords)
	assert.Empty(t, repo.Snapshot().Rejected)
	_, ok := repo.Get(3)
	assert.False(t, ok)
}

func TestRepository_UpsertCreatesAndUpdates(t *testing.T) {
	pub := &recordingPublisher{}
	var swaps []LoadReport
	repo := newTestRepository(t, StaticSource{Rules: []models.IntentRule{riskInventoryRule()}},
		WithPublisher(pub),
		WithSwapHook(func(_ *Snapshot, r LoadReport) { swaps = append(swaps, r) }))
	_, err := repo.Load(context.Background())
	require.NoError(t, err)

	created := supplierDeliveryRule()
	created.ID = 0
	got, err := repo.Upsert(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, models.RuleStatusActive, got.Status)

	got.Priority = 9
	updated, err := repo.Upsert(context.Background(), got)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	stored, ok := repo.Get(2)
	require.True(t, ok)
	assert.Equal(t, 9, stored.Priority)
	assert.Len(t, repo.Active(), 2)

	assert.Equal(t, []string{"upsert", "upsert"}, pub.reasons)
	require.Len(t, swaps, 3)
	assert.Equal(t, "load", swaps[0].Reason)
	assert.Equal(t, uint64(3), swaps[2].Generation)
}

func TestRepository_DisableKeepsRuleListed(t *testing.T) {
	repo := newTestRepository(t, StaticSource{Rules: []models.IntentRule{riskInventoryRule(), supplierDeliveryRule()}})
	_, err := repo.Load(context.Background())
	require.NoError(t, err)

	require.NoError(t, repo.Disable(context.Background(), 1))

	assert.Len(t, repo.Active(), 1)
	assert.Len(t, repo.Snapshot().All(), 2)
	rule, ok := repo.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.RuleStatusDisabled, rule.Status)
	assert.Equal(t, 2, rule.Version)

	gen := repo.Snapshot().Generation
	require.NoError(t, repo.Disable(context.Background(), 1))
	assert.Equal(t, gen, repo.Snapshot().Generation)
}

func TestRepository_DisableUnknownRule(t *testing.T) {
	repo := newTestRepository(t, StaticSource{Rules: []models.IntentRule{riskInventoryRule()}})
	_, err := repo.Load(context.Background())
	require.NoError(t, err)

	err = repo.Disable(context.Background(), 42)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRepository_SourceFailureKeepsSnapshot(t *testing.T) {
	src := &switchSource{src: StaticSource{Rules: []models.IntentRule{riskInventoryRule()}}}
	repo := newTestRepository(t, src)
	_, err := repo.Load(context.Background())
	require.NoError(t, err)
	before := repo.Snapshot()

	src.set(failingSource{})
	_, err = repo.Reload(context.Background())
	assert.True(t, errors.Is(err, ErrSourceFailed))
	assert.Same(t, before, repo.Snapshot())
	assert.Len(t, repo.Active(), 1)
}

func TestRepository_ReadersSeeWholeSnapshots(t *testing.T) {
	one := StaticSource{Rules: []models.IntentRule{riskInventoryRule()}}
	two := StaticSource{Rules: []models.IntentRule{riskInventoryRule(), supplierDeliveryRule()}}
	src := &switchSource{src: one}
	repo := newTestRepository(t, src)
	_, err := repo.Load(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := repo.Snapshot()
				n := len(snap.Active())
				if n != 1 && n != 2 {
					t.Errorf("torn snapshot with %d rules", n)
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			src.set(two)
		} else {
			src.set(one)
		}
		_, err := repo.Reload(context.Background())
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestRepository_FileSourcePersistsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, rulefile.Save(path, &rulefile.Document{Version: 1, Rules: []models.IntentRule{riskInventoryRule()}}))

	repo := newTestRepository(t, NewFileSource(path))
	_, err := repo.Load(context.Background())
	require.NoError(t, err)

	rule := supplierDeliveryRule()
	rule.ID = 0
	_, err = repo.Upsert(context.Background(), rule)
	require.NoError(t, err)
	require.NoError(t, repo.Disable(context.Background(), 1))

	doc, err := rulefile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Version)
	require.Len(t, doc.Rules, 2)
	assert.Equal(t, models.RuleStatusDisabled, doc.Rules[0].Status)

	reloaded := newTestRepository(t, NewFileSource(path))
	_, err = reloaded.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, reloaded.Snapshot().All(), 2)
	assert.Len(t, reloaded.Active(), 1)
}

func TestRepository_FileSourceMissingFile(t *testing.T) {
	repo := newTestRepository(t, NewFileSource(filepath.Join(t.TempDir(), "missing.yaml")))
	_, err := repo.Load(context.Background())
	assert.ErrorIs(t, err, ErrSourceFailed)
}
