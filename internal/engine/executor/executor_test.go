package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms-assistant/internal/common/database"
	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/models"
)

type fakeStore struct {
	query string
	args  []interface{}
	rs    *models.ResultSet
	err   error
	delay time.Duration
	calls int
}

func (f *fakeStore) Run(ctx context.Context, query string, args []interface{}) (*models.ResultSet, error) {
	f.calls++
	f.query = query
	f.args = args
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.rs, f.err
}

var fixedNow = time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC) // a Wednesday

func newExecutor(t *testing.T, store DataStore, cfg Config) *Executor {
	t.Helper()
	return New(store, cfg, logger.NewTestLogger(t), WithClock(func() time.Time { return fixedNow }))
}

func entities(kv map[models.EntityType]string) models.EntityMap {
	m := make(map[models.EntityType]models.Entity, len(kv))
	for k, v := range kv {
		m[k] = models.Entity{Value: v, Term: v}
	}
	return models.NewEntityMap(m)
}

func riskRule() models.IntentRule {
	return models.IntentRule{
		ID:       1,
		Name:     "risk inventory",
		Category: models.CategoryInventory,
		ParameterSpec: []models.ParameterSpec{
			{Name: "status", Type: models.ParamTypeString, ExtractionSource: "status"},
		},
		QueryTemplate: "SELECT material, qty, status FROM inventory WHERE status = ?",
	}
}

func TestBind_PositionalTemplate(t *testing.T) {
	ex := newExecutor(t, &fakeStore{}, Config{})

	q, err := ex.Bind(riskRule(), entities(map[models.EntityType]string{models.EntityStatus: "risk"}))
	require.NoError(t, err)
	assert.Equal(t, "SELECT material, qty, status FROM inventory WHERE status = $1", q.SQL)
	assert.Equal(t, []interface{}{"risk"}, q.Args)
	assert.Equal(t, map[string]interface{}{"status": "risk"}, q.Params)
}

func TestBind_NamedTemplateWithTimeRange(t *testing.T) {
	rule := models.IntentRule{
		ID: 4,
		ParameterSpec: []models.ParameterSpec{
			{Name: "supplier", Type: models.ParamTypeString, ExtractionSource: "supplier"},
			{Name: "from", Type: models.ParamTypeDate, ExtractionSource: models.SourceTimeRangeFrom},
			{Name: "to", Type: models.ParamTypeDate, ExtractionSource: models.SourceTimeRangeTo},
		},
		QueryTemplate: "SELECT * FROM deliveries WHERE supplier = {{supplier}} AND at >= {{from}} AND at < {{to}}",
	}
	ex := newExecutor(t, &fakeStore{}, Config{})

	q, err := ex.Bind(rule, entities(map[models.EntityType]string{
		models.EntitySupplier:  "Acme",
		models.EntityTimeRange: "last_week",
	}))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM deliveries WHERE supplier = $1 AND at >= $2 AND at < $3", q.SQL)
	assert.Equal(t, "Acme", q.Args[0])
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), q.Args[1])
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), q.Args[2])
}

func TestBind_MissingMandatoryParameter(t *testing.T) {
	store := &fakeStore{}
	ex := newExecutor(t, store, Config{})

	_, err := ex.Execute(context.Background(), riskRule(), entities(nil))
	assert.ErrorIs(t, err, ErrMissingParameter)
	assert.Contains(t, err.Error(), "status")
	assert.Zero(t, store.calls)
}

func TestBind_OptionalFallbacks(t *testing.T) {
	rule := models.IntentRule{
		ID: 5,
		ParameterSpec: []models.ParameterSpec{
			{Name: "material", Type: models.ParamTypePattern, ExtractionSource: "material", Optional: true},
			{Name: "factory", Type: models.ParamTypeString, ExtractionSource: "factory", Optional: true},
			{Name: "limit", Type: models.ParamTypeInteger, ExtractionSource: "project", Optional: true, Default: 50},
		},
		QueryTemplate: "SELECT * FROM stock WHERE material LIKE ? AND factory = COALESCE(?, factory) LIMIT ?",
	}
	ex := newExecutor(t, &fakeStore{}, Config{})

	q, err := ex.Bind(rule, entities(nil))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"%", nil, int64(50)}, q.Args)
}

func TestBind_Coercion(t *testing.T) {
	tests := []struct {
		name    string
		typ     models.ParamType
		value   string
		want    interface{}
		wantErr error
	}{
		{"pattern escapes wildcards", models.ParamTypePattern, "PCB_10%", `%PCB\_10\%%`, nil},
		{"integer", models.ParamTypeInteger, " 42 ", int64(42), nil},
		{"bad integer", models.ParamTypeInteger, "forty", nil, ErrInvalidParameter},
		{"decimal", models.ParamTypeDecimal, "3.5", 3.5, nil},
		{"date", models.ParamTypeDate, "2025-01-31", time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), nil},
		{"bad date", models.ParamTypeDate, "31/01/2025", nil, ErrInvalidParameter},
		{"timestamp", models.ParamTypeTimestamp, "2025-01-31 08:00:00", time.Date(2025, 1, 31, 8, 0, 0, 0, time.UTC), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := models.IntentRule{
				ID:            7,
				ParameterSpec: []models.ParameterSpec{{Name: "v", Type: tt.typ, ExtractionSource: "project"}},
				QueryTemplate: "SELECT * FROM t WHERE v = ?",
			}
			ex := newExecutor(t, &fakeStore{}, Config{DisableInjectionCheck: true})
			q, err := ex.Bind(rule, entities(map[models.EntityType]string{models.EntityProject: tt.value}))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.Args[0])
		})
	}
}

func TestBind_RejectsInjection(t *testing.T) {
	ex := newExecutor(t, &fakeStore{}, Config{})

	_, err := ex.Bind(riskRule(), entities(map[models.EntityType]string{models.EntityStatus: "'; DROP TABLE inventory--"}))
	assert.ErrorIs(t, err, ErrInvalidParameter)

	relaxed := newExecutor(t, &fakeStore{}, Config{DisableInjectionCheck: true})
	q, err := relaxed.Bind(riskRule(), entities(map[models.EntityType]string{models.EntityStatus: "'; DROP TABLE inventory--"}))
	require.NoError(t, err)
	assert.Equal(t, "'; DROP TABLE inventory--", q.Args[0])
}

func TestExecute_NormalizesColumnOrder(t *testing.T) {
	rule := riskRule()
	rule.ResultColumns = []string{"status", "material"}
	store := &fakeStore{rs: &models.ResultSet{
		Columns: []string{"material", "qty", "status"},
		Rows:    [][]interface{}{{"PCB", int64(3), "risk"}},
	}}
	ex := newExecutor(t, store, Config{Timeout: time.Second})

	rs, err := ex.Execute(context.Background(), rule, entities(map[models.EntityType]string{models.EntityStatus: "risk"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"status", "material", "qty"}, rs.Columns)
	assert.Equal(t, [][]interface{}{{"risk", "PCB", int64(3)}}, rs.Rows)
}

func TestExecute_EmptyResultIsNotNil(t *testing.T) {
	store := &fakeStore{rs: &models.ResultSet{Columns: []string{"material"}}}
	ex := newExecutor(t, store, Config{})

	rs, err := ex.Execute(context.Background(), riskRule(), entities(map[models.EntityType]string{models.EntityStatus: "risk"}))
	require.NoError(t, err)
	assert.NotNil(t, rs.Rows)
	assert.Empty(t, rs.Rows)
}

func TestExecute_Timeout(t *testing.T) {
	store := &fakeStore{delay: time.Second}
	ex := newExecutor(t, store, Config{Timeout: 20 * time.Millisecond})

	_, err := ex.Execute(context.Background(), riskRule(), entities(map[models.EntityType]string{models.EntityStatus: "risk"}))
	assert.ErrorIs(t, err, ErrQueryTimeout)
	assert.False(t, errors.Is(err, ErrQueryFailed))
}

func TestExecute_StoreFailureIsNotRetried(t *testing.T) {
	store := &fakeStore{err: errors.New("relation \"inventory\" does not exist")}
	ex := newExecutor(t, store, Config{Timeout: time.Second})

	_, err := ex.Execute(context.Background(), riskRule(), entities(map[models.EntityType]string{models.EntityStatus: "risk"}))
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Equal(t, 1, store.calls)
}

func TestExecute_AgainstPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT material, qty, status FROM inventory WHERE status = \$1`).
		WithArgs("risk").
		WillReturnRows(sqlmock.NewRows([]string{"material", "qty", "status"}).
			AddRow("PCB", int64(12), "risk").
			AddRow("Resistor", int64(400), "risk"))

	ex := newExecutor(t, database.NewPostgresFromDB(db), Config{Timeout: time.Second})
	rs, err := ex.Execute(context.Background(), riskRule(), entities(map[models.EntityType]string{models.EntityStatus: "risk"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"material", "qty", "status"}, rs.Columns)
	assert.Len(t, rs.Rows, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}
