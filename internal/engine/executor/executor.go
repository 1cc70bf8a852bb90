// Package executor binds extracted entities into a rule's query template and
// runs it against the data store with native parameter binding.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/models"
)

var (
	ErrMissingParameter = errors.New("MISSING_PARAMETER")
	ErrInvalidParameter = errors.New("INVALID_PARAMETER")
	ErrQueryFailed      = errors.New("QUERY_EXECUTION_FAILED")
	ErrQueryTimeout     = errors.New("QUERY_TIMEOUT")
)

// DataStore runs a parameterized query. The query uses $N placeholders.
type DataStore interface {
	Run(ctx context.Context, query string, args []interface{}) (*models.ResultSet, error)
}

type Config struct {
	Timeout               time.Duration
	DisableInjectionCheck bool
}

type Executor struct {
	store  DataStore
	cfg    Config
	logger logger.Logger
	now    func() time.Time
}

type Option func(*Executor)

// WithClock sets the clock used to resolve relative time ranges.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(store DataStore, cfg Config, log logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:  store,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "query-executor"}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Timeout() time.Duration { return e.cfg.Timeout }

// Execute binds and runs rule. Failures are never retried here.
func (e *Executor) Execute(ctx context.Context, rule models.IntentRule, entities models.EntityMap) (*models.ResultSet, error) {
	q, err := e.Bind(rule, entities)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, rule, q)
}

// Run executes an already bound query under the configured timeout.
func (e *Executor) Run(ctx context.Context, rule models.IntentRule, q BoundQuery) (*models.ResultSet, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	rs, err := e.store.Run(ctx, q.SQL, q.Args)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("query timed out", map[string]interface{}{
				"ruleId":  rule.ID,
				"timeout": e.cfg.Timeout.String(),
			})
			return nil, fmt.Errorf("%w: rule %d after %s", ErrQueryTimeout, rule.ID, e.cfg.Timeout)
		}
		e.logger.Error("query failed", map[string]interface{}{
			"ruleId": rule.ID,
			"error":  err.Error(),
		})
		return nil, fmt.Errorf("%w: rule %d: %v", ErrQueryFailed, rule.ID, err)
	}

	out := normalize(rs, rule.ResultColumns)
	e.logger.Debug("query executed", map[string]interface{}{
		"ruleId":   rule.ID,
		"rows":     len(out.Rows),
		"duration": elapsed.String(),
	})
	return out, nil
}

// normalize orders columns by declared first (in declared order), then the
// remaining store columns. Rows and columns are never nil.
func normalize(rs *models.ResultSet, declared []string) *models.ResultSet {
	if rs == nil {
		return models.EmptyResultSet()
	}
	out := &models.ResultSet{Columns: rs.Columns, Rows: rs.Rows, Truncated: rs.Truncated}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	if out.Rows == nil {
		out.Rows = [][]interface{}{}
	}
	if len(declared) == 0 {
		return out
	}

	index := make(map[string]int, len(rs.Columns))
	for i, c := range rs.Columns {
		if _, dup := index[c]; !dup {
			index[c] = i
		}
	}
	order := make([]int, 0, len(rs.Columns))
	used := make(map[int]bool, len(rs.Columns))
	for _, c := range declared {
		if i, ok := index[c]; ok && !used[i] {
			order = append(order, i)
			used[i] = true
		}
	}
	for i := range rs.Columns {
		if !used[i] {
			order = append(order, i)
		}
	}

	out.Columns = make([]string, len(order))
	for j, i := range order {
		out.Columns[j] = rs.Columns[i]
	}
	out.Rows = make([][]interface{}, len(rs.Rows))
	for r, row := range rs.Rows {
		projected := make([]interface{}, len(order))
		for j, i := range order {
			if i < len(row) {
				projected[j] = row[i]
			}
		}
		out.Rows[r] = projected
	}
	return out
}
