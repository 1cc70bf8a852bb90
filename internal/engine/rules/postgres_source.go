package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"qms-assistant/internal/models"
)

const (
	selectRulesQuery = `
		SELECT id, name, description, category, trigger_words, synonyms,
		       parameter_spec, query_template, result_columns, priority, status, version
		FROM intent_rules
		ORDER BY id`

	upsertRuleQuery = `
		INSERT INTO intent_rules (id, name, description, category, trigger_words, synonyms,
		                          parameter_spec, query_template, result_columns, priority, status, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			trigger_words = EXCLUDED.trigger_words,
			synonyms = EXCLUDED.synonyms,
			parameter_spec = EXCLUDED.parameter_spec,
			query_template = EXCLUDED.query_template,
			result_columns = EXCLUDED.result_columns,
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			updated_at = NOW()`

	setStatusQuery = `UPDATE intent_rules SET status = $1, version = $2, updated_at = NOW() WHERE id = $3`
)

// PostgresSource keeps rules in the intent_rules table (see migrations/).
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Name() string { return "postgres:intent_rules" }

// Load skips rows whose JSON columns do not decode and reports them as rejections.
func (s *PostgresSource) Load(ctx context.Context) ([]models.IntentRule, []Rejection, error) {
	rows, err := s.db.QueryContext(ctx, selectRulesQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSourceFailed, err)
	}
	defer rows.Close()

	var out []models.IntentRule
	var rejected []Rejection
	for rows.Next() {
		var (
			r                                         models.IntentRule
			description                               sql.NullString
			triggers, synonyms, params, resultColumns []byte
		)
		if err := rows.Scan(&r.ID, &r.Name, &description, &r.Category, &triggers, &synonyms,
			&params, &r.QueryTemplate, &resultColumns, &r.Priority, &r.Status, &r.Version); err != nil {
			return nil, nil, fmt.Errorf("%w: scan rule: %v", ErrSourceFailed, err)
		}
		r.Description = description.String

		if err := decodeColumns(&r, triggers, synonyms, params, resultColumns); err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidRule, err)
			rejected = append(rejected, Rejection{RuleID: r.ID, Name: r.Name, Category: r.Category, Reason: err.Error(), err: err})
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSourceFailed, err)
	}
	return out, rejected, nil
}

func decodeColumns(r *models.IntentRule, triggers, synonyms, params, resultColumns []byte) error {
	if err := decodeJSON(triggers, &r.TriggerWords); err != nil {
		return fmt.Errorf("trigger_words: %w", err)
	}
	if err := decodeJSON(synonyms, &r.Synonyms); err != nil {
		return fmt.Errorf("synonyms: %w", err)
	}
	if err := decodeJSON(params, &r.ParameterSpec); err != nil {
		return fmt.Errorf("parameter_spec: %w", err)
	}
	if err := decodeJSON(resultColumns, &r.ResultColumns); err != nil {
		return fmt.Errorf("result_columns: %w", err)
	}
	return nil
}

func decodeJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (s *PostgresSource) Save(ctx context.Context, r models.IntentRule) error {
	triggers, _ := json.Marshal(r.TriggerWords)
	synonyms, _ := json.Marshal(r.Synonyms)
	params, err := json.Marshal(r.ParameterSpec)
	if err != nil {
		return fmt.Errorf("%w: encode parameter spec: %v", ErrSourceFailed, err)
	}
	resultColumns, _ := json.Marshal(r.ResultColumns)

	_, err = s.db.ExecContext(ctx, upsertRuleQuery,
		r.ID, r.Name, r.Description, string(r.Category), string(triggers), string(synonyms),
		string(params), r.QueryTemplate, string(resultColumns), r.Priority, string(r.Status), r.Version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceFailed, err)
	}
	return nil
}

func (s *PostgresSource) SetStatus(ctx context.Context, id int64, status models.RuleStatus, version int) error {
	res, err := s.db.ExecContext(ctx, setStatusQuery, string(status), version, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceFailed, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	return nil
}
