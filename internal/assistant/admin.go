package assistant

import (
	"context"
	"errors"

	apperrors "qms-assistant/internal/common/errors"
	"qms-assistant/internal/engine/rules"
	"qms-assistant/internal/models"
)

// ListRules returns every loaded rule, disabled ones included, with usage.
func (s *Service) ListRules() []models.IntentRule {
	return s.matcher.WithUsage(s.rules.Snapshot().All())
}

// Rejected lists the rules excluded from the current snapshot.
func (s *Service) Rejected() []rules.Rejection {
	return s.rules.Snapshot().Rejected
}

// UpsertRule validates rule against the active set before accepting it.
func (s *Service) UpsertRule(ctx context.Context, rule models.IntentRule) (models.IntentRule, error) {
	saved, err := s.rules.Upsert(ctx, rule)
	if err != nil {
		return models.IntentRule{}, ruleError(rule, err)
	}
	s.logger.Info("rule upserted", map[string]interface{}{
		"ruleId":  saved.ID,
		"name":    saved.Name,
		"version": saved.Version,
	})
	return saved, nil
}

func (s *Service) ReloadRules(ctx context.Context) (rules.LoadReport, error) {
	report, err := s.rules.Reload(ctx)
	if err != nil {
		return rules.LoadReport{}, apperrors.NewRuleSourceFailedError(s.rules.SourceName(), err)
	}
	return report, nil
}

func (s *Service) DisableRule(ctx context.Context, id int64) error {
	if err := s.rules.Disable(ctx, id); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			return apperrors.NewRuleNotFoundError(id)
		}
		return apperrors.NewRuleSourceFailedError(s.rules.SourceName(), err)
	}
	s.logger.Info("rule disabled", map[string]interface{}{"ruleId": id})
	return nil
}

func (s *Service) CacheStats() models.CacheStats {
	return s.cache.Stats()
}

// Ready reports whether at least one rule snapshot has been loaded.
func (s *Service) Ready() bool {
	return s.rules.Snapshot().Generation > 0
}

func ruleError(rule models.IntentRule, err error) error {
	switch {
	case errors.Is(err, rules.ErrInvalidRule):
		return apperrors.NewInvalidRuleDefinitionError(rule.Name, err.Error())
	case errors.Is(err, rules.ErrRuleNotFound):
		return apperrors.NewRuleNotFoundError(rule.ID)
	case errors.Is(err, rules.ErrSourceFailed):
		return apperrors.NewRuleSourceFailedError("rules", err)
	default:
		return apperrors.NewInternalError(err)
	}
}
