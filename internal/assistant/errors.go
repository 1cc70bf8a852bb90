package assistant

import (
	"errors"
	"time"

	apperrors "qms-assistant/internal/common/errors"
	"qms-assistant/internal/engine/executor"
	"qms-assistant/internal/models"
)

func toStandardError(rule models.IntentRule, timeout time.Duration, err error) *apperrors.StandardError {
	var paramErr *executor.ParamError
	switch {
	case errors.Is(err, executor.ErrMissingParameter) && errors.As(err, &paramErr):
		return apperrors.NewMissingParameterError(paramErr.Param)
	case errors.Is(err, executor.ErrInvalidParameter) && errors.As(err, &paramErr):
		return apperrors.NewInvalidParameterError(paramErr.Param, paramErr.Reason)
	case errors.Is(err, executor.ErrQueryTimeout):
		return apperrors.NewQueryTimeoutError(rule.Name, timeout)
	case errors.Is(err, executor.ErrQueryFailed):
		return apperrors.NewQueryExecutionFailedError(rule.Name, err)
	default:
		return apperrors.AsStandardError(err)
	}
}
