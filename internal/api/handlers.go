package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "qms-assistant/internal/common/errors"
	"qms-assistant/internal/common/validation"
	"qms-assistant/internal/engine/rules"
	"qms-assistant/internal/models"
)

const (
	maxBodyBytes     = 1 << 20
	readinessTimeout = 2 * time.Second
)

type rulesResponse struct {
	Rules    []models.IntentRule `json:"rules"`
	Rejected []rules.Rejection   `json:"rejected"`
}

type disableResponse struct {
	RuleID int64             `json:"ruleId"`
	Status models.RuleStatus `json:"status"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.cfg.ReadinessChecks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", map[string]interface{}{"dependencies": failed})
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// query handles POST /api/v1/query.
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	body, err := readValidated(r, validation.SchemaQueryRequest)
	if err != nil {
		writeError(w, err)
		return
	}

	var req models.QueryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperrors.NewInvalidRequestError(err.Error()))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, apperrors.NewInvalidRequestError("question must not be blank"))
		return
	}

	resp, err := s.svc.Ask(r.Context(), req.Question)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CacheStats())
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	out := rulesResponse{Rules: s.svc.ListRules(), Rejected: s.svc.Rejected()}
	if out.Rules == nil {
		out.Rules = []models.IntentRule{}
	}
	if out.Rejected == nil {
		out.Rejected = []rules.Rejection{}
	}
	writeJSON(w, http.StatusOK, out)
}

// upsertRule handles PUT /api/v1/rules. A body without id creates a rule.
func (s *Server) upsertRule(w http.ResponseWriter, r *http.Request) {
	body, err := readValidated(r, validation.SchemaIntentRule)
	if err != nil {
		writeError(w, err)
		return
	}

	var rule models.IntentRule
	if err := json.Unmarshal(body, &rule); err != nil {
		writeError(w, apperrors.NewInvalidRequestError(err.Error()))
		return
	}

	saved, err := s.svc.UpsertRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) reloadRules(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.ReloadRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) disableRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, apperrors.NewInvalidRequestError("rule id must be a positive integer"))
		return
	}
	if err := s.svc.DisableRule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disableResponse{RuleID: id, Status: models.RuleStatusDisabled})
}

// readValidated reads the request body and checks it against schema.
func readValidated(r *http.Request, schema string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("read body: %v", err))
	}
	if len(body) > maxBodyBytes {
		return nil, apperrors.NewInvalidRequestError("request body too large")
	}
	if !json.Valid(body) {
		return nil, apperrors.NewInvalidRequestError("request body is not valid JSON")
	}

	result, err := validation.ValidateJSON(schema, body)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if !result.Valid {
		return nil, apperrors.NewInvalidRequestError(strings.Join(result.GetErrorMessages(), "; "))
	}
	return body, nil
}
