package api

import (
	"encoding/json"
	"net/http"

	apperrors "qms-assistant/internal/common/errors"
)

type errorResponse struct {
	Error *apperrors.StandardError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	stdErr := apperrors.AsStandardError(err)
	writeJSON(w, apperrors.HTTPStatus(stdErr.Code), errorResponse{Error: stdErr})
}
