package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/llm"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error chain onto a status code. Model failures
// surfaced synchronously become 502.
func writeError(w http.ResponseWriter, err error) {
	status := common.HTTPStatus(err)
	body := errorBody{Error: err.Error()}

	var appErr *common.AppError
	if errors.As(err, &appErr) {
		body.Code = appErr.Code
		body.Error = appErr.Message
	}
	if kind, ok := llm.FailureKindOf(err); ok {
		status = http.StatusBadGateway
		body.Kind = string(kind)
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched when allowEmpty.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return common.NewAppError("BAD_BODY", "could not read body", common.ErrInvalidInput)
	}
	if len(b) == 0 {
		if allowEmpty {
			return nil
		}
		return common.NewAppError("BAD_BODY", "request body is required", common.ErrInvalidInput)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return common.NewAppError("BAD_BODY", fmt.Sprintf("invalid JSON: %v", err), common.ErrInvalidInput)
	}
	return nil
}
