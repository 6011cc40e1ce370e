package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"github.com/shandysiswandi/unimq/internal/pkg/validator"
)

const (
	msgInternal = "Internal server error"
	msgSuccess  = "request has been successfully"
)

type errorBody struct {
	Message string            `json:"message"`
	Error   map[string]string `json:"error,omitempty"`
}

type successBody struct {
	Message string         `json:"message"`
	Data    any            `json:"data"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Responses may implement any of these to shape the envelope.
type (
	statusCoder interface{ StatusCode() int }
	messenger   interface{ Message() string }
	metaCarrier interface{ Meta() map[string]any }
)

// writeError maps err onto a status and envelope. Anything that is not a
// *goerror.Error is reported as a bare 500 so internals never leak.
func writeError(w http.ResponseWriter, err error) {
	var gerr *goerror.Error
	if !errors.As(err, &gerr) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: msgInternal})
		return
	}

	body := errorBody{Message: gerr.Msg(), Error: gerr.Fields()}
	if ve := (validator.V10ValidationError{}); errors.As(err, &ve) {
		body.Error = ve.Values()
	}
	if len(body.Error) == 0 {
		body.Error = nil
	}

	writeJSON(w, gerr.StatusCode(), body)
}

func writeSuccess(w http.ResponseWriter, resp any) {
	status := http.StatusOK
	if sc, ok := resp.(statusCoder); ok {
		status = sc.StatusCode()
	}
	if resp == nil || status == http.StatusNoContent {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body := successBody{Message: msgSuccess, Data: resp}
	if m, ok := resp.(messenger); ok {
		body.Message = m.Message()
	}
	if m, ok := resp.(metaCarrier); ok {
		body.Meta = m.Meta()
	}

	writeJSON(w, status, body)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("router: encode response", "status", status, "error", err)
	}
}
