package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quickbet/settlement/internal/model"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statuses = []struct {
	err    error
	status int
}{
	{model.ErrUnsupportedAsset, http.StatusBadRequest},
	{model.ErrInvalidDirection, http.StatusBadRequest},
	{model.ErrZeroAmount, http.StatusBadRequest},
	{model.ErrInvalidDuration, http.StatusBadRequest},
	{model.ErrInsufficientBalance, http.StatusBadRequest},
	{model.ErrOverflow, http.StatusBadRequest},
	{model.ErrInvalidSignaturePayload, http.StatusBadRequest},
	{model.ErrUnknownResource, http.StatusBadRequest},

	{model.ErrOwnerMismatch, http.StatusForbidden},
	{model.ErrNotInitialized, http.StatusNotFound},

	{model.ErrAlreadyResolved, http.StatusConflict},
	{model.ErrNotYetExpired, http.StatusConflict},
	{model.ErrNotDelegated, http.StatusConflict},
	{model.ErrUseDelegatedPath, http.StatusConflict},
	{model.ErrUseDirectPath, http.StatusConflict},

	{model.ErrStalePrice, http.StatusServiceUnavailable},
	{model.ErrFeedMismatch, http.StatusServiceUnavailable},
	{model.ErrNegativePrice, http.StatusServiceUnavailable},
	{model.ErrTransfer, http.StatusServiceUnavailable},
}

// StatusFor maps an operation error to its HTTP status.
func StatusFor(err error) int {
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

// writeErr reports an operation failure. Internal errors are logged and
// their detail withheld from the client.
func writeErr(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := StatusFor(err)
	code := model.ErrorCode(err)
	if status == http.StatusInternalServerError {
		slog.Error("operation failed", "op", op, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", code, status)
		return
	}
	writeError(w, err.Error(), code, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
