package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/offgrid/internal/cache"
	"github.com/kalambet/offgrid/internal/lifecycle"
	"github.com/kalambet/offgrid/internal/notify"
	"github.com/kalambet/offgrid/internal/origin"
	"github.com/kalambet/offgrid/internal/resilience"
	"github.com/kalambet/offgrid/internal/storage"
	"github.com/kalambet/offgrid/internal/syncqueue"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps domain errors to an HTTP status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, resilience.ErrUnknownEvent):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, lifecycle.ErrNoInstalling),
		errors.Is(err, lifecycle.ErrIncompleteInstall),
		errors.Is(err, lifecycle.ErrInstallInProgress),
		errors.Is(err, resilience.ErrReplayBusy),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, syncqueue.ErrUnknownKind),
		errors.Is(err, syncqueue.ErrInvalidPayload),
		errors.Is(err, notify.ErrEmptyNotification):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, origin.ErrResponseTooLarge):
		return http.StatusBadGateway, "origin_error"
	case errors.Is(err, cache.ErrResourceUnavailable):
		return http.StatusGatewayTimeout, "offline_error"
	}
	return http.StatusInternalServerError, "api_error"
}

func writeError(w http.ResponseWriter, err error) {
	code, typ := errorStatus(err)
	httpError(w, code, typ, "%v", err)
}
