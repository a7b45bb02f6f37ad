package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"tpserve/internal/config"
	"tpserve/internal/descriptor"
	"tpserve/internal/dispatch"
	"tpserve/internal/planner"
	"tpserve/internal/registry"
	"tpserve/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var pr *planner.PortRangeError
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case planner.IsPlacement(err), planner.IsCapacity(err), errors.As(err, &pr),
		descriptor.IsValidation(err), config.IsRuleError(err), registry.IsTaskMismatch(err):
		return http.StatusBadRequest
	case descriptor.IsNotFound(err):
		return http.StatusNotFound
	case registry.IsActive(err):
		return http.StatusConflict
	case dispatch.IsNotReady(err), errors.Is(err, registry.ErrClosed), errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case dispatch.IsDispatch(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
