package api //nolint:revive // package name is intentional

import (
	"errors"
	"net/http"

	"github.com/blueberrycongee/chatmemory"
	memerrors "github.com/blueberrycongee/chatmemory/pkg/errors"
)

// ErrorResponse is the error envelope of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Error types that are not memory engine errors.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimit      = "rate_limit_error"
	TypeInternal       = "internal_error"
)

// detailFor classifies err for the response body. Unclassified errors are
// reported without their message, which may carry backend details.
func detailFor(err error) (int, ErrorDetail) {
	var memErr *memerrors.MemoryError
	switch {
	case errors.Is(err, chatmemory.ErrSummaryNotFound):
		return http.StatusNotFound, ErrorDetail{Message: err.Error(), Type: TypeNotFound}
	case errors.As(err, &memErr):
		status := http.StatusUnprocessableEntity
		if memErr.Fatal() {
			status = http.StatusInternalServerError
		}
		return status, ErrorDetail{Message: memErr.Error(), Type: memErr.Type}
	default:
		return http.StatusInternalServerError, ErrorDetail{Message: "internal error", Type: TypeInternal}
	}
}
