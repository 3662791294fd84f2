package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrOutOfStock      ErrorCode = "OUT_OF_STOCK"
	ErrAlreadyReserved ErrorCode = "ALREADY_RESERVED"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrTryAgain        ErrorCode = "TRY_AGAIN"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrInternalServer  ErrorCode = "INTERNAL_SERVER_ERROR"
)

// APIError is a rejection handed back to the caller of the purchase entry
// point. Business rejections are final; TRY_AGAIN means the outcome of the
// attempt is being reconciled and a later attempt is safe.
type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.WithField("code", code).Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf returns the code of an APIError anywhere in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return "", false
}

// IsBusinessRejection reports whether err is a final rejection that must not
// be retried.
func IsBusinessRejection(err error) bool {
	code, ok := CodeOf(err)
	return ok && (code == ErrOutOfStock || code == ErrAlreadyReserved || code == ErrInvalidInput)
}

func MapErrorToHTTPStatus(err error) int {
	code, ok := CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrOutOfStock, ErrAlreadyReserved:
		return http.StatusConflict
	case ErrInvalidInput:
		return http.StatusBadRequest
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTryAgain:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
