package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rsinha/tradeloop/internal/models"
)

// APIError represents an error response from the broker HTTP API.
type APIError struct {
	Status    int    `json:"status"`
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("broker api %d (%s): %s", e.Status, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("broker api %d: %s", e.Status, e.Message)
}

// Permanent reports whether the error is a 4xx-semantic rejection that
// retrying cannot fix. 429 is excluded; the rate limiter owns that.
func (e *APIError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// ErrTokenExpired is returned when the broker rejects the session
// token. Unrecoverable without re-authentication; maps to exit code 3.
var ErrTokenExpired = errors.New("broker access token expired or invalid")

// Classify maps a transport or API error onto the engine taxonomy.
func Classify(err error) *models.EngineError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests:
			return models.WrapErr(models.KindRateLimited, err, "broker throttled the request")
		case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
			return models.WrapErr(models.KindTransientBroker, errors.Join(err, ErrTokenExpired), "broker authentication failed")
		case apiErr.Permanent():
			return models.WrapErr(models.KindOrderRejected, err, apiErr.Message)
		default:
			return models.WrapErr(models.KindTransientBroker, err, "broker server error")
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return models.WrapErr(models.KindTransientBroker, err, "broker unreachable")
	}
	return models.WrapErr(models.KindTransientBroker, err, "broker call failed")
}
