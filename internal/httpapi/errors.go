package httpapi

import (
	"errors"
	"net/http"

	"tollgate.org/internal/audit"
	"tollgate.org/internal/auth"
	"tollgate.org/internal/obs"
	"tollgate.org/internal/query"
	"tollgate.org/internal/ratelimit"
	"tollgate.org/internal/rbac"
)

// statusFor maps a domain error onto an HTTP status and public message.
// Authentication failures get fixed messages so they never reveal which
// credential was wrong.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, rbac.ErrBadRequest), errors.Is(err, query.ErrBadRequest),
		errors.Is(err, rbac.ErrInvalidReference):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, rbac.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, rbac.ErrNameConflict), errors.Is(err, rbac.ErrLoginConflict),
		errors.Is(err, rbac.ErrHasDependents), errors.Is(err, rbac.ErrOwnerConstraint):
		return http.StatusConflict, err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "token expired"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid token"
	case errors.Is(err, auth.ErrAccountDisabled):
		return http.StatusForbidden, "account disabled"
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate limit exceeded"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		obs.Logger().WithError(err).
			WithField("request_id", audit.RequestIDFromContext(r.Context())).
			WithField("path", r.URL.Path).
			Error("request_failed")
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tollgate"`)
	}
	writeError(w, r, code, msg)
}
