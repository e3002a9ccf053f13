package errs

import "net/http"

const (
	ServerInternalError = 500

	ArgsError           = 1001
	NoPermissionError   = 1002
	RecordNotFoundError = 1004

	UnauthenticatedError = 1501
	TokenInvalidError    = 1502
	TokenExpiredError    = 1503

	PersistenceError  = 1601
	RateLimitedError  = 1602
	BadFrameError     = 1603
	UnknownEventError = 1604
)

var (
	ErrInternalServer  = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrArgs            = NewCodeError(ArgsError, "ArgsError")
	ErrNoPermission    = NewCodeError(NoPermissionError, "NoPermissionError")
	ErrRecordNotFound  = NewCodeError(RecordNotFoundError, "RecordNotFoundError")
	ErrUnauthenticated = NewCodeError(UnauthenticatedError, "UnauthenticatedError")
	ErrTokenInvalid    = NewCodeError(TokenInvalidError, "TokenInvalidError")
	ErrTokenExpired    = NewCodeError(TokenExpiredError, "TokenExpiredError")
	ErrPersistence     = NewCodeError(PersistenceError, "PersistenceError")
	ErrRateLimited     = NewCodeError(RateLimitedError, "RateLimitedError")
	ErrBadFrame        = NewCodeError(BadFrameError, "BadFrameError")
	ErrUnknownEvent    = NewCodeError(UnknownEventError, "UnknownEventError")
)

var reasons = map[int]string{
	ServerInternalError:  "internal",
	ArgsError:            "bad_request",
	NoPermissionError:    "forbidden",
	RecordNotFoundError:  "not_found",
	UnauthenticatedError: "unauthenticated",
	TokenInvalidError:    "token_invalid",
	TokenExpiredError:    "token_expired",
	PersistenceError:     "persistence_failed",
	RateLimitedError:     "rate_limited",
	BadFrameError:        "bad_frame",
	UnknownEventError:    "unknown_event",
}

func init() {
	// a rejected or expired token is still an authentication failure
	_ = DefaultCodeRelation.Add(UnauthenticatedError, TokenInvalidError)
	_ = DefaultCodeRelation.Add(UnauthenticatedError, TokenExpiredError)
}

func reasonOf(code int) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "internal"
}

// HTTPStatus maps a code onto the REST status used by the gin handlers.
func HTTPStatus(code int) int {
	switch {
	case DefaultCodeRelation.Is(UnauthenticatedError, code):
		return http.StatusUnauthorized
	case code == NoPermissionError:
		return http.StatusForbidden
	case code == RecordNotFoundError:
		return http.StatusNotFound
	case code == ArgsError, code == BadFrameError, code == UnknownEventError:
		return http.StatusBadRequest
	case code == RateLimitedError:
		return http.StatusTooManyRequests
	case code == PersistenceError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
