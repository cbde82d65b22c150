package upstream

import "fmt"

// ErrorKind is the behavior class of an upstream failure. It decides retry
// policy and how the enclosing job surfaces the error.
type ErrorKind string

const (
	// KindRateLimit is retryable with backoff; the upstream asked us to slow down.
	KindRateLimit ErrorKind = "rate_limit"
	// KindAuth is fatal for the whole job; retrying cannot help.
	KindAuth ErrorKind = "auth"
	// KindMalformed is fatal for the request; the payload cannot be trusted.
	KindMalformed ErrorKind = "malformed_response"
	// KindTransient covers network failures and 5xx; retryable with backoff.
	KindTransient ErrorKind = "transient"
)

// APIError is a classified upstream failure.
type APIError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	HTTPStatus int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %s error [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %s error: %s", e.Kind, e.Message)
}

// Retryable reports whether the client's bounded backoff applies.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

// classify maps upstream status codes and body error codes onto an ErrorKind.
// DH-904 and 805 are the upstream's throttle codes; DH-901/DH-808/DH-809 are
// credential failures.
func classify(httpStatus int, errorCode, message string) *APIError {
	kind := KindTransient
	switch errorCode {
	case "DH-904", "805":
		kind = KindRateLimit
	case "DH-901", "DH-808", "DH-809":
		kind = KindAuth
	default:
		switch {
		case httpStatus == 429:
			kind = KindRateLimit
		case httpStatus == 401 || httpStatus == 403:
			kind = KindAuth
		case httpStatus >= 500:
			kind = KindTransient
		case httpStatus >= 400:
			kind = KindMalformed
		}
	}
	return &APIError{Kind: kind, Code: errorCode, Message: message, HTTPStatus: httpStatus}
}
