package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/carlmjohnson/requests"
)

// ErrorKind classifies failures of remote calls so the orchestrator can decide
// between retrying, soft-recording and aborting the run.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuth
	KindRemoteUnavailable
	KindMalformedResponse
	KindDuplicateRecord
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindRemoteUnavailable:
		return "RemoteUnavailable"
	case KindMalformedResponse:
		return "MalformedResponse"
	case KindDuplicateRecord:
		return "DuplicateRecord"
	default:
		return "Unknown"
	}
}

var (
	ErrAuth              = errors.New("credential rejected")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrMalformedResponse = errors.New("malformed response")
	ErrDuplicateRecord   = errors.New("duplicate record in run")
	ErrShutdown          = errors.New("shutdown requested")
)

// System names a remote system.
type System string

const (
	Ripple System = "ripple"
	REDCap System = "redcap"
)

// RemoteError is returned by the adapters for every failed call.
type RemoteError struct {
	System System
	Op     string
	Kind   ErrorKind
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.System, e.Op, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrRemoteUnavailable:
		return e.Kind == KindRemoteUnavailable
	case ErrMalformedResponse:
		return e.Kind == KindMalformedResponse
	}
	return false
}

// KindOf returns the ErrorKind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Kind
	}
	if errors.Is(err, ErrDuplicateRecord) {
		return KindDuplicateRecord
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRemoteUnavailable
	}
	return KindUnknown
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRemoteUnavailable
}

func malformed(system System, op string, err error) *RemoteError {
	return &RemoteError{System: system, Op: op, Kind: KindMalformedResponse, Err: err}
}

// classifyHTTPError maps a requests error onto the taxonomy.
// 401/403 are credential failures, other 4xx mean the request or the contract is wrong,
// everything else (5xx, timeouts, refused connections) is treated as unavailability.
func classifyHTTPError(system System, op string, err error) error {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return err
	}
	kind := KindRemoteUnavailable
	switch {
	case requests.HasStatusErr(err, http.StatusUnauthorized, http.StatusForbidden):
		kind = KindAuth
	case requests.HasStatusErr(err, http.StatusRequestTimeout, http.StatusTooManyRequests):
		kind = KindRemoteUnavailable
	case hasClientStatusErr(err):
		kind = KindMalformedResponse
	}
	return &RemoteError{System: system, Op: op, Kind: kind, Err: err}
}

// payloadStatusCodes are the 4xx responses that mean the request or the contract is wrong.
var payloadStatusCodes = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusMethodNotAllowed,
	http.StatusConflict,
	http.StatusGone,
	http.StatusPreconditionFailed,
	http.StatusRequestEntityTooLarge,
	http.StatusUnsupportedMediaType,
	http.StatusUnprocessableEntity,
}

func hasClientStatusErr(err error) bool {
	return requests.HasStatusErr(err, payloadStatusCodes...)
}
