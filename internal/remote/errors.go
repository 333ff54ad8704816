package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// Kind classifies a failed server call.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindRejected     Kind = "rejected"
)

// Error is a typed failure returned by a Client.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// ServerVersion and ServerRecord are set on conflicts.
	ServerVersion int
	ServerRecord  json.RawMessage
	Err           error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code maps the failure onto the application error taxonomy.
func (e *Error) Code() apperrors.ErrorCode {
	switch e.Kind {
	case KindUnauthorized, KindForbidden:
		return apperrors.ErrSyncAuthFailed
	case KindConflict:
		return apperrors.ErrSyncConflict
	case KindTransient:
		return apperrors.ErrSyncTransient
	default:
		return apperrors.ErrSyncRejected
	}
}

// DecodeRecord unmarshals the server record attached to a conflict.
func (e *Error) DecodeRecord(v interface{}) error {
	if len(e.ServerRecord) == 0 {
		return errors.New("conflict carries no server record")
	}
	return json.Unmarshal(e.ServerRecord, v)
}

// KindOf classifies err. Errors that are not *Error (network failures, timeouts,
// cancellation) are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// AsError returns err as *Error, wrapping foreign errors as transient failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: KindTransient, Message: transientMessage(err), Err: err}
}

func transientMessage(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.As(err, &netErr):
		return "network unavailable: " + err.Error()
	}
	return err.Error()
}

// KindForStatus maps an HTTP status to a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	}
	return KindRejected
}
