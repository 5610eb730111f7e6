// Package spaxerr defines the error kinds the core emits and their mapping
// to HTTP status codes, per the error handling design.
package spaxerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for logging and HTTP status mapping.
type Kind string

const (
	KindInvalidDICOM        Kind = "invalid-dicom"
	KindStorageUnavailable  Kind = "storage-unavailable"
	KindNoWriteVolume       Kind = "no-write-volume"
	KindDiskLow             Kind = "disk-low"
	KindTenantNotFound      Kind = "tenant-not-found"
	KindConflict            Kind = "conflict"
	KindFrameOutOfRange     Kind = "frame-out-of-range"
	KindBadFrameList        Kind = "bad-frame-list"
	KindNotFound            Kind = "not-found"
	KindUnknownVolume       Kind = "unknown-volume"
	KindSecurity            Kind = "security"
	KindInvalidArgument     Kind = "invalid-argument"
)

// Error is a kinded error that carries an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a kinded error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a kinded error that preserves cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" if err does not carry one.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps a Kind to the status code spec.md §7 prescribes.
func HTTPStatus(k Kind) int {
	switch k {
	case KindTenantNotFound, KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindFrameOutOfRange, KindBadFrameList, KindInvalidArgument:
		return http.StatusBadRequest
	case KindDiskLow:
		return http.StatusInsufficientStorage
	case KindNoWriteVolume, KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindSecurity:
		return http.StatusForbidden
	case KindInvalidDICOM:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// StatusFor maps any error to an HTTP status code, defaulting to 500 for
// errors that do not carry a Kind.
func StatusFor(err error) int {
	if e, ok := As(err); ok {
		return HTTPStatus(e.Kind)
	}
	return http.StatusInternalServerError
}
