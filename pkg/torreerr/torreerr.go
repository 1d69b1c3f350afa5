// Package torreerr centralizes the error taxonomy carried in
// StatusHistory rows and surfaced to callers on stage failure.
package torreerr

import (
	"errors"
	"fmt"
)

// Code is one of the error codes of the taxonomy. Codes are stored as
// plain strings in StatusHistory.ErrorMessage-adjacent metadata so
// they survive process restarts and provider round-trips unchanged.
type Code string

const (
	// Validation
	InvalidInfoHash       Code = "InvalidInfoHash"
	InvalidFileName       Code = "InvalidFileName"
	InvalidFileSize       Code = "InvalidFileSize"
	V2OnlyNotSupported    Code = "V2OnlyNotSupported"
	InvalidS3Config       Code = "InvalidS3Config"
	InvalidCredentialsJSON Code = "InvalidCredentialsJson"
	MissingRequiredFields Code = "MissingRequiredFields"
	InvalidProfile        Code = "InvalidProfile"

	// Authorization
	Unauthorized       Code = "Unauthorized"
	AccessDenied       Code = "AccessDenied"
	InvalidCredentials Code = "InvalidCredentials"

	// Not found
	JobNotFound     Code = "JobNotFound"
	UserNotFound    Code = "UserNotFound"
	ProfileNotFound Code = "ProfileNotFound"
	FileNotFound    Code = "FileNotFound"
	BucketNotFound  Code = "BucketNotFound"
	TorrentNotFound Code = "TorrentNotFound"

	// Conflict
	JobAlreadyExists   Code = "JobAlreadyExists"
	AlreadyDisconnected Code = "AlreadyDisconnected"
	JobNotCancellable  Code = "JobNotCancellable"
	JobActive          Code = "JobActive"
	JobRetrying        Code = "JobRetrying"
	JobCompleted       Code = "JobCompleted"
	JobCancelled       Code = "JobCancelled"
	ProfileInUse       Code = "ProfileInUse"

	// Resource state
	InactiveProfile Code = "InactiveProfile"
	NoCredentials   Code = "NoCredentials"
	NoRefreshToken  Code = "NoRefreshToken"

	// Provider / transport
	S3Error             Code = "S3Error"
	BucketAccessDenied  Code = "BucketAccessDenied"
	TokenExchangeFailed Code = "TokenExchangeFailed"
	RefreshFailed       Code = "RefreshFailed"
	UploadPartFailed    Code = "UploadPartFailed"
	CompleteUploadFailed Code = "CompleteUploadFailed"
	InitUploadFailed    Code = "InitUploadFailed"
	ListPartsFailed     Code = "ListPartsFailed"
	ReadError           Code = "ReadError"

	// Illegal status transition, raised by pkg/statusengine.
	IllegalTransition Code = "IllegalTransition"
)

// retryable holds the codes that should route through a *_RETRY
// transition rather than a terminal one. Anything not listed here is
// treated as terminal by stage code that classifies an error.
var retryable = map[Code]bool{
	TokenExchangeFailed:  true,
	RefreshFailed:        true,
	UploadPartFailed:     true,
	InitUploadFailed:     true,
	ListPartsFailed:      true,
	ReadError:            true,
	S3Error:              true,
	CompleteUploadFailed: true,
}

// Error is the concrete error type carried through the core. It wraps
// an optional cause so errors.Is/errors.As keep working against the
// underlying transport error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the error's code should be routed through
// a *_RETRY transition (with re-raise for runtime attempt bookkeeping)
// instead of an immediate terminal transition.
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

// New builds a torreerr.Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a torreerr.Error around an existing error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}
