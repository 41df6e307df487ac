package state

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode categorizes state errors.
type ErrorCode string

const (
	// ErrCodeNotAuthorized indicates the token does not belong to the user.
	ErrCodeNotAuthorized ErrorCode = "NOT_AUTHORIZED"

	// ErrCodeInvalidPatch indicates an empty or malformed patch, or a merged
	// state rejected by the configured schema.
	ErrCodeInvalidPatch ErrorCode = "INVALID_PATCH"

	// ErrCodeNothingToSave indicates a flush with no cached state, no fallback
	// and no earlier statement.
	ErrCodeNothingToSave ErrorCode = "NOTHING_TO_SAVE"

	// ErrCodeUserStateNotFound indicates neither store holds data for the user.
	ErrCodeUserStateNotFound ErrorCode = "USER_STATE_NOT_FOUND"

	// ErrCodeStoreUnavailable indicates a backing store failed or timed out.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Error is the structured failure returned by every state operation.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// UserID identifies the affected user, zero when unknown.
	UserID UserID

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.UserID != 0 {
		msg = fmt.Sprintf("%s (user=%d)", msg, e.UserID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c}) works
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func IsNotAuthorized(err error) bool    { return CodeOf(err) == ErrCodeNotAuthorized }
func IsInvalidPatch(err error) bool     { return CodeOf(err) == ErrCodeInvalidPatch }
func IsNothingToSave(err error) bool    { return CodeOf(err) == ErrCodeNothingToSave }
func IsNotFound(err error) bool         { return CodeOf(err) == ErrCodeUserStateNotFound }
func IsStoreUnavailable(err error) bool { return CodeOf(err) == ErrCodeStoreUnavailable }

// NewNotAuthorized creates an Error for a token/user mismatch.
func NewNotAuthorized(id UserID, reason string) *Error {
	return &Error{Code: ErrCodeNotAuthorized, Message: reason, UserID: id}
}

// NewInvalidPatch creates an Error for a patch that cannot be merged.
func NewInvalidPatch(id UserID, err error) *Error {
	return &Error{Code: ErrCodeInvalidPatch, Message: "invalid patch", UserID: id, Err: err}
}

// NewNothingToSave creates an Error for a flush with nothing to persist.
func NewNothingToSave(id UserID) *Error {
	return &Error{
		Code:    ErrCodeNothingToSave,
		Message: "no realtime state and no earlier statement; provide json_data for first-time save",
		UserID:  id,
	}
}

// NewNotFound creates an Error for a read with no data in either store.
func NewNotFound(id UserID) *Error {
	return &Error{Code: ErrCodeUserStateNotFound, Message: "no state found for user", UserID: id}
}

// NewStoreUnavailable wraps a store failure. A nil err returns nil, and an err
// that already carries a code is returned unchanged so codes are never
// rewritten on the way up.
func NewStoreUnavailable(id UserID, op string, err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	msg := op
	if errors.Is(err, context.DeadlineExceeded) {
		msg = op + " timed out"
	}
	return &Error{Code: ErrCodeStoreUnavailable, Message: msg, UserID: id, Err: err}
}
