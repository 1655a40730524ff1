package models

import (
	"errors"
	"fmt"
)

// Error variables for better error handling and testability
var (
	ErrQuestNotFound    = errors.New("quest not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrSessionCorrupted = errors.New("session corrupted")
	ErrNoSession        = errors.New("no active session")
	ErrInvalidDeadline  = errors.New("invalid deadline")
	ErrDeadlineInPast   = errors.New("deadline is in the past")
	ErrNoProgressScale  = errors.New("quest has no progress scale")
	ErrNotDaily         = errors.New("quest is not a daily quest")
	ErrNotMarkedToday   = errors.New("quest is not marked done today")
)

// ValidationError describes a rejected user input. It wraps ErrInvalidInput.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}
