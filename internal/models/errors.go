package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPortfolioNotFound    = errors.New("portfolio not found")
	ErrSecurityNotFound     = errors.New("security not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrStagedRowNotFound    = errors.New("staged row not found")
	ErrRowClaimed           = errors.New("staged row is already being committed")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrVersionConflict      = errors.New("version conflict")
	ErrTransactionFinal     = errors.New("transaction is not pending")
	ErrDuplicateISIN        = errors.New("an active security with this ISIN already exists")
)

// ValidationError reports missing or malformed fields on data entering the engine.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s (%s)", e.Reason, strings.Join(e.Fields, ", "))
}

func NewValidationError(reason string, fields ...string) *ValidationError {
	return &ValidationError{Fields: fields, Reason: reason}
}

// ParseError is a per-row failure to read a numeric, date or side field.
type ParseError struct {
	Row   int
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("row %d: cannot parse %s %q: %v", e.Row, e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
