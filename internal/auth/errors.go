package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotFound               = errors.New("not found")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAccessDenied           = errors.New("access denied")
	ErrConflict               = errors.New("resource conflict")
	ErrInternal               = errors.New("internal error")

	// ErrCacheMiss is returned by SessionCache implementations when no bundle is cached.
	ErrCacheMiss = errors.New("session cache miss")
)

var (
	// ErrInvalidToken indicates that neither cache nor store know the presented token.
	ErrInvalidToken = fmt.Errorf("%w: token not recognized", ErrAuthenticationRequired)
	// ErrFingerprintMismatch indicates the token was presented from a different client.
	ErrFingerprintMismatch = fmt.Errorf("%w: fingerprint mismatch", ErrAuthenticationRequired)
)

// ValidationError carries per-field messages for form-style requests.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// validation accumulates field errors; err returns nil when nothing was added.
type validation map[string]string

func (v validation) check(field string, err error) {
	if err != nil {
		if _, exists := v[field]; !exists {
			v[field] = err.Error()
		}
	}
}

func (v validation) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Fields: map[string]string(v)}
}
