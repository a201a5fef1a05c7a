package entity

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidName       = errors.New("invalid pipeline name")
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrStoreIO           = errors.New("pipeline store i/o error")

	ErrMissingCredentials = errors.New("missing credentials")
	ErrAuth               = errors.New("remote authentication failed")
	ErrRemoteUnavailable  = errors.New("remote unavailable")
	ErrProvider           = errors.New("remote provider error")

	ErrApply            = errors.New("apply failed")
	ErrApplyTimeout     = errors.New("apply timed out")
	ErrTargetNotManaged = errors.New("pipeline resource not declared in infrastructure root")
)

// ProviderError is a non-2xx answer from the remote provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider responded %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps the status code onto the remote error taxonomy.
func (e *ProviderError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrAuth
	case e.StatusCode >= 500:
		return ErrRemoteUnavailable
	default:
		return ErrProvider
	}
}

// ApplyError is a non-zero exit of the provisioning tool. Its message is the
// tool's stderr, unmodified.
type ApplyError struct {
	ExitCode int
	Stderr   string
}

func (e *ApplyError) Error() string {
	return e.Stderr
}

func (e *ApplyError) Unwrap() error {
	return ErrApply
}
