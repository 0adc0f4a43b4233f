// Package provider defines the capability the engine drives to mutate
// remote resources. The engine treats resource types and property bags as
// opaque; everything provider-specific lives behind this interface, usually
// in a separate plugin binary.
package provider

import (
	"context"
	"encoding/gob"
	"errors"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

type CreateOrUpdateRequest struct {
	Type       string
	Name       string
	APIVersion string
	Location   string
	Properties map[string]any

	// RemoteID is set on updates so the provider can address the existing
	// resource. Empty on creates.
	RemoteID string
}

type CreateOrUpdateResponse struct {
	RemoteID string
	Outputs  map[string]any
}

type DeleteRequest struct {
	Type     string
	RemoteID string
}

type GetRequest struct {
	Type     string
	RemoteID string
}

type GetResponse struct {
	Properties map[string]any
}

type Provider interface {
	CreateOrUpdate(ctx context.Context, req CreateOrUpdateRequest) (CreateOrUpdateResponse, error)
	Delete(ctx context.Context, req DeleteRequest) error
	Get(ctx context.Context, req GetRequest) (GetResponse, error)
}

// Error is a provider failure with a retry classification. Rate limits and
// flaky networks are transient; validation and permission failures are not.
type Error struct {
	Code      string
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}

	return e.Message
}

// NewTransientError reports a failure worth retrying.
func NewTransientError(code, message string) *Error {
	return &Error{Code: code, Message: message, Transient: true}
}

// NewPermanentError reports a failure that retrying cannot fix.
func NewPermanentError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// IsTransient reports whether err should be retried. Errors of unknown
// provenance are treated as permanent: retrying a validation failure wastes
// the attempt budget for nothing.
func IsTransient(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Transient
	}

	return false
}
