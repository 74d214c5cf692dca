// Package dberrors defines the error taxonomy shared by every engine
// component: a closed set of kinds, each carrying a stable code, a
// human-readable description, structured context, and a preserved cause
// chain.
package dberrors

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds the engine ever returns to
// a caller or surfaces through the event bus.
type Kind string

const (
	ValidationFailed    Kind = "ValidationFailed"
	NotFound            Kind = "NotFound"
	AlreadyExists       Kind = "AlreadyExists"
	UnknownPartition    Kind = "UnknownPartition"
	SchemaVersionMissing Kind = "SchemaVersionMissing"
	DecryptionFailed    Kind = "DecryptionFailed"
	StoreUnavailable    Kind = "StoreUnavailable"
	StoreRejected       Kind = "StoreRejected"
	Cancelled           Kind = "Cancelled"
	HookFailed          Kind = "HookFailed"
	PluginSetupFailed   Kind = "PluginSetupFailed"
	PartitionPointerStale Kind = "PartitionPointerStale"
)

// Error is the single error type returned across package boundaries. It
// is never constructed directly by callers outside this package; use the
// New/Wrap helpers below.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Context     map[string]any
	Cause       error
}

func (e *Error) Error() string {
	if len(e.Context) > 0 {
		return fmt.Sprintf("[%s] %s (context: %v): %v", e.Kind, e.Description, e.Context, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so callers can write errors.Is(err, dberrors.NotFound)
// style checks against a sentinel-free Kind value via KindOf, or compare
// two *Error values directly.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error of the given kind with a description and no cause.
func New(kind Kind, code, description string) *Error {
	return &Error{Kind: kind, Code: code, Description: description, Context: map[string]any{}}
}

// Wrap builds an *Error of the given kind around an existing cause. If err
// is already a *dberrors.Error of the same kind it is returned unchanged
// (no double-wrap), matching the teacher's WrapError convention.
func Wrap(kind Kind, code, description string, cause error) *Error {
	if cause == nil {
		return New(kind, code, description)
	}
	var existing *Error
	if errors.As(cause, &existing) && existing.Kind == kind {
		return existing
	}
	return &Error{Kind: kind, Code: code, Description: description, Context: map[string]any{}, Cause: cause}
}

// WithContext attaches a context key/value pair and returns the receiver
// for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf reports the Kind of err if it is (or wraps) a *dberrors.Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is a *dberrors.Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Convenience constructors for the most frequently raised kinds.

func NewValidationFailed(fieldErrors []FieldError) *Error {
	return New(ValidationFailed, "validation_failed", "one or more schema rules were violated").
		WithContext("fieldErrors", fieldErrors)
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func NewNotFound(resource, id string) *Error {
	return New(NotFound, "not_found", fmt.Sprintf("%s record not found", resource)).
		WithContext("resource", resource).WithContext("id", id)
}

func NewAlreadyExists(resource, id string) *Error {
	return New(AlreadyExists, "already_exists", fmt.Sprintf("%s record already exists", resource)).
		WithContext("resource", resource).WithContext("id", id)
}

func NewUnknownPartition(resource, partition string) *Error {
	return New(UnknownPartition, "unknown_partition", fmt.Sprintf("partition %q is not declared on resource %q", partition, resource)).
		WithContext("resource", resource).WithContext("partition", partition)
}

func NewSchemaVersionMissing(resource, version string) *Error {
	return New(SchemaVersionMissing, "schema_version_missing", fmt.Sprintf("schema version %q is not resolvable on resource %q", version, resource)).
		WithContext("resource", resource).WithContext("version", version)
}

func NewDecryptionFailed(field string, cause error) *Error {
	return Wrap(DecryptionFailed, "decryption_failed", fmt.Sprintf("field %q could not be decrypted", field), cause).
		WithContext("field", field)
}

func NewStoreUnavailable(requestID string, cause error) *Error {
	return Wrap(StoreUnavailable, "store_unavailable", "object store request failed after retries", cause).
		WithContext("requestId", requestID)
}

func NewStoreRejected(requestID string, cause error) *Error {
	return Wrap(StoreRejected, "store_rejected", "object store rejected the request", cause).
		WithContext("requestId", requestID)
}

func NewCancelled(op string) *Error {
	return New(Cancelled, "cancelled", fmt.Sprintf("operation %q was cancelled or deadline exceeded", op)).
		WithContext("op", op)
}

func NewHookFailed(resource, phase string, cause error) *Error {
	return Wrap(HookFailed, "hook_failed", fmt.Sprintf("after-hook for %s/%s failed", resource, phase), cause).
		WithContext("resource", resource).WithContext("phase", phase)
}

func NewPluginSetupFailed(pluginID string, cause error) *Error {
	return Wrap(PluginSetupFailed, "plugin_setup_failed", fmt.Sprintf("plugin %q failed during lifecycle setup", pluginID), cause).
		WithContext("pluginId", pluginID)
}

func NewPartitionPointerStale(resource, recordID, partition string, cause error) *Error {
	return Wrap(PartitionPointerStale, "partition_pointer_stale", fmt.Sprintf("pointer for %s/%s/%s is inconsistent", resource, partition, recordID), cause).
		WithContext("resource", resource).WithContext("recordId", recordID).WithContext("partition", partition)
}
