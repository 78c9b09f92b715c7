// Package errs implements the error taxonomy of §7: one exported
// sentinel per category, classification errors wrap so callers can
// `errors.Is` against them, and Aggregate collects parallel step
// failures into a single error without losing diagnostics.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels callers match against with errors.Is. Concrete errors below
// wrap one of these; code that only cares about the category should
// match the sentinel, code that wants the detail should use errors.As
// on the concrete type.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRegistryUnauthorized = errors.New("registry unauthorized")
	ErrRegistryTransport    = errors.New("registry transport error")
	ErrRegistryError        = errors.New("registry returned an error document")
	ErrUnsupportedPlatform  = errors.New("no manifest matches the requested platform")
	ErrCacheCorrupted       = errors.New("cache invariant violated")
	ErrLayerConflict        = errors.New("duplicate layer digest with different content")
	ErrCancelled            = errors.New("cancelled")
)

// ConfigurationError wraps ErrInvalidConfiguration with the offending
// field (§7 InvalidConfiguration: malformed reference, missing required
// field, negative timeout).
type ConfigurationError struct {
	Field   string
	Problem string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Problem)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfiguration }

// AuthenticationError wraps ErrAuthenticationFailed, recording which
// credential retrievers were tried for a host so the failure is
// actionable.
type AuthenticationError struct {
	Host       string
	Retrievers []string
	Cause      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s (tried: %s): %v", e.Host, strings.Join(e.Retrievers, ", "), e.Cause)
}

func (e *AuthenticationError) Unwrap() error { return ErrAuthenticationFailed }

// RegistryUnauthorizedError wraps ErrRegistryUnauthorized: credentials
// were presented and rejected, distinct from never having any.
type RegistryUnauthorizedError struct {
	Host   string
	Repo   string
	Status int
}

func (e *RegistryUnauthorizedError) Error() string {
	return fmt.Sprintf("registry %s/%s returned %d (unauthorized)", e.Host, e.Repo, e.Status)
}

func (e *RegistryUnauthorizedError) Unwrap() error { return ErrRegistryUnauthorized }

// RegistryTransportError wraps ErrRegistryTransport: surfaced only once
// the retry policy in the registry client has exhausted its attempts.
type RegistryTransportError struct {
	Op      string
	Host    string
	Cause   error
	Retries int
}

func (e *RegistryTransportError) Error() string {
	return fmt.Sprintf("%s %s: transport error after %d retries: %v", e.Op, e.Host, e.Retries, e.Cause)
}

func (e *RegistryTransportError) Unwrap() error { return ErrRegistryTransport }

// RegistryErrorDocument wraps ErrRegistryError with the registry's own
// error codes, as returned in the body of a non-2xx response (the
// distribution spec's { "errors": [...] } shape).
type RegistryErrorDocument struct {
	Host    string
	Status  int
	Codes   []string
	Message string
}

func (e *RegistryErrorDocument) Error() string {
	return fmt.Sprintf("registry %s responded %d: %s (%s)", e.Host, e.Status, e.Message, strings.Join(e.Codes, ","))
}

func (e *RegistryErrorDocument) Unwrap() error { return ErrRegistryError }

// UnsupportedPlatformError wraps ErrUnsupportedPlatform: a manifest
// list/index had no child matching the requested (os, architecture).
type UnsupportedPlatformError struct {
	Wanted    string
	Available []string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("no manifest for platform %s (available: %s)", e.Wanted, strings.Join(e.Available, ", "))
}

func (e *UnsupportedPlatformError) Unwrap() error { return ErrUnsupportedPlatform }

// CacheCorruptedError wraps ErrCacheCorrupted, and Cause ahead of it when
// Cause is set: an on-disk invariant was
// violated, e.g. a digest mismatch on read. Recoverable by deleting the
// offending entry; the cache does not do so automatically.
type CacheCorruptedError struct {
	Path  string
	Cause error
}

func (e *CacheCorruptedError) Error() string {
	return fmt.Sprintf("cache entry %s: %v", e.Path, e.Cause)
}

func (e *CacheCorruptedError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Cause, ErrCacheCorrupted}
	}
	return []error{ErrCacheCorrupted}
}

// LayerConflictError wraps ErrLayerConflict: the same layer digest was
// about to be published with different bytes than the entry already on
// disk. Should not occur; its existence indicates an upstream digest
// collision or a corrupted cache.
type LayerConflictError struct {
	Digest string
}

func (e *LayerConflictError) Error() string {
	return fmt.Sprintf("layer %s already cached with different content", e.Digest)
}

func (e *LayerConflictError) Unwrap() error { return ErrLayerConflict }

// Aggregate implements §7's build()-level propagation: the first
// failure is returned verbatim (so errors.Is/As against it still
// works), with every later failure attached as a suppressed cause
// rather than discarded.
type Aggregate struct {
	First      error
	Suppressed []error
}

// Add records err, becoming the returned First if none is set yet,
// otherwise appending to Suppressed. Add is not safe for concurrent
// use; callers collect under their own mutex or via a channel.
func (a *Aggregate) Add(err error) {
	if err == nil {
		return
	}
	if a.First == nil {
		a.First = err
		return
	}
	a.Suppressed = append(a.Suppressed, err)
}

// Err returns nil if nothing was added, otherwise an error whose
// message includes the suppressed count and whose Unwrap/Is chain
// follows First.
func (a *Aggregate) Err() error {
	if a.First == nil {
		return nil
	}
	if len(a.Suppressed) == 0 {
		return a.First
	}
	return &aggregateError{first: a.First, suppressed: a.Suppressed}
}

type aggregateError struct {
	first      error
	suppressed []error
}

func (e *aggregateError) Error() string {
	return fmt.Sprintf("%v (and %d other error(s))", e.first, len(e.suppressed))
}

func (e *aggregateError) Unwrap() error { return e.first }

// Causes returns the suppressed errors, for diagnostics that want to
// print all of them rather than just the first.
func (e *aggregateError) Causes() []error { return e.suppressed }
