// Package kernelerr defines the kernel's closed error-kind set
// (spec §7). The registry's plugin-callback failures, the
// self-extension registrar, and the plugin manager's unknown-plugin
// case return these types, so callers can classify those failures
// without parsing messages; most other kernel paths (config, storage,
// capabilities, evolution) return plain wrapped errors.
//
// Grounded on internal/event-hooks/errors.go's sentinel-plus-typed-struct
// shape.
package kernelerr

import (
	"errors"
	"fmt"
)

// PermissionDeniedError is an authorization failure. Never panics the
// kernel; surfaced to callers as a 4xx-equivalent.
type PermissionDeniedError struct {
	Permission string
	Actor      string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s requires %s", e.Actor, e.Permission)
}

// PluginError records a plugin callback failure (error return, panic,
// or timeout). Always contained by the dispatcher; never propagated to
// other plugins.
type PluginError struct {
	PluginID string
	Message  string
	Err      error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s", e.PluginID, e.Message)
}

func (e *PluginError) Unwrap() error { return e.Err }

// NetworkError wraps a failure from the network capability layer.
type NetworkError struct {
	Host string
	Err  error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error (%s): %v", e.Host, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError marks any bounded operation (plugin callback, tool
// execution, storage op) that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s", e.Operation) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// ConfigError marks a rejected configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// ValidationError marks a rejected admission-time or API-boundary
// value (manifest, evolution parameters, event payload).
type ValidationError struct {
	Field   string
	Message string
	Value   any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q: %s (value: %v)", e.Field, e.Message, e.Value)
}

// NotFoundError covers PluginNotFound / AgentNotFound from spec §7.
type NotFoundError struct {
	Kind string // "plugin" | "agent" | "generation" | ...
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// InternalError is the catch-all for unexpected failures. Full detail
// is logged with context; only a generic message crosses the process
// boundary (spec §7's "never leaves the process" rule).
type InternalError struct {
	Context string
	Err     error
}

func (e *InternalError) Error() string { return "internal error" }
func (e *InternalError) Unwrap() error { return e.Err }

// LogDetail returns the full diagnostic string for logging only —
// never for a response body.
func (e *InternalError) LogDetail() string {
	return fmt.Sprintf("internal error in %s: %v", e.Context, e.Err)
}

// IsRetryable classifies an error as worth retrying: timeouts and
// network errors are, permission and validation failures are not, and
// anything else is. No kernel package calls it.
func IsRetryable(err error) bool {
	var to *TimeoutError
	if errors.As(err, &to) {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var pd *PermissionDeniedError
	if errors.As(err, &pd) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return true
}
