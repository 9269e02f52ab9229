package errors

import "maps"

// ErrorCategory represents the broad category of an error for classification and routing.
type ErrorCategory string

const (
	// CategoryConfig represents user-facing configuration and input errors.
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryPlatform   ErrorCategory = "platform"

	// CategoryCompile represents bundler and build output errors.
	CategoryCompile    ErrorCategory = "compile"
	CategoryBundler    ErrorCategory = "bundler"
	CategoryFileSystem ErrorCategory = "filesystem"
	CategoryWatcher    ErrorCategory = "watcher"
	CategoryStorage    ErrorCategory = "storage"

	// CategoryTransport represents HTTP, WebSocket and message broker errors.
	CategoryTransport ErrorCategory = "transport"

	// CategoryClosed represents operations attempted on, or interrupted by, a shut down component.
	CategoryClosed   ErrorCategory = "closed"
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution completely
	SeverityError   ErrorSeverity = "error"   // Fails the current operation
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// RetryStrategy tells callers whether repeating a failed operation can help.
type RetryStrategy string

const (
	RetryNever      RetryStrategy = "never"
	RetryBackoff    RetryStrategy = "backoff" // transient: storage, transport, filesystem, watcher
	RetryUserAction RetryStrategy = "user"    // compile and config errors
)

// ErrorContext provides structured context for errors.
type ErrorContext map[string]any

// Set adds or updates a context value.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	c[key] = value
	return c
}

// Merge combines two contexts, with other taking precedence.
func (c ErrorContext) Merge(other ErrorContext) ErrorContext {
	if c == nil {
		return other
	}
	if other == nil {
		return c
	}
	result := make(ErrorContext, len(c)+len(other))
	maps.Copy(result, c)
	maps.Copy(result, other)
	return result
}
