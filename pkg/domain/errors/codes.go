package errors

// Code represents an error code
type Code string

// Error codes used across the batch engine
const (
	CodeUnknown              Code = "UNKNOWN"               // Unknown error occurred
	CodeInternalError        Code = "INTERNAL_ERROR"        // Internal system error
	CodeValidationFailed     Code = "VALIDATION_FAILED"     // Input validation failed
	CodeInvalidParameter     Code = "INVALID_PARAMETER"     // Invalid parameter provided
	CodeNetworkError         Code = "NETWORK_ERROR"         // Network error
	CodeNetworkTimeout       Code = "NETWORK_TIMEOUT"       // Network operation timed out
	CodeIoError              Code = "IO_ERROR"              // Input/output operation failed
	CodeFileNotFound         Code = "FILE_NOT_FOUND"        // File not found
	CodeFileModified         Code = "FILE_MODIFIED"         // File changed since task creation
	CodePermissionDenied     Code = "PERMISSION_DENIED"     // Permission denied
	CodeRateLimited          Code = "RATE_LIMITED"          // Upstream rate limit hit
	CodeQuotaExhausted       Code = "QUOTA_EXHAUSTED"       // Upstream quota exhausted
	CodeAuthError            Code = "AUTH_ERROR"            // Authentication or authorization failed
	CodeUpstreamError        Code = "UPSTREAM_ERROR"        // Upstream service error
	CodeTimeoutError         Code = "TIMEOUT_ERROR"         // Timeout error
	CodeStateCorruption      Code = "STATE_CORRUPTION"      // Persisted state failed integrity check
	CodeConfigurationInvalid Code = "CONFIGURATION_INVALID" // Configuration invalid
	CodeNotFound             Code = "NOT_FOUND"             // Not found
	CodeAlreadyExists        Code = "ALREADY_EXISTS"        // Already exists
	CodeInvalidState         Code = "INVALID_STATE"         // Invalid state
	CodeOperationFailed      Code = "OPERATION_FAILED"      // Operation failed
	CodeTemplateNotFound     Code = "TEMPLATE_NOT_FOUND"    // Prompt template not found
	CodeEmptyResponse        Code = "EMPTY_RESPONSE"        // Upstream returned an empty response
	CodeNoHealthyKey         Code = "NO_HEALTHY_KEY"        // No credential available for work
)
