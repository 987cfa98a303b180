package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidConfiguration ErrorCode = 100

	// Transport errors (200-299)
	ErrCodeTransportDialFailed  ErrorCode = 200
	ErrCodeTransportWriteFailed ErrorCode = 201
	ErrCodeTransportClosed      ErrorCode = 202
	ErrCodeHeartbeatTimeout     ErrorCode = 203

	// Decode errors (300-399)
	ErrCodeDecodeFailed   ErrorCode = 300
	ErrCodeMalformedFrame ErrorCode = 301

	// Subscription errors (400-499)
	ErrCodeUpstreamRejection ErrorCode = 400

	// Connection lifecycle errors (500-599)
	ErrCodeRetriesExhausted ErrorCode = 500
)
