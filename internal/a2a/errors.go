package a2a

import "fmt"

const (
	CodeMalformed        = "malformed_message"
	CodeSignatureInvalid = "signature_invalid"
	CodeUnknownAgent     = "unknown_agent"
	CodeDeliveryFailure  = "delivery_failure"
	CodeExpired          = "expired"
	CodeClaimLost        = "claim_lost"
)

// Error carries a taxonomy code so callers can branch on failure class without
// string matching. Malformed and signature_invalid are kept distinct: the
// second is an intrusion-detection signal, not a parse bug.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or empty if err is not an *Error.
func CodeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

func IsMalformed(err error) bool        { return CodeOf(err) == CodeMalformed }
func IsSignatureInvalid(err error) bool { return CodeOf(err) == CodeSignatureInvalid }
func IsUnknownAgent(err error) bool     { return CodeOf(err) == CodeUnknownAgent }
