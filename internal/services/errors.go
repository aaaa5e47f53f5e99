package services

import (
	"errors"
	"fmt"
)

// RejectionCode identifies why an upload operation was refused. Codes are
// stable identifiers for the web layer to map onto user-facing messages;
// they are not HTTP status codes.
type RejectionCode string

const (
	// Validation rejections (client-fixable, session state unchanged)
	RejectUnsupportedExtension RejectionCode = "UNSUPPORTED_EXTENSION"
	RejectFileTooLarge         RejectionCode = "FILE_TOO_LARGE"
	RejectTotalSizeExceeded    RejectionCode = "TOTAL_SIZE_EXCEEDED"
	RejectTooManyFiles         RejectionCode = "TOO_MANY_FILES"
	RejectDuplicateName        RejectionCode = "DUPLICATE_NAME"
	RejectEmptyFile            RejectionCode = "EMPTY_FILE"

	// Security rejection (audit-logged distinctly)
	RejectMalwareDetected RejectionCode = "MALWARE_DETECTED"

	// Availability failure (fail closed: scanner down means reject)
	RejectScanUnavailable RejectionCode = "SCAN_UNAVAILABLE"

	// State errors (stale or terminal token)
	RejectSessionNotFound  RejectionCode = "SESSION_NOT_FOUND"
	RejectSessionNotActive RejectionCode = "SESSION_NOT_ACTIVE"
	RejectFileNotFound     RejectionCode = "FILE_NOT_FOUND"
	RejectNoFiles          RejectionCode = "NO_FILES"
)

// RejectionError is returned by upload session operations when the request
// was refused for a well-defined reason rather than failing internally.
type RejectionError struct {
	Code    RejectionCode
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code RejectionCode, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RejectionCodeOf extracts the rejection code from err, or "" if err is not
// a rejection (i.e. an internal failure).
func RejectionCodeOf(err error) RejectionCode {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsRejection reports whether err carries the given rejection code
func IsRejection(err error, code RejectionCode) bool {
	return RejectionCodeOf(err) == code
}
