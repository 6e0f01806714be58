package usecase

import (
	"errors"
	"net/http"
)

// Error codes surfaced to API callers.
const (
	CodeNormalizationFailed = "NORMALIZATION_FAILED"
	// CodeExternalFailed is the EXTERNAL_OPERATION_FAILED exit of the ingestion
	// flow; the wire value names the CRM the service talks to.
	CodeExternalFailed = "ZOHO_OPERATION_FAILED"
	CodeUnsynchronized = "LOCAL_AND_EXTERNAL_UNSYNCHRONIZED"
	// CodeCancelled marks batch items never attempted because the request ended.
	CodeCancelled = "REQUEST_CANCELLED"
)

var (
	// ErrUnsynchronized means neither store holds the intended change.
	ErrUnsynchronized  = errors.New("external write failed and local write failed")
	ErrSweepInProgress = errors.New("pending sync sweep already running")

	// ErrSeedWithoutContact refuses a local record with neither email nor phone.
	ErrSeedWithoutContact = errors.New("local record needs an email or phone")
)

// DomainError is a problem with the caller's input.
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	return e.Message
}

func (e *DomainError) Unwrap() error { return e.Err }

func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// TechnicalError is a failure of a collaborator; the caller may retry later.
type TechnicalError struct {
	Code    string
	Message string
	Err     error
}

func (e *TechnicalError) Error() string {
	return e.Message
}

func (e *TechnicalError) Unwrap() error { return e.Err }

func IsTechnicalError(err error) bool {
	var te *TechnicalError
	return errors.As(err, &te)
}

// ErrorCode returns the code of a DomainError or TechnicalError, or "".
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	var te *TechnicalError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Outcome classifies the result of an I/O call so each caller decides between
// retry, propagate and ignore.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeRecoverable failures may succeed if retried later.
	OutcomeRecoverable
	// OutcomeFatal failures will not succeed on retry (rejected data, deleted record).
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRecoverable:
		return "recoverable"
	default:
		return "fatal"
	}
}

// StatusCoder is implemented by collaborator errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Classify maps an error to an Outcome. Errors without a status (network,
// timeouts) are recoverable; 4xx rejections other than 401/408/409/429 are fatal.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, ErrUnsynchronized) {
		return OutcomeFatal
	}
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return OutcomeRecoverable
	}
	code := sc.StatusCode()
	switch {
	case code == http.StatusUnauthorized, code == http.StatusRequestTimeout,
		code == http.StatusConflict, code == http.StatusTooManyRequests:
		return OutcomeRecoverable
	case code >= 400 && code < 500:
		return OutcomeFatal
	default:
		return OutcomeRecoverable
	}
}
