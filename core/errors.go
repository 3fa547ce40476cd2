package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorAuthenticationFailure    = "PAYHOOKS_AUTHENTICATION_FAILURE"
	ErrorMalformedEvent           = "PAYHOOKS_MALFORMED_EVENT"
	ErrorUnknownSubject           = "PAYHOOKS_UNKNOWN_SUBJECT"
	ErrorStaleOrConflictingEvent  = "PAYHOOKS_STALE_OR_CONFLICTING_EVENT"
	ErrorDownstreamPublishFailure = "PAYHOOKS_DOWNSTREAM_PUBLISH_FAILURE"
	ErrorDeliveryFailure          = "PAYHOOKS_DELIVERY_FAILURE"
	ErrorInvariantViolation       = "PAYHOOKS_INVARIANT_VIOLATION"
	ErrorBadInput                 = "PAYHOOKS_BAD_INPUT"
	ErrorInternal                 = "PAYHOOKS_INTERNAL_ERROR"
)

var (
	ErrMissingSecret        = errors.New("core: webhook secret is required")
	ErrTransactionNotFound  = errors.New("core: transaction not found")
	ErrTransactionExists    = errors.New("core: transaction already exists")
	ErrInvariantViolation   = errors.New("core: ledger invariant violation")
	ErrInvalidMessage       = errors.New("core: invalid queue message")
	ErrUnknownMessageKind   = errors.New("core: unknown queue message kind")
	ErrTemplateNotFound     = errors.New("core: template not found")
	ErrInvalidRecipient     = errors.New("core: invalid recipient")
	ErrQueueClosed          = errors.New("core: queue closed")
	ErrLockHeld             = errors.New("core: lock already held")
	ErrPublishRetryExceeded = errors.New("core: publish retries exhausted")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Dispatch dead-letters it at once.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var marked *permanentError
	if errors.As(err, &marked) {
		return true
	}
	for _, target := range []error{
		ErrInvalidMessage,
		ErrUnknownMessageKind,
		ErrTemplateNotFound,
		ErrInvalidRecipient,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func NewAuthenticationFailure(message string) *goerrors.Error {
	return newPayhooksError(message, goerrors.CategoryAuth, ErrorAuthenticationFailure)
}

func NewMalformedEvent(message string, cause error) *goerrors.Error {
	if cause != nil {
		return ensureErrorEnvelope(
			goerrors.Wrap(cause, goerrors.CategoryBadInput, message).
				WithTextCode(ErrorMalformedEvent),
		)
	}
	return newPayhooksError(message, goerrors.CategoryBadInput, ErrorMalformedEvent)
}

func NewUnknownSubject(message string, orderCode int64) *goerrors.Error {
	return newPayhooksError(message, goerrors.CategoryNotFound, ErrorUnknownSubject).
		WithMetadata(map[string]any{"order_code": orderCode})
}

func NewStaleOrConflictingEvent(message string, outcome TransitionOutcome) *goerrors.Error {
	return newPayhooksError(message, goerrors.CategoryConflict, ErrorStaleOrConflictingEvent).
		WithMetadata(map[string]any{"outcome": string(outcome)})
}

func NewDownstreamPublishFailure(cause error) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.Wrap(cause, goerrors.CategoryOperation, "downstream publish failed").
			WithTextCode(ErrorDownstreamPublishFailure),
	)
}

func NewDeliveryFailure(cause error) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.Wrap(cause, goerrors.CategoryOperation, "message delivery failed").
			WithTextCode(ErrorDeliveryFailure),
	)
}

// MapError turns any error into an envelope carrying an HTTP status and a
// text code.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	// sentinels win over envelopes added by outer layers
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		return newPayhooksError(err.Error(), goerrors.CategoryNotFound, ErrorUnknownSubject)
	case errors.Is(err, ErrInvariantViolation):
		return newPayhooksError(err.Error(), goerrors.CategoryInternal, ErrorInvariantViolation)
	case errors.Is(err, ErrTransactionExists), errors.Is(err, ErrLockHeld):
		return newPayhooksError(err.Error(), goerrors.CategoryConflict, ErrorStaleOrConflictingEvent)
	case errors.Is(err, ErrPublishRetryExceeded):
		return newPayhooksError(err.Error(), goerrors.CategoryOperation, ErrorDownstreamPublishFailure)
	case IsPermanent(err):
		return newPayhooksError(err.Error(), goerrors.CategoryOperation, ErrorDeliveryFailure)
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newPayhooksError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newPayhooksError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorUnknownSubject
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorAuthenticationFailure
	case goerrors.CategoryConflict:
		return ErrorStaleOrConflictingEvent
	case goerrors.CategoryOperation:
		return ErrorDeliveryFailure
	default:
		return ErrorInternal
	}
}

func HTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
