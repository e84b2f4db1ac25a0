package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Validation error codes (V100-V199)
const (
	CodeMissingField     = "V101" // required field absent
	CodeInvalidID        = "V102" // id is not a UUID
	CodeInvalidSeq       = "V103" // clientSeq not positive
	CodeDuplicateInBatch = "V104" // eventId or clientSeq repeated in the batch
	CodeUnknownType      = "V105" // event type not recognised
	CodeInvalidPayload   = "V106" // payload fails its schema
	CodeSessionMismatch  = "V107" // event or descriptor disagrees with the session
	CodeSeqConflict      = "V108" // clientSeq already taken by another event
	CodeKeyMismatch      = "V109" // idempotency key does not match the batch range
	CodeNegativeBalance  = "V110" // currency balance would go negative
)

// ErrKeyReuse is returned when an idempotency key arrives again with
// different events.
var ErrKeyReuse = errors.New("idempotency key reused with different events")

// EventError is one validation failure. EventID is empty for failures of
// the batch as a whole.
type EventError struct {
	EventID string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *EventError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] event %s: %s", e.Code, e.EventID, e.Message)
}

// ValidationError rejects a whole batch. Nothing from the batch is applied.
type ValidationError struct {
	errs *multierror.Error
}

func (v *ValidationError) add(eventID, code, format string, args ...any) {
	v.errs = multierror.Append(v.errs, &EventError{EventID: eventID, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationError) orNil() error {
	if v.errs == nil || len(v.errs.Errors) == 0 {
		return nil
	}
	v.errs.ErrorFormat = formatErrors
	return v
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	return v.errs.Error()
}

// Errors returns every individual failure.
func (v *ValidationError) Errors() []*EventError {
	out := make([]*EventError, 0, len(v.errs.Errors))
	for _, err := range v.errs.Errors {
		var ee *EventError
		if errors.As(err, &ee) {
			out = append(out, ee)
		}
	}
	return out
}

// RejectedEventIDs lists the offending events, in first-failure order.
// Empty when only batch-level checks failed.
func (v *ValidationError) RejectedEventIDs() []string {
	seen := make(map[string]bool)
	ids := []string{}
	for _, ee := range v.Errors() {
		if ee.EventID == "" || seen[ee.EventID] {
			continue
		}
		seen[ee.EventID] = true
		ids = append(ids, ee.EventID)
	}
	return ids
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func formatErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	if len(msgs) == 1 {
		return "batch rejected: " + msgs[0]
	}
	return fmt.Sprintf("batch rejected (%d errors): %s", len(msgs), strings.Join(msgs, "; "))
}
