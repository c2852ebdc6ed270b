package verify

import "fmt"

// IntegrityError describes a stored batch, or one of its events, that does
// not match what was signed.
type IntegrityError struct {
	BatchID string
	EventID string
	Message string
}

func (e *IntegrityError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("INTEGRITY VIOLATION: batch %s event %s: %s", e.BatchID, e.EventID, e.Message)
	}
	return fmt.Sprintf("INTEGRITY VIOLATION: batch %s: %s", e.BatchID, e.Message)
}

func NewIntegrityError(batchID, eventID, message string) *IntegrityError {
	return &IntegrityError{
		BatchID: batchID,
		EventID: eventID,
		Message: message,
	}
}

func IsIntegrityError(err error) bool {
	_, ok := err.(*IntegrityError)
	return ok
}

func AsIntegrityError(err error) *IntegrityError {
	if ie, ok := err.(*IntegrityError); ok {
		return ie
	}
	return nil
}
