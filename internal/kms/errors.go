package kms

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned by Register when the transport is down.
var ErrNotConnected = errors.New("you must connect before registering")

// ResponseError is returned when the KMS answers a request with an error envelope.
type ResponseError struct {
	ErrorID string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("KMS response error %s: %s", e.ErrorID, e.Message)
}

func NewResponseError(errorID, message string) *ResponseError {
	return &ResponseError{ErrorID: errorID, Message: message}
}

func IsResponseError(err error) bool {
	var re *ResponseError
	return errors.As(err, &re)
}

func AsResponseError(err error) *ResponseError {
	var re *ResponseError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// RegistrationError is returned when the challenge step does not end in "ok".
type RegistrationError struct {
	Status  string
	Message string
}

func (e *RegistrationError) Error() string {
	return e.Message
}

func NewRegistrationError(status string) *RegistrationError {
	return &RegistrationError{
		Status:  status,
		Message: fmt.Sprintf("Received invalid status from KMS during challenge: %s", status),
	}
}

func IsRegistrationError(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}

// RequestNotFoundError is returned when completing a request id that is not pending.
type RequestNotFoundError struct {
	RequestID string
}

func (e *RequestNotFoundError) Error() string {
	return fmt.Sprintf("Request not found with id: %s", e.RequestID)
}

func NewRequestNotFoundError(requestID string) *RequestNotFoundError {
	return &RequestNotFoundError{RequestID: requestID}
}

func IsRequestNotFoundError(err error) bool {
	var re *RequestNotFoundError
	return errors.As(err, &re)
}

// TimeoutError is returned when no response arrives within the request timeout.
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Request %s timed out after %d ms", e.RequestID, e.Timeout.Milliseconds())
}

func NewTimeoutError(requestID string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{RequestID: requestID, Timeout: timeout}
}

func IsTimeoutError(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
