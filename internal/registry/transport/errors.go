package transport

import "fmt"

// SendFailure indicates the backend synchronously rejected a send. The
// affected record is failed immediately; the send is retryable.
type SendFailure struct {
	StatusCode int
	Message    string
}

func (e *SendFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("send rejected (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("send rejected: %s", e.Message)
}

// TransportError indicates a subscription channel failure. It drives
// reconnection; it is surfaced to the operator only when the disconnect is
// not explained by host suspension.
type TransportError struct {
	Scope string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Scope, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
