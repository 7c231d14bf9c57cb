package httpclient

import "fmt"

// RetryableError reports that a request failed after all retries. The last
// status code (0 when the transport never connected) and the underlying
// error are preserved for callers deciding whether to fall back.
type RetryableError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
