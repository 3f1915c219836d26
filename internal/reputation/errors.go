package reputation

import (
	"errors"
	"fmt"
)

// TransportError is a failed request to the reputation service. Transient
// errors (network, timeout, rate limit, 5xx) are retried.
type TransportError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("reputation %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("reputation %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func isTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient
	}
	return true
}
