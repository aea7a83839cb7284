package kraken

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUpstream matches every failure produced while talking to Kraken:
// errors.Is(err, ErrUpstream) holds for all error types in this file.
var ErrUpstream = errors.New("kraken upstream error")

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("kraken http error %d: %s", e.StatusCode, e.Status)
}

func (e *HTTPError) Is(target error) bool { return target == ErrUpstream }

// APIError carries the envelope's error list. Kraken reports these with a 200.
type APIError struct {
	Messages []string
}

func (e *APIError) Error() string {
	return "kraken api error: " + strings.Join(e.Messages, "; ")
}

func (e *APIError) Is(target error) bool { return target == ErrUpstream }

// PairNotFoundError means no key in the response resolves to the requested pair.
type PairNotFoundError struct {
	Pair string
}

func (e *PairNotFoundError) Error() string {
	return fmt.Sprintf("pair %s not found in upstream response", e.Pair)
}

func (e *PairNotFoundError) Is(target error) bool { return target == ErrUpstream }

// ValidationError is a response that decoded as JSON but not into the expected shape.
type ValidationError struct {
	Endpoint string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("kraken %s: invalid response: %s", e.Endpoint, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrUpstream }

// TransportError is a request that never produced a response: connection
// refused, reset, DNS failure or a client-side timeout.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("kraken %s request: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrUpstream }

// UnresolvedPairs lists the pair of every PairNotFoundError in err, walking
// the errors joined by a partial batch.
func UnresolvedPairs(err error) []string {
	var pairs []string
	var walk func(error)
	walk = func(e error) {
		switch x := e.(type) {
		case nil:
		case *PairNotFoundError:
			pairs = append(pairs, x.Pair)
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return pairs
}

func invalid(endpoint, format string, args ...any) *ValidationError {
	return &ValidationError{Endpoint: endpoint, Reason: fmt.Sprintf(format, args...)}
}
