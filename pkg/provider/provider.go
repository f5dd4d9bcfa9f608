// Package provider holds types shared by the STT, LLM, TTS and VAD
// provider packages.
package provider

import "fmt"

// HTTPError wraps a provider call failure that carries an HTTP status.
// Retry policies use the status to separate transient failures (429, 5xx)
// from permanent ones.
type HTTPError struct {
	Status int
	Err    error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider: http %d: %v", e.Status, e.Err)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// Transient reports whether the status warrants a retry.
func (e *HTTPError) Transient() bool {
	return e.Status == 429 || e.Status >= 500
}
