package llm

import "errors"

// ErrUnavailable reports that the model endpoint could not produce a
// completion: transport failure, timeout, server-side error, or an open
// circuit breaker. Terminal for the current turn.
var ErrUnavailable = errors.New("llm unavailable")
