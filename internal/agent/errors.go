package agent

import "errors"

// ErrCancelled marks a turn aborted by the caller. It is terminal: the
// turn is not retried and nothing from it reaches session history.
var ErrCancelled = errors.New("turn cancelled")
