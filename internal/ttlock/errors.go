package ttlock

import (
	"errors"
	"fmt"
)

// CodeMalformed is the RemoteError code for a response that could not be decoded.
const CodeMalformed = -100000

// RemoteError is a non-auth, non-rate-limit failure reported by the cloud:
// either an HTTP status or a vendor errcode.
type RemoteError struct {
	Op      string
	Code    int
	Message string
	HTTP    bool
}

func (e *RemoteError) Error() string {
	kind := "errcode"
	if e.HTTP {
		kind = "status"
	}
	return fmt.Sprintf("%s: remote %s %d: %s", e.Op, kind, e.Code, e.Message)
}

// RateLimitedError is returned once rate-limit retries are exhausted.
type RateLimitedError struct {
	Op       string
	Attempts int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited after %d attempts", e.Op, e.Attempts)
}

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// IsRateLimited reports whether err carries a RateLimitedError.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
