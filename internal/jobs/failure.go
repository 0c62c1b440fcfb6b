package jobs

import (
	"fmt"
	"time"
)

// Failure is a handler's verdict on an error. Handlers return it (wrapped or
// not) to tell the worker whether the task should run again.
type Failure struct {
	Kind  string
	Retry bool
	Delay time.Duration
	Err   error
}

func (f *Failure) Error() string {
	if f.Retry {
		return fmt.Sprintf("%s (retry in %s): %v", f.Kind, f.Delay, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// RetryAfter asks for the task to be run again after delay.
func RetryAfter(err error, delay time.Duration) error {
	return &Failure{Kind: "transient", Retry: true, Delay: delay, Err: err}
}

// Permanent fails the task without further attempts.
func Permanent(kind string, err error) error {
	return &Failure{Kind: kind, Err: err}
}
