package harvest

import "errors"

// Failure classes surfaced through Outcome.Err and returned errors.
var (
	// ErrTransient marks connection failures that survived every retry.
	ErrTransient = errors.New("transient network error")
	// ErrUnexpectedStatus marks a response whose status is not 200.
	ErrUnexpectedStatus = errors.New("unexpected status code")
	// ErrInvalidContent marks a 200 response whose body is not CSV.
	ErrInvalidContent = errors.New("invalid csv content")
	// ErrDiscovery marks a navigation or lookup failure during discovery.
	ErrDiscovery = errors.New("link discovery failed")
	// ErrCycle marks a failure that aborted a whole cycle.
	ErrCycle = errors.New("cycle failed")
	// ErrElementNotFound is returned by page drivers when a wait times out
	// or a selector matches nothing.
	ErrElementNotFound = errors.New("element not found")
)
