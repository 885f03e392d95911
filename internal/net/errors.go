package net

import "errors"

// Failures reported in DeliveryResult.Reason. All of them are recoverable:
// the caller may sign a fresh envelope and try again.
var (
	ErrIdentity   = errors.New("device identity unavailable")
	ErrConnect    = errors.New("transport connect failed")
	ErrPublish    = errors.New("publish failed")
	ErrAckTimeout = errors.New("acknowledgment not received in time")
)
