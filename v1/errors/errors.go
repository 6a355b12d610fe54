package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockNotObtained reports that a lock is held by someone else or the
	// acquisition budget ran out. It is never returned for store failures.
	ErrLockNotObtained = errors.New("lock not obtained")
	// ErrInvalidConfig is returned when a constructor receives unusable arguments.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrTTLMismatch is returned by stores whose expiry is fixed per bucket
	// when a lock asks for a different TTL.
	ErrTTLMismatch = errors.New("ttl does not match store expiry")
)
