package session

import "errors"

var (
	// ErrPeerGone fails replies that were pending when the peer became invalid.
	ErrPeerGone = errors.New("session: peer gone")
	// ErrInterrupted fails replies that were pending when a connection this
	// side opened was interrupted.
	ErrInterrupted  = errors.New("session: interrupted")
	ErrReplyTimeout = errors.New("session: reply timeout")
	ErrNotResumed   = errors.New("session: not resumed")
	ErrNoHost       = errors.New("session: no host connection")
	// ErrHandoffDone rejects a second private channel on the same connection.
	ErrHandoffDone = errors.New("session: private channel already established")
)
