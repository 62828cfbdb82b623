// Package session owns the lifecycle of peer connections on top of
// package channel.
//
// Ownership boundary:
// - lifecycle state per connection (created, resumed, active, interrupted, invalid)
// - pending reply bookkeeping and resolve-once semantics
// - private channel handoff between host and service
// - routing inbound payloads to the relay broker and replies back
//
// The Runtime is the explicit context object that replaces process-wide
// state: it holds the broker, the notifier and the host connection.
package session
