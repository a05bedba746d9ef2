package server

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when a proposal reaches a node that doesn't lead.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrLogGap is returned when appended entries don't continue the local log.
	ErrLogGap = errors.New("raft: entries leave a gap in the log")

	// ErrLogOrder is returned when appended entries are not strictly ascending.
	ErrLogOrder = errors.New("raft: entries out of order")

	// ErrCommittedConflict is returned when a leader tries to overwrite a committed entry.
	ErrCommittedConflict = errors.New("raft: conflict with committed entry")

	// ErrCommandTooLarge is returned when a proposed payload exceeds maxCommandSize.
	ErrCommandTooLarge = errors.New("raft: command too large")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrCorruptState is returned when persisted state can't be decoded.
	ErrCorruptState = errors.New("raft: corrupt persistent state")

	// ErrUnexpectedStatus is returned by the HTTP client for non-200 replies.
	ErrUnexpectedStatus = errors.New("raft: unexpected status code")
)

// invariant panics, the protocol logic itself is broken when it fires.
func invariant(format string, args ...any) {
	panic(fmt.Sprintf("raft: invariant violated: "+format, args...))
}
