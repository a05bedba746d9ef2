package server

import "fmt"

// Log is the node's persistent term and entries plus the volatile commit and
// apply cursors.
//
// Invariants:
//   - term never decreases
//   - entries are strictly ascending by SequenceID
//   - applied <= committed <= len(entries)
//
// Log is not safe for concurrent use, the Server serializes access.
type Log struct {
	// term is the latest term this node has seen
	term uint64

	entries []Entry

	// committed is the number of entries known to be replicated on a majority
	committed uint64

	// applied is the number of entries fed to the state machine
	applied uint64
}

// NewLog rehydrates a log from already applied entries, the term is seeded
// from the last entry.
func NewLog(entries []Entry) *Log {
	var state = PersistentState{Entries: entries}
	if len(entries) > 0 {
		state.Term = entries[len(entries)-1].Seq.Term
		state.Committed = uint64(len(entries))
		state.Applied = uint64(len(entries))
	}

	return RestoreLog(state)
}

// RestoreLog rebuilds a log from persisted state with explicit cursors.
// Cursors beyond the entries are clamped.
func RestoreLog(state PersistentState) *Log {
	var l = &Log{
		term:      state.Term,
		entries:   append([]Entry(nil), state.Entries...),
		committed: state.Committed,
		applied:   state.Applied,
	}

	if n := len(l.entries); n > 0 && l.entries[n-1].Seq.Term > l.term {
		l.term = l.entries[n-1].Seq.Term
	}

	if l.committed > uint64(len(l.entries)) {
		l.committed = uint64(len(l.entries))
	}
	if l.applied > l.committed {
		l.applied = l.committed
	}

	return l
}

func (l *Log) Term() uint64 {
	return l.term
}

// NewTerm increments the term, used when starting an election.
func (l *Log) NewTerm() uint64 {
	l.term++
	return l.term
}

// SetTerm adopts a higher term observed from a peer. Terms never move
// backward, so anything else panics.
func (l *Log) SetTerm(term uint64) {
	if term <= l.term {
		invariant("set term %d, current term is %d", term, l.term)
	}
	l.term = term
}

// LastSeqID is the position of the most recently applied entry, nil if
// nothing was applied yet.
func (l *Log) LastSeqID() *SequenceID {
	if l.applied == 0 {
		return nil
	}

	var seq = l.entries[l.applied-1].Seq
	return &seq
}

// Last is the position of the last entry, applied or not.
func (l *Log) Last() *SequenceID {
	if len(l.entries) == 0 {
		return nil
	}

	var seq = l.entries[len(l.entries)-1].Seq
	return &seq
}

func (l *Log) Len() uint64 {
	return uint64(len(l.entries))
}

func (l *Log) Applied() uint64 {
	return l.applied
}

func (l *Log) Committed() uint64 {
	return l.committed
}

func (l *Log) At(i uint64) (Entry, bool) {
	if i >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[i], true
}

// From returns a copy of the entries starting at index i.
func (l *Log) From(i uint64) []Entry {
	if i >= uint64(len(l.entries)) {
		return nil
	}
	return append([]Entry(nil), l.entries[i:]...)
}

// Contains reports whether the log holds an entry at seq.
func (l *Log) Contains(seq SequenceID) bool {
	var entry, ok = l.At(seq.Index)
	return ok && entry.Seq == seq
}

// Append adds a new entry at the end of the log in the current term.
func (l *Log) Append(payload []byte) Entry {
	var entry = Entry{
		Seq:     SequenceID{Term: l.term, Index: uint64(len(l.entries))},
		Payload: payload,
	}

	if last := l.Last(); last != nil && !last.Less(entry.Seq) {
		invariant("append %s after %s", entry.Seq, last)
	}

	l.entries = append(l.entries, entry)
	return entry
}

// dropLast removes the last entry, which must not be committed.
func (l *Log) dropLast() {
	var n = uint64(len(l.entries))
	if n == 0 || n <= l.committed {
		invariant("drop last entry of %d, committed %d", n, l.committed)
	}
	l.entries = l.entries[:n-1]
}

// Merge applies entries received from a leader. Entries already present are
// skipped, a conflicting suffix is truncated and replaced. Committed entries
// are never rewritten.
func (l *Log) Merge(entries []Entry) error {
	for i := 1; i < len(entries); i++ {
		if !entries[i-1].Seq.Less(entries[i].Seq) || entries[i].Seq.Index != entries[i-1].Seq.Index+1 {
			return fmt.Errorf("%w: %s then %s", ErrLogOrder, entries[i-1].Seq, entries[i].Seq)
		}
	}

	for _, entry := range entries {
		var index = entry.Seq.Index

		if index > uint64(len(l.entries)) {
			return fmt.Errorf("%w: entry %s, log length %d", ErrLogGap, entry.Seq, len(l.entries))
		}

		if index < uint64(len(l.entries)) {
			if l.entries[index].Seq == entry.Seq {
				continue
			}

			if index < l.committed {
				return fmt.Errorf("%w: %s over %s", ErrCommittedConflict, entry.Seq, l.entries[index].Seq)
			}

			// delete all entries from this index onwards, they conflict with the leader
			l.entries = l.entries[:index]
		}

		if last := l.Last(); last != nil && !last.Less(entry.Seq) {
			return fmt.Errorf("%w: %s after %s", ErrLogOrder, entry.Seq, last)
		}

		l.entries = append(l.entries, entry)
	}

	return nil
}

// CommitTo moves the commit cursor forward to n entries.
func (l *Log) CommitTo(n uint64) bool {
	if n > uint64(len(l.entries)) {
		n = uint64(len(l.entries))
	}
	if n <= l.committed {
		return false
	}

	l.committed = n
	return true
}

// Apply feeds committed but not yet applied entries to fn in order. The apply
// cursor stops at the first failing entry.
func (l *Log) Apply(fn func(Entry) error) error {
	for l.applied < l.committed {
		if err := fn(l.entries[l.applied]); err != nil {
			return fmt.Errorf("apply entry %s: %w", l.entries[l.applied].Seq, err)
		}
		l.applied++
	}

	return nil
}

// snapshot copies the log into its persisted form.
func (l *Log) snapshot(votedFor *Endpoint) PersistentState {
	var state = PersistentState{
		Term:      l.term,
		Committed: l.committed,
		Applied:   l.applied,
		Entries:   append([]Entry(nil), l.entries...),
	}
	if votedFor != nil {
		state.VotedFor = votedFor.String()
	}

	return state
}
