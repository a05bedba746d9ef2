package server

import "fmt"

// SequenceID marks a position in the log: the term the entry was created in
// and its 0-based index.
type SequenceID struct {
	Term  uint64 `json:"term"`
	Index uint64 `json:"index"`
}

// Compare orders sequence ids by term first, then by index.
// Returns -1, 0 or 1.
func (s SequenceID) Compare(other SequenceID) int {
	switch {
	case s.Term < other.Term:
		return -1
	case s.Term > other.Term:
		return 1
	case s.Index < other.Index:
		return -1
	case s.Index > other.Index:
		return 1
	}

	return 0
}

func (s SequenceID) Less(other SequenceID) bool {
	return s.Compare(other) < 0
}

func (s SequenceID) String() string {
	return fmt.Sprintf("{term=%d, index=%d}", s.Term, s.Index)
}

// CompareSeq compares optional sequence ids, nil means "no entry" and sorts
// below every real position.
func CompareSeq(a, b *SequenceID) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	return a.Compare(*b)
}

func seqString(s *SequenceID) string {
	if s == nil {
		return "none"
	}
	return s.String()
}

// Entry is a single replicated log record.
type Entry struct {
	Seq     SequenceID `json:"seq"`
	Payload []byte     `json:"payload"` // command for state machine
}
