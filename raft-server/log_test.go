package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func seq(term, index uint64) SequenceID {
	return SequenceID{Term: term, Index: index}
}

func entries(seqs ...SequenceID) []Entry {
	var res = make([]Entry, 0, len(seqs))
	for _, s := range seqs {
		res = append(res, Entry{Seq: s, Payload: []byte(s.String())})
	}
	return res
}

func TestSequenceID_Compare(t *testing.T) {
	var tt = []struct {
		name     string
		a, b     SequenceID
		expected int
	}{
		{name: "equal", a: seq(2, 5), b: seq(2, 5), expected: 0},
		{name: "same term, lower index", a: seq(2, 4), b: seq(2, 5), expected: -1},
		{name: "same term, higher index", a: seq(2, 6), b: seq(2, 5), expected: 1},
		{name: "higher term wins over index", a: seq(3, 0), b: seq(2, 100), expected: 1},
		{name: "lower term loses over index", a: seq(1, 100), b: seq(2, 0), expected: -1},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.a.Compare(tc.b))
			require.Equal(t, -tc.expected, tc.b.Compare(tc.a))
			require.Equal(t, tc.expected < 0, tc.a.Less(tc.b))
		})
	}
}

func TestCompareSeq(t *testing.T) {
	var s = seq(0, 0)

	require.Equal(t, 0, CompareSeq(nil, nil))
	require.Equal(t, -1, CompareSeq(nil, &s))
	require.Equal(t, 1, CompareSeq(&s, nil))
	require.Equal(t, 0, CompareSeq(&s, &s))

	require.Equal(t, "none", seqString(nil))
	require.Equal(t, "{term=0, index=0}", seqString(&s))
}

func TestNewLog(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var l = NewLog(nil)

		require.Equal(t, uint64(0), l.Term())
		require.Nil(t, l.LastSeqID())
		require.Nil(t, l.Last())
		require.Equal(t, uint64(0), l.Committed())
		require.Equal(t, uint64(0), l.Applied())
	})

	t.Run("seeded entries are committed and applied", func(t *testing.T) {
		var l = NewLog(entries(seq(1, 0), seq(1, 1), seq(3, 2)))

		require.Equal(t, uint64(3), l.Term())
		require.Equal(t, uint64(3), l.Len())
		require.Equal(t, uint64(3), l.Committed())
		require.Equal(t, uint64(3), l.Applied())

		last := seq(3, 2)
		require.Equal(t, &last, l.LastSeqID())
	})
}

func TestRestoreLog(t *testing.T) {
	var l = RestoreLog(PersistentState{
		Term:      2,
		Committed: 10,
		Applied:   5,
		Entries:   entries(seq(1, 0), seq(4, 1)),
	})

	// a term below the last entry's term is bumped
	require.Equal(t, uint64(4), l.Term())
	require.Equal(t, uint64(2), l.Committed())
	require.Equal(t, uint64(2), l.Applied())

	l = RestoreLog(PersistentState{Term: 7, Committed: 2, Applied: 1, Entries: entries(seq(1, 0), seq(1, 1), seq(1, 2))})
	require.Equal(t, uint64(7), l.Term())
	require.Equal(t, uint64(2), l.Committed())
	require.Equal(t, uint64(1), l.Applied())

	first := seq(1, 0)
	require.Equal(t, &first, l.LastSeqID(), "last seq id follows the applied cursor")

	third := seq(1, 2)
	require.Equal(t, &third, l.Last())
}

func TestLog_Terms(t *testing.T) {
	var l = NewLog(nil)

	require.Equal(t, uint64(1), l.NewTerm())
	require.Equal(t, uint64(2), l.NewTerm())

	l.SetTerm(5)
	require.Equal(t, uint64(5), l.Term())

	require.Panics(t, func() { l.SetTerm(5) })
	require.Panics(t, func() { l.SetTerm(3) })
	require.Equal(t, uint64(5), l.Term())
}

func TestLog_Append(t *testing.T) {
	var l = NewLog(nil)
	l.NewTerm()

	first := l.Append([]byte("a"))
	second := l.Append([]byte("b"))

	require.Equal(t, seq(1, 0), first.Seq)
	require.Equal(t, seq(1, 1), second.Seq)
	require.Equal(t, uint64(2), l.Len())

	// appended entries are not applied yet
	require.Nil(t, l.LastSeqID())
	require.Equal(t, &second.Seq, l.Last())

	l.NewTerm()
	third := l.Append([]byte("c"))
	require.Equal(t, seq(2, 2), third.Seq)
}

func TestLog_AppendInvariant(t *testing.T) {
	// a log restored with a term lower than its entries gets the term bumped,
	// so the only way to break ordering is to tamper with the term directly
	var l = NewLog(entries(seq(3, 0)))
	l.term = 2

	require.Panics(t, func() { l.Append([]byte("x")) })
}

func TestLog_Merge(t *testing.T) {
	var tt = []struct {
		name        string
		initial     []Entry
		committed   uint64
		merge       []Entry
		expected    []SequenceID
		expectedErr error
	}{
		{
			name:     "append to empty log",
			merge:    entries(seq(1, 0), seq(1, 1)),
			expected: []SequenceID{seq(1, 0), seq(1, 1)},
		},
		{
			name:     "append after last",
			initial:  entries(seq(1, 0)),
			merge:    entries(seq(1, 1), seq(2, 2)),
			expected: []SequenceID{seq(1, 0), seq(1, 1), seq(2, 2)},
		},
		{
			name:     "duplicates are skipped",
			initial:  entries(seq(1, 0), seq(1, 1), seq(1, 2)),
			merge:    entries(seq(1, 1), seq(1, 2)),
			expected: []SequenceID{seq(1, 0), seq(1, 1), seq(1, 2)},
		},
		{
			name:     "conflicting suffix is replaced",
			initial:  entries(seq(1, 0), seq(1, 1), seq(1, 2), seq(1, 3)),
			merge:    entries(seq(2, 1), seq(2, 2)),
			expected: []SequenceID{seq(1, 0), seq(2, 1), seq(2, 2)},
		},
		{
			name:        "gap",
			initial:     entries(seq(1, 0)),
			merge:       entries(seq(1, 2)),
			expected:    []SequenceID{seq(1, 0)},
			expectedErr: ErrLogGap,
		},
		{
			name:        "out of order batch",
			merge:       entries(seq(2, 0), seq(1, 1)),
			expectedErr: ErrLogOrder,
		},
		{
			name:        "non contiguous batch",
			merge:       entries(seq(1, 0), seq(1, 2)),
			expectedErr: ErrLogOrder,
		},
		{
			name:        "lower term after last",
			initial:     entries(seq(3, 0)),
			merge:       entries(seq(2, 1)),
			expected:    []SequenceID{seq(3, 0)},
			expectedErr: ErrLogOrder,
		},
		{
			name:        "committed entry is never rewritten",
			initial:     entries(seq(1, 0), seq(1, 1)),
			committed:   2,
			merge:       entries(seq(2, 1)),
			expected:    []SequenceID{seq(1, 0), seq(1, 1)},
			expectedErr: ErrCommittedConflict,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var l = RestoreLog(PersistentState{Entries: tc.initial, Committed: tc.committed})

			err := l.Merge(tc.merge)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
			} else {
				require.NoError(t, err)
			}

			var got []SequenceID
			for _, entry := range l.From(0) {
				got = append(got, entry.Seq)
			}
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestLog_CommitAndApply(t *testing.T) {
	var l = NewLog(nil)
	l.NewTerm()
	for _, p := range []string{"a", "b", "c"} {
		l.Append([]byte(p))
	}

	require.False(t, l.CommitTo(0))
	require.True(t, l.CommitTo(2))
	require.False(t, l.CommitTo(1), "commit cursor never moves back")
	require.Equal(t, uint64(2), l.Committed())

	var applied []string
	require.NoError(t, l.Apply(func(e Entry) error {
		applied = append(applied, string(e.Payload))
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, applied)
	require.Equal(t, uint64(2), l.Applied())

	second := seq(1, 1)
	require.Equal(t, &second, l.LastSeqID())

	// clamped to the log length
	require.True(t, l.CommitTo(10))
	require.Equal(t, uint64(3), l.Committed())

	var failure = errors.New("boom")
	err := l.Apply(func(e Entry) error { return failure })
	require.ErrorIs(t, err, failure)
	require.Equal(t, uint64(2), l.Applied(), "apply cursor stops at the failing entry")
}

func TestLog_FromAndContains(t *testing.T) {
	var l = NewLog(entries(seq(1, 0), seq(2, 1)))

	require.True(t, l.Contains(seq(2, 1)))
	require.False(t, l.Contains(seq(1, 1)))
	require.False(t, l.Contains(seq(2, 2)))

	var tail = l.From(1)
	require.Len(t, tail, 1)
	tail[0].Seq = seq(9, 9)
	require.True(t, l.Contains(seq(2, 1)), "From returns a copy")

	require.Nil(t, l.From(2))
}

func TestLog_Snapshot(t *testing.T) {
	var l = NewLog(entries(seq(1, 0)))
	var voted = Endpoint{Host: "10.0.0.2", Port: 8000}

	state := l.snapshot(&voted)
	require.Equal(t, uint64(1), state.Term)
	require.Equal(t, "10.0.0.2:8000", state.VotedFor)
	require.Equal(t, uint64(1), state.Committed)
	require.Equal(t, uint64(1), state.Applied)
	require.Len(t, state.Entries, 1)

	require.Empty(t, l.snapshot(nil).VotedFor)
}

func TestLog_DropLast(t *testing.T) {
	var l = NewLog(entries(seq(1, 0)))
	l.Append([]byte("a"))

	l.dropLast()
	require.Equal(t, []Entry{{Seq: seq(1, 0), Payload: []byte(seq(1, 0).String())}}, l.From(0))

	require.Panics(t, func() { l.dropLast() }, "committed entries are never dropped")
}
