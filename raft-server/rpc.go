package server

import "context"

// AppendRequest is sent by a leader to replicate entries, or as a heartbeat
// when Entries is empty.
type AppendRequest struct {
	Leader Endpoint `json:"leader"`
	Term   uint64   `json:"term"` // leader's term

	// Prev is the position of the entry immediately preceding Entries,
	// nil when Entries start at the beginning of the log
	Prev *SequenceID `json:"prev,omitempty"`

	Entries   []Entry `json:"entries,omitempty"`
	Committed uint64  `json:"committed"` // leader's commit cursor
}

// VoteRequest is sent by a candidate to every peer at the start of an election.
type VoteRequest struct {
	Candidate Endpoint    `json:"candidate"`
	Term      uint64      `json:"term"`
	LastSeq   *SequenceID `json:"last_seq,omitempty"` // candidate's last log entry, applied or not
}

func (r VoteRequest) signature() Signature {
	return Signature{Endpoint: r.Candidate, Term: r.Term, LastSeq: r.LastSeq}
}

// PeerClient is the capability a node uses to talk to one peer. Both calls
// block until the peer replies, the context is done or the transport fails.
type PeerClient interface {
	Append(ctx context.Context, req AppendRequest) (Receipt, error)
	RequestVote(ctx context.Context, req VoteRequest) (Vote, error)
}

// Connector builds a client bound to one peer. It must not dial,
// connection failures surface on the first call.
type Connector func(endpoint Endpoint) PeerClient

type AppendResult struct {
	Peer    Endpoint
	Request AppendRequest
	Receipt Receipt
	Err     error
}

type VoteResult struct {
	Peer Endpoint
	Vote Vote
	Err  error
}

// AppendAsync fires Append in its own goroutine and delivers the result on ch.
// The result is dropped if ctx is done before ch accepts it.
func AppendAsync(ctx context.Context, peer Endpoint, client PeerClient, req AppendRequest, ch chan<- AppendResult) {
	go func() {
		var receipt, err = client.Append(ctx, req)

		select {
		case ch <- AppendResult{Peer: peer, Request: req, Receipt: receipt, Err: err}:
		case <-ctx.Done():
		}
	}()
}

// RequestVoteAsync fires RequestVote in its own goroutine and delivers the
// result on ch. The result is dropped if ctx is done before ch accepts it.
func RequestVoteAsync(ctx context.Context, peer Endpoint, client PeerClient, req VoteRequest, ch chan<- VoteResult) {
	go func() {
		var vote, err = client.RequestVote(ctx, req)

		select {
		case ch <- VoteResult{Peer: peer, Vote: vote, Err: err}:
		case <-ctx.Done():
		}
	}()
}

type roundKey struct{}

// WithRound tags ctx with the id of the election or append round it belongs
// to, transports forward it so both sides can correlate their logs.
func WithRound(ctx context.Context, round string) context.Context {
	return context.WithValue(ctx, roundKey{}, round)
}

func RoundFromContext(ctx context.Context) (string, bool) {
	var round, ok = ctx.Value(roundKey{}).(string)
	return round, ok && round != ""
}
