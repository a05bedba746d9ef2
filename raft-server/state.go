package server

import "time"

type State int

const (
	// Follower - normal state, receives heartbeats and entries from leader
	// If no heartbeats received, becomes candidate
	Follower State = iota

	// Candidate - trying to become leader, requests votes from other servers
	Candidate

	// Leader - replicates its log to followers
	// Only 1 leader per term in the cluster
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// role is the active variant of the node. Exactly one of follower,
// candidate and leader; shared state (log, peers) lives on the Server.
type role interface {
	state() State
}

type follower struct {
	// votedFor is the candidate this node voted for in the current term,
	// nil == haven't voted yet
	votedFor *Endpoint

	// leader is the endpoint of the last accepted append in this term
	leader *Endpoint

	lastHeartbeat time.Time
	timeout       time.Duration // re-rolled on every return to follower
}

func (*follower) state() State { return Follower }

func (f *follower) deadline() time.Time {
	return f.lastHeartbeat.Add(f.timeout)
}

type candidate struct{}

func (*candidate) state() State { return Candidate }

type leader struct {
	followers map[Endpoint]*Diverged
	lastRound time.Time // start of the last append round, zero right after election
}

func (*leader) state() State { return Leader }

// Diverged is the leader's bookkeeping of one follower's replication progress.
type Diverged struct {
	// NextIndex is the index of the next entry to send,
	// decremented and retried when the follower rejects an append
	NextIndex uint64

	// Matched is the highest entry known to be replicated on the follower
	Matched *SequenceID
}

func newLeader(peers []Endpoint, next uint64) *leader {
	var l = &leader{followers: make(map[Endpoint]*Diverged, len(peers))}
	for _, peer := range peers {
		l.followers[peer] = &Diverged{NextIndex: next}
	}
	return l
}
