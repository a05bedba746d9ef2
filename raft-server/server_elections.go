package server

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// electionInterval picks a timeout uniformly in [lo, hi].
// If all the servers timeout at the same time, they all become candidates, causing failed elections.
// Random timeout means one server usually becomes a candidate first.
func electionInterval(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}

	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

// quorum is the number of votes a candidate needs from its peers: together
// with its own vote that is a strict majority of the peers+1 cluster.
func quorum(peers int) int {
	return (peers + 1) / 2
}

// runElection increments the term and asks every peer for a vote. It returns
// once a quorum grants, a higher term shows up, the role changes under it or
// the randomized election timeout fires, whichever comes first. Responses
// arriving after that are dropped.
func (s *Server) runElection(ctx context.Context) {
	s.mx.Lock()

	if _, ok := s.role.(*candidate); !ok {
		s.mx.Unlock()
		return
	}

	var term = s.log.NewTerm()
	var req = VoteRequest{Candidate: s.self, Term: term, LastSeq: s.log.Last()}
	var timeout = electionInterval(s.timing.ElectionMin, s.timing.ElectionMax)
	var round = uuid.NewString()
	var logger = s.logger.With("term", term, "round", round)

	// vote for yourself
	if err := s.persistLocked(); err != nil {
		logger.Error("cannot persist new term", "err", err)
	}

	var need = quorum(len(s.order))
	logger.Info("starting election",
		"timeout", timeout,
		"last_seq", seqString(req.LastSeq),
		"need", need,
	)

	if need == 0 {
		s.becomeLeaderLocked(logger)
		s.mx.Unlock()
		return
	}
	s.mx.Unlock()

	ctx, cancel := context.WithTimeout(WithRound(ctx, round), timeout)
	defer cancel()

	var votes = make(chan VoteResult, len(s.order))
	for _, peer := range s.order {
		RequestVoteAsync(ctx, peer, s.peers[peer], req, votes)
	}

	var granted, pending = 0, len(s.order)
	for {
		var ch = votes
		if pending == 0 {
			// everyone answered without a quorum, sit out the timer
			ch = nil
		}

		var res VoteResult
		select {
		case <-ctx.Done():
			logger.Info("election timed out", "granted", granted, "need", need)
			return

		case <-s.wakeCh:
			if !s.isCandidate(term) {
				logger.Debug("election abandoned, role changed")
				return
			}
			continue

		case res = <-ch:
			pending--
		}

		if res.Err != nil {
			// might fail if peer is down/slow, counts as no vote
			logger.Debug("vote request failed", "peer", res.Peer.String(), "err", res.Err)
			continue
		}

		if done := s.countVote(term, need, &granted, res, logger); done {
			return
		}
	}
}

// countVote applies one vote under the lock, reporting whether the election is decided.
func (s *Server) countVote(term uint64, need int, granted *int, res VoteResult, logger *slog.Logger) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if !s.isCandidateLocked(term) {
		return true
	}

	// check if peer has higher term, we're behind and need to step down
	if res.Vote.Signature.Term > term {
		logger.Info("peer has higher term, stepping down",
			"peer", res.Peer.String(),
			"peer_term", res.Vote.Signature.Term,
		)
		s.stepDownLocked(res.Vote.Signature.Term)
		return true
	}

	if !res.Vote.Granted {
		logger.Debug("vote denied", "peer", res.Peer.String(), "peer_signature", res.Vote.Signature.String())
		return false
	}

	*granted++
	logger.Debug("vote granted", "peer", res.Peer.String(), "granted", *granted, "need", need)

	if *granted >= need {
		s.becomeLeaderLocked(logger)
		return true
	}

	return false
}

func (s *Server) isCandidate(term uint64) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.isCandidateLocked(term)
}

func (s *Server) isCandidateLocked(term uint64) bool {
	var _, ok = s.role.(*candidate)
	return ok && s.log.Term() == term
}

// becomeLeaderLocked starts tracking every follower from the applied cursor.
func (s *Server) becomeLeaderLocked(logger *slog.Logger) {
	logger.Info("became leader", "next_index", s.log.Applied())
	s.becomeLocked(newLeader(s.order, s.log.Applied()))
}
