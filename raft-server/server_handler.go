package server

import "log/slog"

// HandleRequestVote decides whether to grant a candidate's vote request. The
// vote carries this node's signature so a stale candidate learns the newer term.
func (s *Server) HandleRequestVote(req VoteRequest) Vote {
	s.mx.Lock()
	defer s.mx.Unlock()

	var logger = s.logger.With("candidate", req.signature().String())
	var granted = s.grantLocked(req, logger)

	return Vote{Granted: granted, Signature: s.signatureLocked()}
}

func (s *Server) grantLocked(req VoteRequest, logger *slog.Logger) bool {
	// check the relevance of the requested term, reject if it's lower
	if req.Term < s.log.Term() {
		logger.Debug("deny vote: candidate term is stale", "term", s.log.Term())
		return false
	}

	// the only way a candidate or a leader ends up granting: step down first
	if req.Term > s.log.Term() {
		logger.Debug("candidate has higher term, converting to follower", "term", s.log.Term())
		s.stepDownLocked(req.Term)
	}

	var f, ok = s.role.(*follower)
	if !ok {
		logger.Debug("deny vote: already competing in this term", "role", s.role.state().String())
		return false
	}

	// check if we've already voted in this term
	if f.votedFor != nil && *f.votedFor != req.Candidate {
		logger.Debug("deny vote: already voted", "voted_for", f.votedFor.String())
		return false
	}

	// candidate's log must be at least as up to date as ours, counting entries
	// not applied yet: one of them may already be committed by the leader
	var own = s.log.Last()
	if CompareSeq(req.LastSeq, own) < 0 {
		logger.Debug("deny vote: candidate log is behind",
			"candidate_last_seq", seqString(req.LastSeq),
			"last_seq", seqString(own),
		)
		return false
	}

	var prev = f.votedFor
	var candidate = req.Candidate
	f.votedFor = &candidate

	if err := s.persistLocked(); err != nil {
		// don't grant a vote if server can't persist
		f.votedFor = prev
		logger.Error("deny vote: cannot persist", "err", err)
		return false
	}

	f.lastHeartbeat = s.now()
	s.notify()

	logger.Debug("vote granted")
	return true
}

// HandleAppend processes a heartbeat or a replication request from a leader.
func (s *Server) HandleAppend(req AppendRequest) Receipt {
	s.mx.Lock()
	defer s.mx.Unlock()

	var logger = s.logger.With("leader", req.Leader.String(), "leader_term", req.Term)
	var success = s.appendLocked(req, logger)

	return Receipt{Success: success, Term: s.log.Term(), Endpoint: s.self}
}

func (s *Server) appendLocked(req AppendRequest, logger *slog.Logger) bool {
	// sender is stale, our term in the receipt tells it to step down
	if req.Term < s.log.Term() {
		logger.Debug("reject append: leader term is stale", "term", s.log.Term())
		return false
	}

	if req.Term > s.log.Term() {
		s.stepDownLocked(req.Term)
	}

	var f *follower
	switch r := s.role.(type) {
	case *follower:
		f = r
	case *candidate:
		// someone won this term, keep the self vote so it can't be given twice
		var self = s.self
		f = s.newFollower(&self)
		s.becomeLocked(f)
	case *leader:
		invariant("leader %s got append from %s in its own term %d", s.self, req.Leader, req.Term)
	}

	var leaderEndpoint = req.Leader
	f.leader = &leaderEndpoint
	f.lastHeartbeat = s.now()
	s.notify()

	// the entry before the new ones must match, otherwise the leader
	// backs off and resends from an earlier index
	if req.Prev != nil && !s.log.Contains(*req.Prev) {
		logger.Debug("reject append: missing previous entry", "prev", req.Prev.String(), "entries", s.log.Len())
		return false
	}

	// entries must start right after prev, matched below relies on it
	var first uint64
	if req.Prev != nil {
		first = req.Prev.Index + 1
	}
	if len(req.Entries) > 0 && req.Entries[0].Seq.Index != first {
		logger.Warn("reject append: entries don't follow prev",
			"prev", seqString(req.Prev),
			"first", req.Entries[0].Seq.String(),
		)
		return false
	}

	var changed = len(req.Entries) > 0
	if changed {
		if err := s.log.Merge(req.Entries); err != nil {
			logger.Warn("reject append", "err", err)
			return false
		}
	}

	// commit no further than what this request proved to match the leader
	var matched = first + uint64(len(req.Entries))

	if s.log.CommitTo(min(req.Committed, matched)) {
		s.applyLocked()
		changed = true
	}

	if changed {
		if err := s.persistLocked(); err != nil {
			logger.Error("reject append: cannot persist", "err", err)
			return false
		}
	}

	return true
}
