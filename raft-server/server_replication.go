package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Propose appends a command to the leader's log. It is replicated on the
// next append rounds and applied once a majority holds it.
func (s *Server) Propose(payload []byte) (Entry, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.role.(*leader); !ok {
		return Entry{}, ErrNotLeader
	}

	if len(payload) > maxCommandSize {
		return Entry{}, fmt.Errorf("%w: %d bytes", ErrCommandTooLarge, len(payload))
	}

	var entry = s.log.Append(payload)

	if err := s.persistLocked(); err != nil {
		// never replicate what this node can't recover after a restart
		s.log.dropLast()
		return Entry{}, fmt.Errorf("cannot persist entry %s: %w", entry.Seq, err)
	}
	s.logger.Debug("entry proposed", "seq", entry.Seq.String())

	if len(s.order) == 0 {
		// alone in the cluster, nobody else has to hold it
		s.advanceCommitLocked(s.logger)
	}

	return entry, nil
}

// broadcast sends one append round to every follower and processes the
// receipts that arrive within a heartbeat interval.
func (s *Server) broadcast(ctx context.Context) {
	s.mx.Lock()

	var l, ok = s.role.(*leader)
	if !ok {
		s.mx.Unlock()
		return
	}

	l.lastRound = s.now()
	var term = s.log.Term()
	var round = uuid.NewString()
	var logger = s.logger.With("term", term, "round", round)

	var requests = make(map[Endpoint]AppendRequest, len(s.order))
	for _, peer := range s.order {
		requests[peer] = s.appendRequestLocked(term, l.followers[peer])
	}

	if len(requests) == 0 {
		s.advanceCommitLocked(logger)
		s.mx.Unlock()
		return
	}
	s.mx.Unlock()

	ctx, cancel := context.WithTimeout(WithRound(ctx, round), s.timing.Heartbeat)
	defer cancel()

	var receipts = make(chan AppendResult, len(requests))
	for peer, req := range requests {
		AppendAsync(ctx, peer, s.peers[peer], req, receipts)
	}

	for pending := len(requests); pending > 0; pending-- {
		var res AppendResult

		select {
		case <-ctx.Done():
			logger.Debug("append round ended", "missing", pending)
			return
		case res = <-receipts:
		}

		if res.Err != nil {
			logger.Debug("append failed", "peer", res.Peer.String(), "err", res.Err)
			continue
		}

		if stop := s.handleReceipt(term, res, logger); stop {
			return
		}
	}
}

// appendRequestLocked builds the request for one follower: everything from
// its next index, anchored at the entry right before it.
func (s *Server) appendRequestLocked(term uint64, d *Diverged) AppendRequest {
	var req = AppendRequest{
		Leader:    s.self,
		Term:      term,
		Entries:   s.log.From(d.NextIndex),
		Committed: s.log.Committed(),
	}

	if d.NextIndex > 0 {
		if prev, ok := s.log.At(d.NextIndex - 1); ok {
			var seq = prev.Seq
			req.Prev = &seq
		}
	}

	return req
}

// handleReceipt updates the follower's progress, reporting whether the round
// must stop because this node is no longer the leader of term.
func (s *Server) handleReceipt(term uint64, res AppendResult, logger *slog.Logger) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	var l, ok = s.role.(*leader)
	if !ok || s.log.Term() != term {
		return true
	}

	if res.Receipt.Term > term {
		logger.Info("follower has higher term, stepping down",
			"peer", res.Peer.String(),
			"peer_term", res.Receipt.Term,
		)
		s.stepDownLocked(res.Receipt.Term)
		return true
	}

	var d = l.followers[res.Peer]
	if d == nil {
		return false
	}

	// if log inconsistent, decrement next index and retry on the next round
	if !res.Receipt.Success {
		if d.NextIndex > 0 {
			d.NextIndex--
		}
		logger.Debug("follower rejected append", "peer", res.Peer.String(), "next_index", d.NextIndex)
		return false
	}

	var matched = res.Request.Prev
	if n := len(res.Request.Entries); n > 0 {
		var seq = res.Request.Entries[n-1].Seq
		matched = &seq
	}

	if matched != nil {
		d.NextIndex = matched.Index + 1
		if CompareSeq(matched, d.Matched) > 0 {
			d.Matched = matched
		}
	} else {
		d.NextIndex = 0
	}

	s.advanceCommitLocked(logger)
	return false
}

// advanceCommitLocked commits the highest entry of the current term held by
// a majority; earlier entries are committed with it.
func (s *Server) advanceCommitLocked(logger *slog.Logger) {
	var l, ok = s.role.(*leader)
	if !ok {
		return
	}

	var term = s.log.Term()
	var need = quorum(len(s.order))

	for n := s.log.Len(); n > s.log.Committed(); n-- {
		var entry, _ = s.log.At(n - 1)
		if entry.Seq.Term != term {
			// only entries from the current term are committed by counting replicas
			break
		}

		var count = 0
		for _, d := range l.followers {
			if d.Matched != nil && d.Matched.Index >= entry.Seq.Index {
				count++
			}
		}

		if count >= need {
			s.log.CommitTo(n)
			logger.Debug("entries committed", "committed", n)
			s.applyLocked()

			if err := s.persistLocked(); err != nil {
				logger.Error("cannot persist cursors", "err", err)
			}
			return
		}
	}
}
