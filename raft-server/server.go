package server

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Timing holds the protocol intervals.
type Timing struct {
	ElectionMin time.Duration // lower bound of the randomized election timeout
	ElectionMax time.Duration // upper bound of the randomized election timeout
	Heartbeat   time.Duration // leader's append/heartbeat period
}

// DefaultTiming returns 100-500ms election timeouts and a heartbeat of half
// the minimum, so followers see a heartbeat well before they time out.
func DefaultTiming() Timing {
	return Timing{
		ElectionMin: 100 * time.Millisecond,
		ElectionMax: 500 * time.Millisecond,
		Heartbeat:   50 * time.Millisecond,
	}
}

// StateMachine receives committed entries in log order.
type StateMachine interface {
	Apply(cmd []byte) ([]byte, error)
}

type Option func(*Server)

func WithTiming(timing Timing) Option {
	return func(s *Server) {
		if timing.Heartbeat <= 0 {
			timing.Heartbeat = timing.ElectionMin / 2
		}
		s.timing = timing
	}
}

// WithStorage persists term, vote, entries and cursors after every change.
func WithStorage(storage Storage) Option {
	return func(s *Server) { s.storage = storage }
}

func WithStateMachine(sm StateMachine) Option {
	return func(s *Server) { s.sm = sm }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server is the role state machine of one node. It owns the log, the role
// and the peer clients; Step, Propose and the Handle* entry points serialize
// on a single mutex.
type Server struct {
	self  Endpoint
	peers map[Endpoint]PeerClient
	order []Endpoint // peers sorted, for stable fan-out and logs

	mx sync.Mutex

	log  *Log
	role role

	timing  Timing
	storage Storage
	sm      StateMachine
	logger  *slog.Logger
	now     func() time.Time

	// wakeCh is signalled on role changes and heartbeats so the driver loop
	// and an in-flight election re-evaluate right away
	wakeCh chan struct{}
}

// NewServer builds a node from already applied entries. Peers equal to self
// are ignored.
func NewServer(self Endpoint, entries []Entry, peers []Endpoint, connect Connector, opts ...Option) *Server {
	return RestoreServer(self, NewLog(entries).snapshot(nil), peers, connect, opts...)
}

// RestoreServer builds a node from persisted state. Entries up to the applied
// cursor are replayed into the state machine, which is volatile.
func RestoreServer(self Endpoint, state PersistentState, peers []Endpoint, connect Connector, opts ...Option) *Server {
	var s = &Server{
		self:   self,
		peers:  make(map[Endpoint]PeerClient, len(peers)),
		log:    RestoreLog(state),
		timing: DefaultTiming(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		wakeCh: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("self", self.String())

	for _, peer := range peers {
		if peer == self {
			continue
		}
		if _, ok := s.peers[peer]; ok {
			continue
		}

		s.peers[peer] = connect(peer)
		s.order = append(s.order, peer)
	}
	sort.Slice(s.order, func(i, j int) bool {
		return s.order[i].String() < s.order[j].String()
	})

	var votedFor *Endpoint
	if state.VotedFor != "" && state.Term == s.log.Term() {
		if endpoint, err := ParseEndpoint(state.VotedFor); err == nil {
			votedFor = &endpoint
		} else {
			s.logger.Warn("ignoring persisted vote", "voted_for", state.VotedFor, "err", err)
		}
	}
	s.role = s.newFollower(votedFor)

	if s.sm != nil && s.log.Applied() > 0 {
		for i := uint64(0); i < s.log.Applied(); i++ {
			var entry, _ = s.log.At(i)
			if _, err := s.sm.Apply(entry.Payload); err != nil {
				s.logger.Warn("replay failed", "seq", entry.Seq.String(), "err", err)
			}
		}
	}

	s.logger.Info("server created",
		"term", s.log.Term(),
		"entries", s.log.Len(),
		"committed", s.log.Committed(),
		"applied", s.log.Applied(),
		"peers", len(s.order),
	)

	return s
}

// Interval reports how long the driver should wait before the next Step.
// false means step immediately and let Step block, which is what a
// candidate does while collecting votes.
func (s *Server) Interval() (time.Duration, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	switch r := s.role.(type) {
	case *follower:
		return max(r.deadline().Sub(s.now()), 0), true
	case *leader:
		if r.lastRound.IsZero() {
			return 0, true
		}
		return max(r.lastRound.Add(s.timing.Heartbeat).Sub(s.now()), 0), true
	default:
		return 0, false
	}
}

// Step runs the active role once: a follower checks its heartbeat deadline,
// a candidate runs an election, a leader sends one round of appends.
func (s *Server) Step(ctx context.Context) {
	s.mx.Lock()
	var current = s.role.state()
	s.mx.Unlock()

	switch current {
	case Follower:
		s.stepFollower()
	case Candidate:
		s.runElection(ctx)
	case Leader:
		s.broadcast(ctx)
	}
}

// Run drives the node until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.logger.Info("started")
	defer s.logger.Info("stopped")

	for {
		if wait, ok := s.Interval(); ok && wait > 0 {
			var timer = time.NewTimer(wait)

			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.wakeCh:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		if ctx.Err() != nil {
			return
		}

		s.Step(ctx)
	}
}

func (s *Server) stepFollower() {
	s.mx.Lock()
	defer s.mx.Unlock()

	var f, ok = s.role.(*follower)
	if !ok || s.now().Before(f.deadline()) {
		return
	}

	s.logger.Info("no heartbeat from leader", "term", s.log.Term(), "timeout", f.timeout)
	s.becomeLocked(&candidate{})
}

func (s *Server) newFollower(votedFor *Endpoint) *follower {
	return &follower{
		votedFor:      votedFor,
		lastHeartbeat: s.now(),
		timeout:       electionInterval(s.timing.ElectionMin, s.timing.ElectionMax),
	}
}

func (s *Server) becomeLocked(r role) {
	var from = s.role.state()
	s.role = r

	if from != r.state() {
		s.logger.Info("role changed", "from", from.String(), "to", r.state().String(), "term", s.log.Term())
	}
	s.notify()
}

// stepDownLocked adopts a higher term seen from a peer and demotes to follower.
func (s *Server) stepDownLocked(term uint64) {
	s.log.SetTerm(term)
	s.becomeLocked(s.newFollower(nil))

	if err := s.persistLocked(); err != nil {
		s.logger.Error("cannot persist term", "term", term, "err", err)
	}
}

func (s *Server) notify() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Server) votedForLocked() *Endpoint {
	switch r := s.role.(type) {
	case *follower:
		return r.votedFor
	default:
		// candidates and leaders voted for themselves in their term
		var self = s.self
		return &self
	}
}

func (s *Server) persistLocked() error {
	if s.storage == nil {
		return nil
	}

	return s.storage.Save(s.log.snapshot(s.votedForLocked()))
}

func (s *Server) applyLocked() {
	var err = s.log.Apply(func(entry Entry) error {
		if s.sm == nil {
			return nil
		}

		if _, err := s.sm.Apply(entry.Payload); err != nil {
			// a rejected command is still consumed, the log stays the source of truth
			s.logger.Warn("state machine rejected entry", "seq", entry.Seq.String(), "err", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("cannot apply entries", "err", err)
	}
}

func (s *Server) signatureLocked() Signature {
	return Signature{Endpoint: s.self, Term: s.log.Term(), LastSeq: s.log.LastSeqID()}
}

func (s *Server) Self() Endpoint {
	return s.self
}

// Peers returns the other cluster members.
func (s *Server) Peers() []Endpoint {
	return append([]Endpoint(nil), s.order...)
}

// State returns the current term and whether this node believes it leads.
func (s *Server) State() (uint64, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.log.Term(), s.role.state() == Leader
}

func (s *Server) Role() State {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.role.state()
}

func (s *Server) Term() uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.log.Term()
}

// Signature returns the node's current signature.
func (s *Server) Signature() Signature {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.signatureLocked()
}

// Leader returns the leader known in the current term.
func (s *Server) Leader() (Endpoint, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	switch r := s.role.(type) {
	case *leader:
		return s.self, true
	case *follower:
		if r.leader != nil {
			return *r.leader, true
		}
	}
	return Endpoint{}, false
}

// Progress returns a copy of the per-follower replication state, nil unless
// this node leads.
func (s *Server) Progress() map[Endpoint]Diverged {
	s.mx.Lock()
	defer s.mx.Unlock()

	var l, ok = s.role.(*leader)
	if !ok {
		return nil
	}

	var res = make(map[Endpoint]Diverged, len(l.followers))
	for peer, d := range l.followers {
		res[peer] = *d
	}
	return res
}

func (s *Server) Entries() []Entry {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.log.From(0)
}

// Cursors returns the commit and apply cursors.
func (s *Server) Cursors() (committed, applied uint64) {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.log.Committed(), s.log.Applied()
}
