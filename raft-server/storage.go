package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PersistentState is the state that MUST be persisted and survive crashes.
type PersistentState struct {
	Term     uint64
	VotedFor string // endpoint voted for in Term, "" == haven't voted yet

	// Committed and Applied are restored too, so a restarted node neither
	// re-applies nor forgets what it already fed to the state machine
	Committed uint64
	Applied   uint64

	Entries []Entry
}

type Storage interface {
	Save(state PersistentState) error
	Load() (PersistentState, error)
	Close() error
}

const (
	// maxEndpointLen bounds a persisted "host:port", a longer one means a corrupt file.
	maxEndpointLen = 1024

	// maxCommandSize bounds a single entry payload, Propose refuses anything larger.
	maxCommandSize = 1 << 20
)

// FileStorage keeps the persistent state of one node in a single file.
type FileStorage struct {
	mx sync.Mutex
	fd *os.File // fd is a file descriptor to store persistence state
}

// NewFileStorage opens (or creates) the state file of self inside dataDir.
func NewFileStorage(dataDir string, self Endpoint) (*FileStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create data dir: %w", err)
	}

	var name = strings.NewReplacer(":", "_", "[", "", "]", "").Replace(self.String())
	var path = filepath.Join(dataDir, fmt.Sprintf("server-%s.dat", name))

	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	return &FileStorage{fd: fd}, nil
}

// Save writes the whole state, replacing the previous one.
/*
	The persistent state format is:
	[0..7]   - term        (8 bytes)
	[8..15]  - committed   (8 bytes)
	[16..23] - applied     (8 bytes)
	[24..27] - votedFor length (4 bytes), followed by votedFor bytes
	then     - entries count (8 bytes)
	then     - entries, each one with format:
	[0..7]   - term (uint64)
	[8..15]  - index (uint64)
	[16..19] - payload length (uint32)
	[20..]   - payload bytes
*/
func (s *FileStorage) Save(state PersistentState) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	var err error
	if err = s.fd.Truncate(0); err != nil {
		return err
	}

	if _, err = s.fd.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var header = make([]byte, 28, 28+len(state.VotedFor)+8)
	binary.BigEndian.PutUint64(header[0:8], state.Term)
	binary.BigEndian.PutUint64(header[8:16], state.Committed)
	binary.BigEndian.PutUint64(header[16:24], state.Applied)
	binary.BigEndian.PutUint32(header[24:28], uint32(len(state.VotedFor)))
	header = append(header, state.VotedFor...)
	header = binary.BigEndian.AppendUint64(header, uint64(len(state.Entries)))

	if _, err = s.fd.Write(header); err != nil {
		return fmt.Errorf("cannot write persistent state header: %w", err)
	}

	for i, entry := range state.Entries {
		var entryHeader = make([]byte, 20)
		binary.BigEndian.PutUint64(entryHeader[0:8], entry.Seq.Term)
		binary.BigEndian.PutUint64(entryHeader[8:16], entry.Seq.Index)
		binary.BigEndian.PutUint32(entryHeader[16:20], uint32(len(entry.Payload)))

		if _, err = s.fd.Write(entryHeader); err != nil {
			return fmt.Errorf("cannot write [%d] log entry header: %w", i, err)
		}

		if _, err = s.fd.Write(entry.Payload); err != nil {
			return fmt.Errorf("cannot write [%d] log entry payload: %w", i, err)
		}
	}

	if err = s.fd.Sync(); err != nil {
		return fmt.Errorf("cannot sync persistent state to disk: %w", err)
	}

	return nil
}

// Load reads the saved state. An empty file yields the zero state.
func (s *FileStorage) Load() (PersistentState, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	var state PersistentState

	if _, err := s.fd.Seek(0, io.SeekStart); err != nil {
		return state, err
	}

	var header = make([]byte, 28)
	if _, err := io.ReadFull(s.fd, header); err != nil {
		if errors.Is(err, io.EOF) {
			return state, nil
		}
		return state, fmt.Errorf("%w: cannot read header: %v", ErrCorruptState, err)
	}

	state.Term = binary.BigEndian.Uint64(header[0:8])
	state.Committed = binary.BigEndian.Uint64(header[8:16])
	state.Applied = binary.BigEndian.Uint64(header[16:24])

	var votedForLen = binary.BigEndian.Uint32(header[24:28])
	if votedForLen > maxEndpointLen {
		return state, fmt.Errorf("%w: voted for length %d", ErrCorruptState, votedForLen)
	}

	var votedFor = make([]byte, votedForLen)
	if _, err := io.ReadFull(s.fd, votedFor); err != nil {
		return state, fmt.Errorf("%w: cannot read voted for: %v", ErrCorruptState, err)
	}
	state.VotedFor = string(votedFor)

	var count = make([]byte, 8)
	if _, err := io.ReadFull(s.fd, count); err != nil {
		return state, fmt.Errorf("%w: cannot read entries count: %v", ErrCorruptState, err)
	}

	var n = binary.BigEndian.Uint64(count)
	state.Entries = make([]Entry, 0, min(n, 1024))

	for i := uint64(0); i < n; i++ {
		var entryHeader = make([]byte, 20)
		if _, err := io.ReadFull(s.fd, entryHeader); err != nil {
			return state, fmt.Errorf("%w: cannot read [%d] log entry header: %v", ErrCorruptState, i, err)
		}

		var entry Entry
		entry.Seq.Term = binary.BigEndian.Uint64(entryHeader[0:8])
		entry.Seq.Index = binary.BigEndian.Uint64(entryHeader[8:16])

		var payloadLen = binary.BigEndian.Uint32(entryHeader[16:20])
		if payloadLen > maxCommandSize {
			return state, fmt.Errorf("%w: [%d] log entry payload length %d", ErrCorruptState, i, payloadLen)
		}

		entry.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(s.fd, entry.Payload); err != nil {
			return state, fmt.Errorf("%w: cannot read [%d] log entry payload: %v", ErrCorruptState, i, err)
		}

		state.Entries = append(state.Entries, entry)
	}

	return state, nil
}

func (s *FileStorage) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.fd.Close()
}
