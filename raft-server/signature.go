package server

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint identifies a node by the address its RPC server listens on.
type Endpoint struct {
	Host string
	Port uint16
}

// ParseEndpoint parses "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}

	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: empty host", s)
	}

	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}

	return Endpoint{Host: host, Port: uint16(p)}, nil
}

// ParseEndpoints parses every address, failing on the first invalid one.
func ParseEndpoints(addrs []string) ([]Endpoint, error) {
	var res = make([]Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		endpoint, err := ParseEndpoint(addr)
		if err != nil {
			return nil, err
		}
		res = append(res, endpoint)
	}
	return res, nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Endpoint) UnmarshalText(text []byte) error {
	endpoint, err := ParseEndpoint(string(text))
	if err != nil {
		return err
	}
	*e = endpoint
	return nil
}

// Signature stamps votes and receipts with the responder's view of the
// cluster at the moment they are issued. Never stored.
type Signature struct {
	Endpoint Endpoint    `json:"endpoint"`
	Term     uint64      `json:"term"`
	LastSeq  *SequenceID `json:"last_seq,omitempty"`
}

func (s Signature) String() string {
	return fmt.Sprintf("{endpoint=%s, term=%d, last_seq=%s}", s.Endpoint, s.Term, seqString(s.LastSeq))
}

// Vote is the answer to a RequestVote call.
type Vote struct {
	Granted   bool      `json:"granted"`
	Signature Signature `json:"signature"`
}

// Receipt is the answer to an Append call.
type Receipt struct {
	Success  bool     `json:"success"`
	Term     uint64   `json:"term"` // currentTerm, for leader to update itself
	Endpoint Endpoint `json:"endpoint"`
}
