// Package au defines the shared wire constants, address types and error
// sentinels used by the AU transport: a user-space reliable, ordered
// byte-stream protocol carried directly over raw IPv4 datagrams on
// protocol number 151.
package au

import (
	"fmt"
	"time"
)

const (
	// IPProtoAU is the IPv4 protocol number AU rides on.
	IPProtoAU = 151

	// MaxSegmentSize is the largest payload an AU packet may carry.
	MaxSegmentSize = 1000
	// HeaderSize is the fixed size of the AU header, in bytes.
	HeaderSize = 20
	// WindowBytes is the fixed capacity of both the send window and the
	// receive queue of every connection.
	WindowBytes = 4096
	// SendACKTimeout is the retransmission timeout armed after every
	// unacknowledged segment is sent.
	SendACKTimeout = 100 * time.Millisecond
)

// Flags is the set of AU header control bits.
type Flags uint8

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	s := ""
	for _, p := range []struct {
		bit  Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"}} {
		if f.Has(p.bit) {
			if s != "" {
				s += "|"
			}
			s += p.name
		}
	}
	return s
}

// Endpoint identifies an IPv4 address and port pair. The zero Addr is the
// wildcard address, which matches any concrete address when used as a
// listener key.
type Endpoint struct {
	Addr [4]byte
	Port uint16
}

// IsWildcard reports whether e's address is 0.0.0.0.
func (e Endpoint) IsWildcard() bool { return e.Addr == [4]byte{} }

// MatchesListener reports whether e (a candidate destination endpoint)
// would be accepted by a listener bound to ln.
func (e Endpoint) MatchesListener(ln Endpoint) bool {
	return ln.Port == e.Port && (ln.IsWildcard() || ln.Addr == e.Addr)
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.Addr[0], e.Addr[1], e.Addr[2], e.Addr[3], e.Port)
}
