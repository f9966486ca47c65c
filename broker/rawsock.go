//go:build linux

package broker

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/austream/au"
	"github.com/austream/au/pkt"
)

// RawSocket transmits and receives AU packets over a raw IPv4 socket
// bound to protocol 151. It satisfies both the broker's [Receiver] and
// [SendSocket] interfaces and is the only piece of this module that
// talks to the kernel's network stack.
type RawSocket struct {
	raw *ipv4.RawConn
	buf []byte
}

// NewRawSocket opens a raw IPv4 socket for protocol [au.IPProtoAU].
// It requires CAP_NET_RAW (or root).
func NewRawSocket() (*RawSocket, error) {
	pc, err := net.ListenPacket(fmt.Sprintf("ip4:%d", au.IPProtoAU), "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("au: open raw socket: %w", err)
	}
	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("au: wrap raw socket: %w", err)
	}
	tuneBuffers(pc)
	return &RawSocket{raw: raw, buf: make([]byte, 65535)}, nil
}

// tuneBuffers widens the socket's receive buffer so a burst of
// inbound segments across many connections doesn't overrun the kernel
// socket buffer before the broker's reader goroutine drains it.
func tuneBuffers(pc net.PacketConn) {
	sc, ok := pc.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, 1<<20)
	})
}

// ReadPacket blocks until the next AU packet arrives, decoding and
// validating it against [pkt.Decode].
func (s *RawSocket) ReadPacket() (pkt.Packet, error) {
	header, payload, _, err := s.raw.ReadFrom(s.buf)
	if err != nil {
		return pkt.Packet{}, fmt.Errorf("%w: %w", au.ErrSocketIO, err)
	}
	src := au.Endpoint{Addr: toAddr4(header.Src)}
	dst := au.Endpoint{Addr: toAddr4(header.Dst)}
	return pkt.Decode(payload, src, dst)
}

// WritePacket encodes and transmits p over the raw socket, addressed
// by p.Source/p.Dest.
func (s *RawSocket) WritePacket(p pkt.Packet) error {
	buf := make([]byte, pkt.HeaderSize+len(p.Payload))
	n, err := pkt.Encode(p, buf)
	if err != nil {
		return err
	}
	header := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + n,
		TTL:      64,
		Protocol: au.IPProtoAU,
		Dst:      net.IP(p.Dest.Addr[:]),
		Src:      net.IP(p.Source.Addr[:]),
	}
	if err := s.raw.WriteTo(header, buf[:n], nil); err != nil {
		return fmt.Errorf("%w: %w", au.ErrSocketIO, err)
	}
	return nil
}

// Close releases the underlying socket.
func (s *RawSocket) Close() error {
	return s.raw.Close()
}

func toAddr4(ip net.IP) [4]byte {
	var a [4]byte
	if v4 := ip.To4(); v4 != nil {
		copy(a[:], v4)
	}
	return a
}
