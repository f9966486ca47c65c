// Package broker owns the process-wide registry of AU listeners and
// connections and the single raw-socket reader goroutine that
// demultiplexes inbound datagrams to them.
//
// The locking discipline is: the broker's own mutex is always
// acquired before a connection's mutex, and the broker always releases
// its mutex before calling into a connection in a way that might
// block. A connection never calls back into the broker while holding
// its own lock except through [conn.Deregisterer], which only removes
// the registry entry and closes that connection's send socket, under
// the broker's lock.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/austream/au"
	"github.com/austream/au/conn"
	"github.com/austream/au/internal"
	"github.com/austream/au/pkt"
	"github.com/austream/au/retry"
)

type connKey struct {
	local, remote au.Endpoint
}

// Broker demultiplexes inbound AU packets to connections and
// listeners over one shared receive socket. Each connection sends over
// its own socket, opened on demand via openSend — mirroring spec.md's
// data model, where the broker owns the raw receive socket and every
// connection owns its own raw send socket. The zero value is not
// usable; construct with [New].
type Broker struct {
	mu        sync.Mutex
	conns     map[connKey]*connEntry
	listeners map[au.Endpoint]*conn.Listener

	recvSock Receiver
	openSend func() (SendSocket, error)

	scheduler *retry.Scheduler
	log       *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// connEntry pairs a registered connection with the send socket opened
// for it, so the socket can be closed once the connection terminates.
type connEntry struct {
	conn   *conn.Conn
	sender *connSender
}

// Receiver is the broker's shared receive-socket capability: every
// inbound AU packet for the process, regardless of which connection it
// belongs to, arrives through one of these.
type Receiver interface {
	ReadPacket() (pkt.Packet, error)
	Close() error
}

// SendSocket is a connection's own send-only socket, opened fresh for
// each connection by openSend. [*RawSocket] satisfies this (and
// [Receiver]) without needing a separate type for each role.
type SendSocket interface {
	WritePacket(p pkt.Packet) error
	Close() error
}

// New starts a Broker reading from recvSock on a dedicated goroutine.
// openSend is called once per connection (inbound or outbound) to open
// that connection's dedicated send socket. The caller owns recvSock's
// lifetime only insofar as calling [Broker.Close] closes it.
func New(recvSock Receiver, openSend func() (SendSocket, error), log *slog.Logger) *Broker {
	b := &Broker{
		conns:     make(map[connKey]*connEntry),
		listeners: make(map[au.Endpoint]*conn.Listener),
		recvSock:  recvSock,
		openSend:  openSend,
		scheduler: retry.New(),
		log:       log,
		closed:    make(chan struct{}),
	}
	go b.readLoop()
	return b
}

// Scheduler returns the broker's shared retry scheduler, so new
// connections can be built against it.
func (b *Broker) Scheduler() *retry.Scheduler { return b.scheduler }

// Close stops the reader goroutine, closes the underlying socket and
// the retry scheduler. It does not tear down existing connections.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.recvSock.Close()
		b.scheduler.Close()
		close(b.closed)
	})
	return err
}

func (b *Broker) readLoop() {
	backoff := internal.NewBackoff()
	for {
		p, err := b.recvSock.ReadPacket()
		if errors.Is(err, au.ErrInvalidPacket) {
			if b.log != nil {
				b.log.Debug("dropped invalid packet", "err", err)
			}
			continue
		}
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
			}
			if b.log != nil {
				b.log.Error("raw socket read failed", "err", err)
			}
			backoff.Miss()
			continue
		}
		backoff.Hit()
		b.dispatch(p)
	}
}

// dispatch routes an inbound packet to an existing connection, or — if
// it is a bare SYN against a registered listener — spawns a new
// inbound connection for it.
func (b *Broker) dispatch(p pkt.Packet) {
	key := connKey{local: p.Dest, remote: p.Source}

	b.mu.Lock()
	if entry, ok := b.conns[key]; ok {
		b.mu.Unlock()
		entry.conn.Deliver(p)
		return
	}
	if p.Flags != au.FlagSYN {
		b.mu.Unlock()
		if b.log != nil {
			b.log.Debug("dropped packet for unknown connection",
				internal.SlogAddr4("local_addr", &p.Dest.Addr), "local_port", p.Dest.Port,
				internal.SlogAddr4("remote_addr", &p.Source.Addr), "remote_port", p.Source.Port)
		}
		return
	}
	ln, ok := b.findListenerLocked(p.Dest)
	if !ok {
		b.mu.Unlock()
		return
	}
	sock, err := b.openSend()
	if err != nil {
		b.mu.Unlock()
		if b.log != nil {
			b.log.Error("open per-connection send socket failed", "err", err)
		}
		return
	}
	sender := &connSender{sock: sock}
	c := conn.NewInbound(conn.Config{
		Local: p.Dest, Remote: p.Source,
		Sender:    sender,
		Scheduler: b.scheduler,
		Registry:  b,
		Logger:    b.log,
		OnEstablished: func(c *conn.Conn) {
			ln.Offer(c)
		},
	})
	b.conns[key] = &connEntry{conn: c, sender: sender}
	b.mu.Unlock()
	c.Deliver(p)
}

// findListenerLocked finds the listener bound to local, preferring an
// exact address match over a wildcard-address listener on the same
// port.
func (b *Broker) findListenerLocked(local au.Endpoint) (*conn.Listener, bool) {
	if ln, ok := b.listeners[local]; ok {
		return ln, true
	}
	for ep, ln := range b.listeners {
		if local.MatchesListener(ep) {
			return ln, true
		}
	}
	return nil, false
}

// Listen registers a [conn.Listener] so inbound SYNs against its local
// endpoint spawn connections. It returns an error if the endpoint is
// already bound.
func (b *Broker) Listen(local au.Endpoint) (*conn.Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.listeners[local]; exists {
		return nil, fmt.Errorf("au: address %s already in use: %w", local.String(), errAddrInUse)
	}
	ln := conn.NewListener(local)
	b.listeners[local] = ln
	return ln, nil
}

var errAddrInUse = errors.New("address in use")

// Unlisten removes a previously registered listener, refusing further
// SYNs against its endpoint.
func (b *Broker) Unlisten(ln *conn.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, ln.Local())
	ln.Close()
}

// Dial registers and starts an outbound connection to remote from
// local, returning it already in SYN_SENT.
func (b *Broker) Dial(local, remote au.Endpoint) (*conn.Conn, error) {
	key := connKey{local: local, remote: remote}
	b.mu.Lock()
	if _, exists := b.conns[key]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("au: connection %s->%s already exists: %w", local.String(), remote.String(), errAddrInUse)
	}
	b.mu.Unlock()

	sock, err := b.openSend()
	if err != nil {
		return nil, fmt.Errorf("au: open send socket for %s->%s: %w", local.String(), remote.String(), err)
	}
	sender := &connSender{sock: sock}

	b.mu.Lock()
	if _, exists := b.conns[key]; exists {
		b.mu.Unlock()
		sock.Close()
		return nil, fmt.Errorf("au: connection %s->%s already exists: %w", local.String(), remote.String(), errAddrInUse)
	}
	c := conn.NewOutbound(conn.Config{
		Local: local, Remote: remote,
		Sender:    sender,
		Scheduler: b.scheduler,
		Registry:  b,
		Logger:    b.log,
	})
	b.conns[key] = &connEntry{conn: c, sender: sender}
	b.mu.Unlock()

	if err := c.StartConnection(); err != nil {
		b.mu.Lock()
		delete(b.conns, key)
		b.mu.Unlock()
		sock.Close()
		return nil, err
	}
	return c, nil
}

// Snapshot returns the connections currently registered with the
// broker, for a metrics collector to iterate without holding the
// broker's lock while it does so.
func (b *Broker) Snapshot() []*conn.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*conn.Conn, 0, len(b.conns))
	for _, entry := range b.conns {
		out = append(out, entry.conn)
	}
	return out
}

// RemoveConnectionLocked implements [conn.Deregisterer]. It is called
// by a Conn's own goroutine while that Conn holds its own lock, so it
// must never block or attempt to re-enter that Conn. It also closes
// the connection's dedicated send socket, since nothing else ever
// will.
//
// The entry is removed at once, with no TIME_WAIT-like delay: the same
// (local, remote) pair can be registered again immediately, and a late
// retransmission from the previous connection's peer is then delivered
// to the new connection.
func (b *Broker) RemoveConnectionLocked(local, remote au.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := connKey{local: local, remote: remote}
	if entry, ok := b.conns[key]; ok {
		entry.sender.sock.Close()
	}
	delete(b.conns, key)
}

// connSender forwards a connection's outbound packets to that
// connection's own send socket; the packet itself already carries both
// endpoints.
type connSender struct {
	sock SendSocket
}

func (s *connSender) SendPacket(p pkt.Packet) error {
	return s.sock.WritePacket(p)
}
