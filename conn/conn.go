// Package conn implements the AU per-endpoint-pair connection state
// machine: handshake, sliding-window data transfer with cumulative
// acknowledgement and retransmission, and teardown. It also implements
// the accept-queue [Listener] used for inbound connections.
//
// A Conn never opens sockets itself; it is handed a [Sender] to
// transmit packets and a [retry.Scheduler] to arm retransmissions,
// so the state machine can be exercised without a network.
package conn

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/austream/au"
	"github.com/austream/au/lockq"
	"github.com/austream/au/pkt"
	"github.com/austream/au/retry"
)

// State is a connection's position in the AU handshake/data/teardown
// lifecycle.
type State uint8

const (
	StateClosed State = iota
	StateSynSent
	StateSynRecv
	StateEstablished
	StateFinSent
	StateFinRecv
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRecv:
		return "SYN_RECV"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinSent:
		return "FIN_SENT"
	case StateFinRecv:
		return "FIN_RECV"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Sender transmits an already-addressed AU packet over the network. A
// Conn uses its own Sender for every packet it emits; the broker's
// shared receive socket is a separate concern entirely (see
// [github.com/austream/au/broker]).
type Sender interface {
	SendPacket(p pkt.Packet) error
}

// Deregisterer removes a terminated connection from the broker
// registry. Conn calls it exactly once, from inside its own lock, when
// reaching StateTerminated.
type Deregisterer interface {
	RemoveConnectionLocked(local, remote au.Endpoint)
}

// Conn is one AU connection. The zero value is not usable; construct
// with [NewOutbound] or [NewInbound].
type Conn struct {
	mu        *sync.Mutex // shared with sendWindow and recvQueue, see lockq.NewShared.
	stateCond *sync.Cond  // broadcasts on every state transition.

	// id correlates a connection's log lines across its lifetime,
	// independent of its endpoint pair (which a listener may reuse
	// once a prior connection through it has terminated).
	id string

	local, remote au.Endpoint
	state         State
	ackSN         uint32 // next in-order byte sequence number expected from the peer.
	ioErr         error  // sticky error: once set, Send/Recv report it instead of blocking.

	sendWindow *lockq.Queue
	recvQueue  *lockq.Queue

	sender     Sender
	scheduler  *retry.Scheduler
	registry   Deregisterer
	terminated chan struct{}

	onEstablished   func(*Conn)
	establishedOnce sync.Once

	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	retransmits atomic.Uint64

	log *slog.Logger
}

// BytesSent, BytesRecv and Retransmits report cumulative counters for
// use by a metrics collector; they are safe to read concurrently with
// all other Conn operations.
func (c *Conn) BytesSent() uint64   { return c.bytesSent.Load() }
func (c *Conn) BytesRecv() uint64   { return c.bytesRecv.Load() }
func (c *Conn) Retransmits() uint64 { return c.retransmits.Load() }

// Config bundles a new Conn's collaborators.
type Config struct {
	Local, Remote au.Endpoint
	Sender        Sender
	Scheduler     *retry.Scheduler
	Registry      Deregisterer
	Logger        *slog.Logger

	// OnEstablished, if set, is called exactly once when the
	// connection first reaches ESTABLISHED. A [Listener] uses this to
	// learn when an inbound connection it spawned is ready to be
	// accepted.
	OnEstablished func(*Conn)

	// InitialSendID, if set, overrides randomISN() as the source of the
	// connection's initial sequence number. Tests use this to position
	// a connection's sequence space deterministically, e.g. near the
	// uint32 wraparound boundary.
	InitialSendID func() uint32
}

func newConn(cfg Config) *Conn {
	mu := new(sync.Mutex)
	c := &Conn{
		mu:            mu,
		stateCond:     sync.NewCond(mu),
		id:            uuid.NewString(),
		local:         cfg.Local,
		remote:        cfg.Remote,
		state:         StateClosed,
		sendWindow:    lockq.NewShared(mu, int(au.WindowBytes)),
		recvQueue:     lockq.NewShared(mu, int(au.WindowBytes)),
		sender:        cfg.Sender,
		scheduler:     cfg.Scheduler,
		registry:      cfg.Registry,
		terminated:    make(chan struct{}),
		onEstablished: cfg.OnEstablished,
		log:           cfg.Logger,
	}
	isn := randomISN()
	if cfg.InitialSendID != nil {
		isn = cfg.InitialSendID()
	}
	c.sendWindow.ResetID(isn)
	return c
}

func randomISN() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is exceptional; fall back to a fixed
		// offset rather than an all-zero ISN.
		return 1
	}
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1 // begin_id-1 must not require wrapping below zero awkwardly; 0 is fine too, but avoid the degenerate all-zero ISN.
	}
	return v
}

// NewOutbound constructs a Conn in state CLOSED, ready for
// [Conn.StartConnection].
func NewOutbound(cfg Config) *Conn {
	return newConn(cfg)
}

// NewInbound constructs a Conn in state CLOSED, for a SYN the broker
// observed against a registered listener. The caller must immediately
// call [Conn.Deliver] with that SYN packet.
func NewInbound(cfg Config) *Conn {
	return newConn(cfg)
}

// Local and Remote return the connection's endpoint pair.
func (c *Conn) Local() au.Endpoint  { return c.local }
func (c *Conn) Remote() au.Endpoint { return c.remote }

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions the connection's state and wakes every waiter
// of WaitUntilEstablished. It must be called with c.mu held.
func (c *Conn) setState(s State) {
	c.state = s
	c.stateCond.Broadcast()
}

// WaitUntilEstablished blocks until the connection leaves CLOSED,
// SYN_SENT or SYN_RECV, returning nil once ESTABLISHED,
// [au.ErrSocketError] if it instead moved to a teardown state
// (FIN_SENT, FIN_RECV or TERMINATED), or ctx's error if ctx is done
// first.
func (c *Conn) WaitUntilEstablished(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.stateCond.Broadcast()
			c.mu.Unlock()
		case <-done:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state == StateSynSent || c.state == StateSynRecv || c.state == StateClosed {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.stateCond.Wait()
	}
	if c.state != StateEstablished {
		return au.ErrSocketError
	}
	return nil
}

func (c *Conn) debug(msg string, args ...any) {
	if c.log != nil {
		c.log.Debug(msg, append([]any{"conn", c.id, "local", c.local.String(), "remote", c.remote.String()}, args...)...)
	}
}

func (c *Conn) logErr(msg string, err error) {
	if c.log != nil {
		c.log.Error(msg, "conn", c.id, "local", c.local.String(), "remote", c.remote.String(), "err", err)
	}
}

// ID returns the connection's log-correlation identifier. It is stable
// for the lifetime of the Conn and has no wire significance.
func (c *Conn) ID() string { return c.id }

// notifyEstablished fires the OnEstablished hook exactly once. It is
// called with c.mu held, so the hook itself must not call back into c.
func (c *Conn) notifyEstablished() {
	if c.onEstablished == nil {
		return
	}
	c.establishedOnce.Do(func() { c.onEstablished(c) })
}

// sendPacket builds and transmits a packet with the given flags,
// sequence number and payload, stamping the connection's current
// ackSN. A send failure poisons the connection: it is recorded as a
// sticky ErrSocketIO and surfaces from the next Send/Recv call.
func (c *Conn) sendPacket(flags au.Flags, sn uint32, payload []byte) error {
	p := pkt.Packet{
		Source:  c.local,
		Dest:    c.remote,
		SN:      sn,
		AckSN:   c.ackSN,
		Flags:   flags,
		Payload: payload,
	}
	if err := c.sender.SendPacket(p); err != nil {
		c.ioErr = au.ErrSocketIO
		c.logErr("send failed", err)
		return au.ErrSocketIO
	}
	if len(payload) > 0 {
		c.bytesSent.Add(uint64(len(payload)))
	}
	return nil
}

// StartConnection begins an outbound handshake: CLOSED -> SYN_SENT.
func (c *Conn) StartConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return au.ErrSocketError
	}
	iss := c.sendWindow.BeginID() - 1
	if err := c.sendPacket(au.FlagSYN, iss, nil); err != nil {
		return err
	}
	c.setState(StateSynSent)
	c.debug("-> SYN_SENT", "sn", iss)
	c.armHandshakeRetry(StateSynSent, au.FlagSYN, iss)
	return nil
}

// armHandshakeRetry schedules a retransmission of a zero-payload
// handshake packet (SYN or SYN|ACK) as long as the
// connection is still in expectState when the timer fires.
func (c *Conn) armHandshakeRetry(expectState State, flags au.Flags, sn uint32) {
	c.scheduler.RetryAfter(au.SendACKTimeout, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != expectState {
			return true // already advanced past this handshake step.
		}
		if err := c.sendPacket(flags, sn, nil); err != nil {
			return true // poisoned; no point retrying.
		}
		c.retransmits.Add(1)
		c.debug("retransmit handshake", "flags", flags.String(), "sn", sn)
		return false
	})
}

// Deliver hands an inbound packet addressed to this connection to its
// state machine. It is called by the broker's dispatcher, which must
// not be holding the broker registry mutex when it calls this (Deliver
// takes the connection's own lock and may block on nothing, but the
// lock-ordering rule is broker -> connection, never the reverse).
func (c *Conn) Deliver(p pkt.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		c.rcvClosed(p)
	case StateSynSent:
		c.rcvSynSent(p)
	case StateSynRecv:
		c.rcvSynRecv(p)
	case StateEstablished, StateFinSent:
		c.rcvEstablishedOrFinSent(p)
	case StateFinRecv:
		c.rcvFinRecv(p)
	default:
		c.debug("dropped packet in terminal state", "flags", p.Flags.String())
	}
}

func (c *Conn) rcvClosed(p pkt.Packet) {
	if p.Flags != au.FlagSYN || len(p.Payload) != 0 {
		return // ill-formed for this state: dropped silently.
	}
	c.ackSN = p.SN + 1
	synAck := c.sendWindow.BeginID() - 1
	if c.sendPacket(au.FlagSYN|au.FlagACK, synAck, nil) != nil {
		return
	}
	c.setState(StateSynRecv)
	c.debug("CLOSED -> SYN_RECV")
	c.armHandshakeRetry(StateSynRecv, au.FlagSYN|au.FlagACK, synAck)
}

func (c *Conn) rcvSynSent(p pkt.Packet) {
	if p.Flags != (au.FlagSYN|au.FlagACK) || len(p.Payload) != 0 {
		return
	}
	if p.AckSN != c.sendWindow.BeginID() {
		return
	}
	c.ackSN = p.SN + 1
	sn := c.sendWindow.BeginID()
	if c.sendPacket(au.FlagACK, sn, nil) != nil {
		return
	}
	c.setState(StateEstablished)
	c.debug("SYN_SENT -> ESTABLISHED")
	c.notifyEstablished()
}

func (c *Conn) rcvSynRecv(p pkt.Packet) {
	if p.Flags != au.FlagACK || len(p.Payload) != 0 {
		return
	}
	if p.AckSN != c.sendWindow.BeginID() || p.SN != c.ackSN {
		return
	}
	c.setState(StateEstablished)
	c.debug("SYN_RECV -> ESTABLISHED")
	c.notifyEstablished()
}

// rcvEstablishedOrFinSent handles data-transfer packets (ESTABLISHED)
// as well as the FIN_SENT -> TERMINATED leg, since both states must
// keep admitting ACKs/data/FIN from the peer while a local shutdown is
// pending.
func (c *Conn) rcvEstablishedOrFinSent(p pkt.Packet) {
	if c.state == StateFinSent && p.Flags.Has(au.FlagFIN) {
		// The peer's response to our own FIN: acknowledge it and we're
		// done, no FIN_RECV detour needed since neither side keeps a
		// half-open connection open past its own FIN.
		c.ackSN = p.SN + 1
		sn := c.sendWindow.BeginID()
		if c.sendPacket(au.FlagACK, sn, nil) != nil {
			return
		}
		c.finishTeardown()
		return
	}
	if p.Flags.Has(au.FlagFIN) {
		c.rcvFIN(p)
		return
	}

	ackedSome := false
	if p.Flags.Has(au.FlagACK) {
		ackedSome = c.admitAck(p.AckSN)
	}
	acceptedSome := false
	if len(p.Payload) > 0 {
		acceptedSome = c.admitPayload(p.SN, p.Payload)
	}
	if acceptedSome {
		c.sendSomeData(au.FlagACK)
	} else if ackedSome {
		c.sendSomeData(0)
	}
}

// admitAck advances send_window.begin_id to ackSN if it names a byte
// inside (begin_id, end_id] of the window, popping acknowledged bytes.
// It reports whether anything was newly acknowledged.
func (c *Conn) admitAck(ackSN uint32) bool {
	begin, end := c.sendWindow.BeginID(), c.sendWindow.EndID()
	if !inWindowInclusive(ackSN, begin, end) {
		return false // not strictly within (begin, end]: stale, duplicate, or ahead of anything sent.
	}
	popped := c.sendWindow.PopUntilLocked(ackSN)
	return popped > 0
}

// inWindowInclusive reports whether v lies in (begin, end] under
// wrap-aware modular arithmetic.
func inWindowInclusive(v, begin, end uint32) bool {
	size := end - begin
	offset := v - begin
	return offset != 0 && offset <= size
}

// admitPayload appends the in-order remainder of an incoming segment
// to the receive queue: bytes before the local ackSN are duplicates
// and are skipped; bytes beyond the queue's free capacity are dropped
// (the sender will retransmit them, since they were never
// acknowledged). It reports whether any byte was newly accepted.
func (c *Conn) admitPayload(sn uint32, payload []byte) bool {
	offset := c.ackSN - sn
	if offset > uint32(len(payload)) {
		return false // entirely a duplicate, or starts past ackSN (out of order): nothing to admit.
	}
	fresh := payload[offset:]
	n, err := c.recvQueue.TrySendLocked(fresh)
	if err != nil || n == 0 {
		return false
	}
	c.ackSN += uint32(n)
	c.bytesRecv.Add(uint64(n))
	return true
}

// sendSomeData emits up to MaxSegmentSize bytes of unacknowledged
// window contents starting at begin_id, carrying flags, and arms a
// retransmission guarded on begin_id not having advanced.
func (c *Conn) sendSomeData(flags au.Flags) {
	begin := c.sendWindow.BeginID()
	var buf [au.MaxSegmentSize]byte
	n := c.sendWindow.PeekFromLocked(begin, buf[:])
	payload := append([]byte(nil), buf[:n]...)
	if n == 0 && flags == 0 {
		return // nothing to send and nothing to acknowledge.
	}
	if c.sendPacket(flags, begin, payload) != nil {
		return
	}
	if n > 0 {
		c.armDataRetry(begin, flags, payload)
	}
}

func (c *Conn) armDataRetry(capturedBegin uint32, flags au.Flags, payload []byte) {
	c.scheduler.RetryAfter(au.SendACKTimeout, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sendWindow.BeginID() != capturedBegin {
			return true // already acknowledged.
		}
		if c.sendPacket(flags, capturedBegin, payload) != nil {
			return true
		}
		c.retransmits.Add(1)
		c.debug("retransmit data", "begin", capturedBegin, "len", len(payload))
		return false
	})
}

func (c *Conn) rcvFIN(p pkt.Packet) {
	c.ackSN = p.SN + 1
	sn := c.sendWindow.BeginID()
	if c.sendPacket(au.FlagFIN|au.FlagACK, sn, nil) != nil {
		return
	}
	c.setState(StateFinRecv)
	c.debug("-> FIN_RECV")
}

func (c *Conn) rcvFinRecv(p pkt.Packet) {
	if p.Flags != au.FlagACK {
		return
	}
	c.finishTeardown()
}

// finishTeardown deregisters the connection and shuts down both
// queues. It must be called with c.mu held.
func (c *Conn) finishTeardown() {
	if c.state == StateTerminated {
		return
	}
	c.setState(StateTerminated)
	if c.registry != nil {
		c.registry.RemoveConnectionLocked(c.local, c.remote)
	}
	c.sendWindow.ShutdownLocked()
	c.recvQueue.ShutdownLocked()
	close(c.terminated)
	c.debug("-> TERMINATED")
}

// Send pushes buf into the send window in MaxSegmentSize-ish chunks,
// transmitting as each chunk lands, and returns once every byte has
// been accepted by the window (not necessarily acknowledged yet).
func (c *Conn) Send(buf []byte) error {
	for len(buf) > 0 {
		c.mu.Lock()
		if c.ioErr != nil {
			err := c.ioErr
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()

		chunk := buf
		if len(chunk) > au.MaxSegmentSize {
			chunk = chunk[:au.MaxSegmentSize]
		}
		if sendErr := c.sendWindow.Send(chunk); sendErr != nil {
			return au.ErrSocketIO
		}
		c.mu.Lock()
		c.sendSomeData(0)
		c.mu.Unlock()
		buf = buf[len(chunk):]
	}
	return nil
}

// Recv blocks until len(buf) bytes have been delivered from the
// receive queue or the connection closes, translating the queue's
// shutdown into the stream-level EOF error.
func (c *Conn) Recv(buf []byte) error {
	c.mu.Lock()
	ioErr := c.ioErr
	c.mu.Unlock()
	if ioErr != nil {
		return ioErr
	}
	if err := c.recvQueue.Recv(buf); err != nil {
		return au.ErrSocketEOF
	}
	return nil
}

// Shutdown initiates a graceful close: sends FIN, transitions to
// FIN_SENT, then blocks until the receive queue reports shutdown
// (either because the peer's FIN arrived and teardown completed, or
// because this side's teardown completed first).
func (c *Conn) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return nil
	}
	if c.state <= StateEstablished {
		sn := c.sendWindow.BeginID()
		_ = c.sendPacket(au.FlagFIN, sn, nil)
		c.setState(StateFinSent)
		c.debug("-> FIN_SENT")
	}
	c.mu.Unlock()

	select {
	case <-c.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
