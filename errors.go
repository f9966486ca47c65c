package au

import "errors"

// Error taxonomy surfaced to applications through the austream façade,
// per the failure semantics of the transport: programmer misuse,
// resolution failure, setup failure, wire I/O failure and peer-driven
// close each get one sentinel, checked with errors.Is.
var (
	// ErrSocketUninitialized is returned when an operation is attempted
	// on a façade value that was never connected/listened.
	ErrSocketUninitialized = errors.New("au: socket uninitialized")
	// ErrHostResolve is returned when a hostname fails to resolve to an
	// IPv4 endpoint.
	ErrHostResolve = errors.New("au: host resolve failed")
	// ErrSocketError is returned on raw-socket setup failure or on
	// duplicate registration of a listener or connection endpoint.
	ErrSocketError = errors.New("au: socket error")
	// ErrSocketIO is returned when a send/recv system call fails, or when
	// a connection's internal queues observe shutdown on the send side.
	ErrSocketIO = errors.New("au: socket I/O error")
	// ErrSocketEOF is returned when the peer has cleanly closed its side
	// of the connection and no more bytes will arrive.
	ErrSocketEOF = errors.New("au: socket EOF")
	// ErrInvalidPacket is returned by the codec for a malformed or
	// checksum-invalid packet. It is never surfaced to applications: the
	// broker logs and drops it.
	ErrInvalidPacket = errors.New("au: invalid packet")
	// ErrShutDown is returned by a lockq.Queue's blocking Send/Recv once
	// Shutdown has been called.
	ErrShutDown = errors.New("au: queue shut down")
)
