// Package austream exposes the blocking stream-socket façade over AU:
// [Client] and [Server] for establishing connections, and [Conn] for
// the resulting byte stream. A single process-wide [broker.Broker]
// backs every façade value, since the broker owns the one raw receive
// socket a process needs regardless of how many connections it holds.
package austream

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/austream/au"
	"github.com/austream/au/broker"
	"github.com/austream/au/conn"
)

var (
	sharedBroker     *broker.Broker
	sharedBrokerOnce sync.Once
	sharedBrokerErr  error
)

func sharedBrokerInstance() (*broker.Broker, error) {
	sharedBrokerOnce.Do(func() {
		sock, err := broker.NewRawSocket()
		if err != nil {
			sharedBrokerErr = fmt.Errorf("%w: %w", au.ErrSocketError, err)
			return
		}
		openSend := func() (broker.SendSocket, error) { return broker.NewRawSocket() }
		sharedBroker = broker.New(sock, openSend, nil)
	})
	return sharedBroker, sharedBrokerErr
}

func resolveIPv4(host string) (au.Endpoint, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return au.Endpoint{}, fmt.Errorf("%w: %w", au.ErrHostResolve, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			var ep au.Endpoint
			copy(ep.Addr[:], v4)
			return ep, nil
		}
	}
	return au.Endpoint{}, fmt.Errorf("%w: %s has no IPv4 address", au.ErrHostResolve, host)
}

// Client is the active-open stream socket façade: resolve, connect,
// then send/recv directly on the Client itself.
type Client struct {
	clientPort, serverPort uint16
	host                   string

	conn *conn.Conn
}

// NewClient constructs a Client bound to clientPort that will connect
// to host:serverPort once [Client.Connect] is called. It does not
// resolve host or touch the network yet.
func NewClient(host string, clientPort, serverPort uint16) *Client {
	return &Client{host: host, clientPort: clientPort, serverPort: serverPort}
}

// Connect resolves the server's host and drives the handshake to
// completion, blocking until ESTABLISHED.
func (c *Client) Connect() error {
	b, err := sharedBrokerInstance()
	if err != nil {
		return err
	}
	remote, err := resolveIPv4(c.host)
	if err != nil {
		return err
	}
	remote.Port = c.serverPort
	local := au.Endpoint{Port: c.clientPort}

	cn, err := b.Dial(local, remote)
	if err != nil {
		return fmt.Errorf("%w: %w", au.ErrSocketError, err)
	}
	if err := cn.WaitUntilEstablished(context.Background()); err != nil {
		return err
	}
	c.conn = cn
	return nil
}

// Send writes buf to the connection, blocking until every byte has
// been accepted by the send window.
func (c *Client) Send(buf []byte) error {
	if c.conn == nil {
		return au.ErrSocketUninitialized
	}
	return c.conn.Send(buf)
}

// Recv blocks until len(buf) bytes have been delivered, or a stream
// error occurs.
func (c *Client) Recv(buf []byte) error {
	if c.conn == nil {
		return au.ErrSocketUninitialized
	}
	return c.conn.Recv(buf)
}

// Close gracefully shuts the connection down.
func (c *Client) Close() error {
	if c.conn == nil {
		return au.ErrSocketUninitialized
	}
	return c.conn.Shutdown(context.Background())
}

// Server is the passive-open stream socket façade: bind, then accept
// one established connection at a time.
type Server struct {
	listener *conn.Listener
}

// NewServer resolves host and binds a listener on port.
func NewServer(host string, port uint16) (*Server, error) {
	b, err := sharedBrokerInstance()
	if err != nil {
		return nil, err
	}
	local := au.Endpoint{Port: port}
	if host != "" && host != "0.0.0.0" {
		ep, err := resolveIPv4(host)
		if err != nil {
			return nil, err
		}
		local.Addr = ep.Addr
	}
	ln, err := b.Listen(local)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", au.ErrSocketError, err)
	}
	return &Server{listener: ln}, nil
}

// AcceptOneClient blocks until a connection completes its inbound
// handshake, then returns a façade wrapping it.
func (s *Server) AcceptOneClient(ctx context.Context) (*Conn, error) {
	cn, err := s.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", au.ErrSocketError, err)
	}
	return &Conn{conn: cn}, nil
}

// Conn is an established AU connection returned by
// [Server.AcceptOneClient].
type Conn struct {
	conn *conn.Conn
}

// Send writes buf, blocking until every byte has been accepted by the
// send window.
func (c *Conn) Send(buf []byte) error { return c.conn.Send(buf) }

// Recv blocks until len(buf) bytes have been delivered, or a stream
// error occurs.
func (c *Conn) Recv(buf []byte) error { return c.conn.Recv(buf) }

// Close gracefully shuts the connection down: drop → graceful
// shutdown, per the stream façade contract.
func (c *Conn) Close() error { return c.conn.Shutdown(context.Background()) }

// LocalEndpoint and RemoteEndpoint report the connection's bound
// addresses.
func (c *Conn) LocalEndpoint() au.Endpoint  { return c.conn.Local() }
func (c *Conn) RemoteEndpoint() au.Endpoint { return c.conn.Remote() }
