// Package sensorclient provides a TCP client that talks to the ingest server
// the way the sensor applications do: connect, send text records, and send
// the close sentinel before disconnecting.
package sensorclient

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// ConnectionState represents the current state of the client connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected yet
	Connecting                          // Dial in progress
	Connected                           // Ready to send
	Closed                              // Closed; the client cannot be reused
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Config holds configuration for the sensor client.
type Config struct {
	// Address is the "host:port" of the ingest server.
	Address string
	// Sentinel is sent by Close before the socket is closed.
	Sentinel string
	// Delimiter is appended to every record, e.g. "\n" for a server using
	// line framing. Empty sends records as-is.
	Delimiter string
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ConnectionTimeout is the max duration for establishing the connection.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with defaults: Sentinel "CLOSE", no delimiter,
//     WriteTimeout 10s, ConnectionTimeout 10s
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		Sentinel:          "CLOSE",
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client sends records to an ingest server over one TCP connection. It is
// safe for concurrent use; concurrent Sends are serialized.
type Client struct {
	config Config

	mu    sync.Mutex
	conn  net.Conn
	state ConnectionState
}

// New creates a client in Disconnected state; call Connect before sending.
func New(config Config) *Client {
	return &Client{
		config: config,
		state:  Disconnected,
	}
}

// Connect dials the configured address.
//
// Returns:
//   - nil on success; otherwise an error if the client is closed, already
//     connected, or the dial fails
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return fmt.Errorf("client is closed")
	case Connected, Connecting:
		return fmt.Errorf("already connected or connecting")
	}

	c.state = Connecting
	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.state = Disconnected
		return fmt.Errorf("failed to connect to %s: %w", c.config.Address, err)
	}

	c.conn = conn
	c.state = Connected
	return nil
}

// Send writes one record followed by the configured delimiter.
//
// Parameters:
//   - record: Record text; it is not modified
//
// Returns:
//   - nil on success; an error if not connected or the write fails
func (c *Client) Send(record string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.write(record + c.config.Delimiter)
}

// Close sends the sentinel and closes the connection. Calling Close on a
// closed or never-connected client is a no-op.
//
// Returns:
//   - The error from sending the sentinel or closing the socket, if any
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected {
		c.state = Closed
		return nil
	}

	sendErr := c.write(c.config.Sentinel)
	closeErr := c.conn.Close()
	c.conn = nil
	c.state = Closed

	if sendErr != nil {
		return fmt.Errorf("failed to send sentinel: %w", sendErr)
	}

	return closeErr
}

// Abort closes the connection without sending the sentinel, like a sensor
// application that crashed.
func (c *Client) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.state = Closed
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.state = Closed
	return err
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalAddr returns the client side address of the connection, or "" when
// not connected.
func (c *Client) LocalAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ""
	}

	return c.conn.LocalAddr().String()
}

// write sends data; caller must hold c.mu.
func (c *Client) write(data string) error {
	if c.state != Connected || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}

	_, err := c.conn.Write([]byte(data))
	return err
}
