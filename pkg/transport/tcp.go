package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrTimeout is returned by WaitReadable when no data arrived in time.
var ErrTimeout = errors.New("timed out waiting for data")

type dialer struct {
	bufSize     int
	dialTimeout time.Duration
	keepAlive   time.Duration
}

type Option func(*dialer)

func WithBufferSize(n int) Option {
	return func(d *dialer) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

func WithDialTimeout(t time.Duration) Option {
	return func(d *dialer) {
		if t > 0 {
			d.dialTimeout = t
		}
	}
}

func WithKeepAlive(t time.Duration) Option {
	return func(d *dialer) {
		d.keepAlive = t
	}
}

// Conn is a TCP stream with a read buffer that can be polled for readability
// without consuming data.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	d := dialer{
		bufSize:     64 * 1024,
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&d)
	}

	nd := net.Dialer{Timeout: d.dialTimeout, KeepAlive: d.keepAlive}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewConn(conn, d.bufSize), nil
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, bufSize int) *Conn {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &Conn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, bufSize),
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// WaitReadable blocks until at least one byte can be read without blocking or
// the timeout elapses. A timeout <= 0 waits indefinitely.
func (c *Conn) WaitReadable(timeout time.Duration) error {
	if c.reader.Buffered() > 0 {
		return nil
	}
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}
	_, err := c.reader.Peek(1)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return ErrTimeout
		}
		return err
	}
	return nil
}

// WaitReadableContext is WaitReadable that also returns early with ctx's
// error when ctx is done.
func (c *Conn) WaitReadableContext(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
		close(fired)
	})
	err := c.WaitReadable(timeout)
	if !stop() {
		<-fired
		_ = c.conn.SetReadDeadline(time.Time{})
		return ctx.Err()
	}
	return err
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection. Later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
