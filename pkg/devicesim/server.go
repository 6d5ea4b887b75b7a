// Package devicesim runs a simulated VR device server speaking the tag protocol.
// It backs the `vruid mock` command and the device client tests.
package devicesim

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"vruitrack/pkg/protocol"
)

// Generator fills st with the sample for t seconds since the server started.
type Generator func(t float64, st *protocol.ServerState)

type Server struct {
	ln          net.Listener
	layout      protocol.Layout
	gen         Generator
	interval    time.Duration
	replyDelay  time.Duration
	splitWrites bool
	overrides   map[protocol.Tag]protocol.Tag
	silent      map[protocol.Tag]bool
	logger      *slog.Logger
	start       time.Time

	mu       sync.Mutex
	received []protocol.Tag
	sent     int
	sessions map[*session]struct{}
	notify   chan struct{}

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

type Option func(*Server)

func WithGenerator(gen Generator) Option {
	return func(s *Server) {
		if gen != nil {
			s.gen = gen
		}
	}
}

// WithStreamRate sets how many packets per second are pushed while streaming.
func WithStreamRate(hz int) Option {
	return func(s *Server) {
		if hz > 0 {
			s.interval = time.Second / time.Duration(hz)
		}
	}
}

// WithReplyDelay delays every PACKET_REPLY sent in answer to a PACKET_REQUEST.
func WithReplyDelay(d time.Duration) Option {
	return func(s *Server) {
		s.replyDelay = d
	}
}

// WithSplitWrites sends each tag as two one-byte writes.
func WithSplitWrites() Option {
	return func(s *Server) {
		s.splitWrites = true
	}
}

// WithReplyOverride answers req with a bare reply tag instead of the normal reply.
func WithReplyOverride(req protocol.Tag, reply protocol.Tag) Option {
	return func(s *Server) {
		s.overrides[req] = reply
	}
}

// WithSilence makes the server ignore req.
func WithSilence(req protocol.Tag) Option {
	return func(s *Server) {
		s.silent[req] = true
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Listen starts serving on addr.
func Listen(addr string, layout protocol.Layout, opts ...Option) (*Server, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:        ln,
		layout:    layout,
		gen:       Orbit,
		interval:  20 * time.Millisecond,
		overrides: make(map[protocol.Tag]protocol.Tag),
		silent:    make(map[protocol.Tag]bool),
		logger:    slog.Default(),
		start:     time.Now(),
		sessions:  make(map[*session]struct{}),
		notify:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener and drops every open session.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.ln.Close()
		s.mu.Lock()
		for sess := range s.sessions {
			_ = sess.conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}

// Serve blocks until ctx is done, then closes the server.
func (s *Server) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.closed:
	}
	return s.Close()
}

// Received returns the request tags seen so far, in arrival order.
func (s *Server) Received() []protocol.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Tag(nil), s.received...)
}

// Count returns how many times tag has been received.
func (s *Server) Count(tag protocol.Tag) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.received {
		if t == tag {
			n++
		}
	}
	return n
}

// PacketsSent returns the number of PACKET_REPLY messages written.
func (s *Server) PacketsSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// WaitFor blocks until tag has been received n times or ctx ends.
func (s *Server) WaitFor(ctx context.Context, tag protocol.Tag, n int) error {
	for {
		s.mu.Lock()
		count := 0
		for _, t := range s.received {
			if t == tag {
				count++
			}
		}
		notify := s.notify
		s.mu.Unlock()
		if count >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// Inject writes a bare tag to every open session.
func (s *Server) Inject(tag protocol.Tag) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.write(tag, nil)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		sess := &session{srv: s, conn: conn, state: protocol.NewServerState(s.layout)}
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run()
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) record(tag protocol.Tag) {
	s.mu.Lock()
	s.received = append(s.received, tag)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

type session struct {
	srv   *Server
	conn  net.Conn
	state *protocol.ServerState

	writeMu sync.Mutex
	stateMu sync.Mutex
	active  bool

	streamStop chan struct{}
	streamDone chan struct{}
}

func (c *session) run() {
	defer c.conn.Close()
	defer c.stopStream()

	logger := c.srv.logger.With("remote", c.conn.RemoteAddr().String())
	reader := bufio.NewReader(c.conn)
	for {
		tag, err := protocol.DecodeTag(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("session read ended", "err", err)
			}
			return
		}
		c.srv.record(tag)
		logger.Debug("request", "tag", tag)

		if c.srv.silent[tag] {
			continue
		}
		if reply, ok := c.srv.overrides[tag]; ok {
			if err := c.write(reply, nil); err != nil {
				return
			}
			continue
		}

		switch tag {
		case protocol.ConnectRequest:
			if err := c.write(protocol.ConnectReply, encodeLayout(c.srv.layout)); err != nil {
				return
			}
		case protocol.ActivateRequest:
			c.active = true
		case protocol.DeactivateRequest:
			c.active = false
		case protocol.PacketRequest:
			if !c.active {
				logger.Warn("packet request before activate")
				continue
			}
			if c.srv.replyDelay > 0 {
				time.Sleep(c.srv.replyDelay)
			}
			if err := c.writePacket(); err != nil {
				return
			}
		case protocol.StartStreamRequest:
			if !c.active {
				logger.Warn("stream request before activate")
				continue
			}
			c.startStream()
		case protocol.StopStreamRequest:
			c.stopStream()
			if err := c.write(protocol.StopStreamReply, nil); err != nil {
				return
			}
		case protocol.DisconnectRequest:
			return
		default:
			logger.Warn("unknown request", "tag", tag)
		}
	}
}

func (c *session) writePacket() error {
	c.stateMu.Lock()
	c.srv.gen(time.Since(c.srv.start).Seconds(), c.state)
	payload := protocol.AppendState(nil, c.state)
	c.stateMu.Unlock()
	if err := c.write(protocol.PacketReply, payload); err != nil {
		return err
	}
	c.srv.mu.Lock()
	c.srv.sent++
	c.srv.mu.Unlock()
	return nil
}

func (c *session) write(tag protocol.Tag, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	head := protocol.AppendTag(nil, tag)
	if c.srv.splitWrites {
		if _, err := c.conn.Write(head[:1]); err != nil {
			return err
		}
		time.Sleep(2 * time.Millisecond)
		if _, err := c.conn.Write(head[1:]); err != nil {
			return err
		}
		if len(payload) == 0 {
			return nil
		}
		_, err := c.conn.Write(payload)
		return err
	}
	_, err := c.conn.Write(append(head, payload...))
	return err
}

func (c *session) startStream() {
	if c.streamStop != nil {
		return
	}
	c.streamStop = make(chan struct{})
	c.streamDone = make(chan struct{})
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.srv.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.writePacket(); err != nil {
					return
				}
			}
		}
	}(c.streamStop, c.streamDone)
}

func (c *session) stopStream() {
	if c.streamStop == nil {
		return
	}
	close(c.streamStop)
	<-c.streamDone
	c.streamStop = nil
	c.streamDone = nil
}

func encodeLayout(layout protocol.Layout) []byte {
	var buf bytes.Buffer
	_ = protocol.EncodeLayout(&buf, layout)
	return buf.Bytes()
}
