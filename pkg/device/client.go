// Package device implements the client side of the VR device tag protocol:
// connect handshake, activation, single-shot packet polls and streaming.
//
// A Client owns one TCP connection and the latest ServerState. The state is
// written only by the receive path (FetchPacket, or the stream goroutine while
// streaming) and always under the client's state mutex, so readers never see a
// partially updated sample.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vruitrack/pkg/engine"
	"vruitrack/pkg/metrics"
	"vruitrack/pkg/protocol"
	"vruitrack/pkg/transport"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultPollTimeout    = 10 * time.Second
	DefaultResendAfter    = 3
)

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithResendAfter sets how many consecutive poll timeouts an outstanding
// PACKET_REQUEST survives before the next poll sends a fresh one.
func WithResendAfter(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.resendAfter = n
		}
	}
}

func WithMetrics(m *metrics.Client) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithHub publishes a snapshot to hub for every decoded packet.
func WithHub(hub *engine.Hub) Option {
	return func(c *Client) {
		c.hub = hub
	}
}

func WithDialOptions(opts ...transport.Option) Option {
	return func(c *Client) {
		c.dialOpts = append(c.dialOpts, opts...)
	}
}

type Client struct {
	logger         *slog.Logger
	connectTimeout time.Duration
	pollTimeout    time.Duration
	resendAfter    int
	metrics        *metrics.Client
	hub            *engine.Hub
	dialOpts       []transport.Option

	// opMu serializes foreground protocol operations.
	opMu     sync.Mutex
	conn     *transport.Conn
	log      *slog.Logger
	awaiting bool
	timeouts int
	scratch  []byte

	mu         sync.Mutex
	phase      Phase
	session    string
	addr       string
	state      *protocol.ServerState
	seq        uint64
	packets    chan struct{}
	streamDone chan struct{}
	streamErr  error
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		logger:         slog.Default(),
		connectTimeout: DefaultConnectTimeout,
		pollTimeout:    DefaultPollTimeout,
		resendAfter:    DefaultResendAfter,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.logger
	return c
}

// Connect opens the connection and performs the layout handshake. On any
// failure the connection is torn down and the client stays Disconnected.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Phase() != Disconnected {
		return ErrAlreadyConnected
	}
	c.setPhase(Connecting)

	conn, err := transport.Dial(ctx, addr, c.dialOpts...)
	if err != nil {
		c.setPhase(Disconnected)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conn = conn

	layout, err := c.handshake(ctx)
	if err != nil {
		c.teardown()
		c.logger.Warn("connect failed", "addr", addr, "err", err)
		return err
	}

	session := uuid.NewString()
	c.mu.Lock()
	c.state = protocol.NewServerState(layout)
	c.session = session
	c.addr = addr
	c.seq = 0
	c.phase = LayoutKnown
	c.mu.Unlock()

	c.awaiting = false
	c.timeouts = 0
	c.scratch = make([]byte, protocol.StateSize(layout))
	c.log = c.logger.With("session", session, "addr", addr)
	c.metrics.SetConnected(true)
	c.log.Info("connected",
		"trackers", layout.Trackers,
		"buttons", layout.Buttons,
		"valuators", layout.Valuators,
	)
	return nil
}

func (c *Client) handshake(ctx context.Context) (protocol.Layout, error) {
	if err := protocol.EncodeTag(c.conn, protocol.ConnectRequest); err != nil {
		return protocol.Layout{}, err
	}
	if err := c.conn.WaitReadableContext(ctx, c.connectTimeout); err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return protocol.Layout{}, fmt.Errorf("%w after %s", ErrConnectTimeout, c.connectTimeout)
		}
		return protocol.Layout{}, fmt.Errorf("wait for connect reply: %w", err)
	}
	tag, err := protocol.DecodeTag(c.conn)
	if err != nil {
		return protocol.Layout{}, err
	}
	if tag != protocol.ConnectReply {
		c.metrics.Mismatch(protocol.ConnectReply.String())
		return protocol.Layout{}, &MismatchError{Want: protocol.ConnectReply, Got: tag}
	}
	return protocol.DecodeLayout(c.conn)
}

// Activate asks the server to start serving packets. It is a no-op when the
// session is already active.
func (c *Client) Activate() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.Phase() {
	case Disconnected, Connecting:
		return ErrNotConnected
	case Active, Streaming:
		return nil
	}
	if err := c.send(protocol.ActivateRequest); err != nil {
		return err
	}
	c.setPhase(Active)
	c.log.Debug("activated")
	return nil
}

// Deactivate is a no-op when the session is not active. A streaming session
// must be stopped first.
func (c *Client) Deactivate() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.deactivate()
}

func (c *Client) deactivate() error {
	switch c.Phase() {
	case Streaming:
		return ErrStreaming
	case Active:
	default:
		return nil
	}
	if err := c.send(protocol.DeactivateRequest); err != nil {
		return err
	}
	c.setPhase(LayoutKnown)
	c.log.Debug("deactivated")
	return nil
}

// FetchPacket requests one state packet and waits up to the poll timeout for
// the reply. On ErrPollTimeout the state is unchanged and the request stays
// outstanding: the next call waits for its reply instead of sending another.
// A reply with the wrong tag is reported as a *MismatchError.
func (c *Client) FetchPacket(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.Phase() {
	case Streaming:
		return ErrStreaming
	case Active:
	case LayoutKnown:
		return ErrNotActive
	default:
		return ErrNotConnected
	}

	if !c.awaiting {
		if err := c.send(protocol.PacketRequest); err != nil {
			return err
		}
		c.awaiting = true
	}

	start := time.Now()
	if err := c.conn.WaitReadableContext(ctx, c.pollTimeout); err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			c.metrics.PollTimeout()
			c.timeouts++
			if c.timeouts >= c.resendAfter {
				// The request may have been dropped; a late reply is still
				// consumed by a later poll.
				c.awaiting = false
				c.timeouts = 0
			}
			c.log.Warn("packet request timed out", "timeout", c.pollTimeout, "resend", !c.awaiting)
			return ErrPollTimeout
		}
		if ctx.Err() != nil {
			return err
		}
		c.metrics.TransportError()
		return fmt.Errorf("wait for packet reply: %w", err)
	}

	tag, err := protocol.DecodeTag(c.conn)
	if err != nil {
		c.metrics.TransportError()
		return err
	}
	c.awaiting = false
	c.timeouts = 0
	if tag != protocol.PacketReply {
		c.metrics.Mismatch(protocol.PacketReply.String())
		c.log.Warn("reply tag mismatch", "want", protocol.PacketReply, "got", tag, "known", tag.Valid())
		return &MismatchError{Want: protocol.PacketReply, Got: tag}
	}
	if err := c.receiveState(c.conn, c.scratch); err != nil {
		c.metrics.TransportError()
		return err
	}
	c.metrics.ObservePoll(time.Since(start))
	return nil
}

// StartStream switches the server to pushing packets and starts the receive
// goroutine. It is a no-op when already streaming.
func (c *Client) StartStream() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.Phase() {
	case Streaming:
		return nil
	case Active:
	case LayoutKnown:
		return ErrNotActive
	default:
		return ErrNotConnected
	}
	if err := c.send(protocol.StartStreamRequest); err != nil {
		return err
	}
	// A reply still owed to an earlier poll arrives as an ordinary stream packet.
	c.awaiting = false
	c.timeouts = 0

	done := make(chan struct{})
	c.mu.Lock()
	c.packets = make(chan struct{}, 1)
	c.streamDone = done
	c.streamErr = nil
	c.phase = Streaming
	c.mu.Unlock()

	c.metrics.StreamStarted()
	c.log.Info("stream started")
	go c.receiveLoop(c.conn, c.scratch, done)
	return nil
}

// receiveLoop owns all reads from conn until it exits.
func (c *Client) receiveLoop(conn *transport.Conn, scratch []byte, done chan<- struct{}) {
	defer close(done)
	for {
		tag, err := protocol.DecodeTag(conn)
		if err != nil {
			c.metrics.TransportError()
			c.endStream(fmt.Errorf("stream: %w", err))
			return
		}
		switch tag {
		case protocol.PacketReply:
			if err := c.receiveState(conn, scratch); err != nil {
				c.metrics.TransportError()
				c.endStream(fmt.Errorf("stream: %w", err))
				return
			}
		case protocol.StopStreamReply:
			c.endStream(nil)
			return
		default:
			c.metrics.Mismatch(protocol.PacketReply.String())
			c.log.Warn("stream tag mismatch", "want", protocol.PacketReply, "got", tag, "known", tag.Valid())
			c.endStream(&MismatchError{Want: protocol.PacketReply, Got: tag})
			return
		}
	}
}

func (c *Client) endStream(err error) {
	c.mu.Lock()
	c.streamErr = err
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("stream ended", "err", err)
	} else {
		c.log.Info("stream stopped")
	}
}

// StopStream asks the server to stop pushing packets and waits for the
// receive goroutine to see STOPSTREAM_REPLY and exit. If the goroutine had
// already ended on an error, that error is returned wrapped in ErrStreamClosed
// and the caller should Close the client.
func (c *Client) StopStream(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopStream(ctx)
}

func (c *Client) stopStream(ctx context.Context) error {
	if c.Phase() != Streaming {
		return nil
	}
	c.mu.Lock()
	done := c.streamDone
	c.mu.Unlock()

	select {
	case <-done:
		c.setPhase(Active)
		if err := c.StreamErr(); err != nil {
			return fmt.Errorf("%w: %w", ErrStreamClosed, err)
		}
		return nil
	default:
	}

	if err := c.send(protocol.StopStreamRequest); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.setPhase(Active)
	return c.StreamErr()
}

// StreamErr returns why the last receive goroutine ended, or nil if it ended
// on STOPSTREAM_REPLY or is still running.
func (c *Client) StreamErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamErr
}

// WaitPacket blocks until the stream goroutine decodes a new packet. It
// returns ErrStreamClosed once the goroutine has exited.
func (c *Client) WaitPacket(ctx context.Context) error {
	c.mu.Lock()
	packets, done := c.packets, c.streamDone
	c.mu.Unlock()
	if done == nil {
		return ErrStreamClosed
	}
	select {
	case <-packets:
		return nil
	case <-done:
		select {
		case <-packets:
			return nil
		default:
		}
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveState reads one PACKET_REPLY payload and applies it under the state
// mutex. The socket read happens before the lock is taken.
func (c *Client) receiveState(r io.Reader, scratch []byte) error {
	if _, err := io.ReadFull(r, scratch); err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	now := time.Now()

	c.mu.Lock()
	protocol.UnmarshalState(scratch, c.state)
	c.seq++
	var snap protocol.Snapshot
	if c.hub != nil {
		snap = protocol.Snapshot{Session: c.session, Seq: c.seq, Time: now, State: c.state.Clone()}
	}
	packets := c.packets
	c.mu.Unlock()

	if packets != nil {
		select {
		case packets <- struct{}{}:
		default:
		}
	}
	if c.hub != nil {
		c.hub.TryPublish(snap)
	}
	c.metrics.PacketDecoded(now)
	return nil
}

// Close ends the session: it stops streaming, deactivates, sends
// DISCONNECT_REQUEST and closes the socket. The client is always Disconnected
// afterwards; the returned error joins any failures along the way.
func (c *Client) Close(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Phase() == Disconnected {
		return nil
	}
	var errs []error
	if err := c.stopStream(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.Phase() == Active {
		if err := c.deactivate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Phase() != Streaming {
		if err := c.send(protocol.DisconnectRequest); err != nil {
			errs = append(errs, err)
		}
	}
	c.teardown()
	c.log.Info("disconnected")
	return errors.Join(errs...)
}

// teardown closes the socket and waits for a running receive goroutine.
func (c *Client) teardown() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Lock()
	done := c.streamDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.phase = Disconnected
	c.mu.Unlock()
	c.conn = nil
	c.awaiting = false
	c.timeouts = 0
	c.metrics.SetConnected(false)
}

func (c *Client) send(tag protocol.Tag) error {
	if err := protocol.EncodeTag(c.conn, tag); err != nil {
		c.metrics.TransportError()
		return err
	}
	return nil
}

func (c *Client) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Client) Active() bool {
	p := c.Phase()
	return p == Active || p == Streaming
}

func (c *Client) Streaming() bool {
	return c.Phase() == Streaming
}

// SessionID identifies the current connection in logs and recordings.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) Layout() protocol.Layout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Layout()
}

// State returns a copy of the latest sample.
func (c *Client) State() protocol.ServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Seq counts decoded packets in the current session.
func (c *Client) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// ReadState calls f with the live state while holding the state mutex. It
// reports false without calling f before the first successful Connect.
func (c *Client) ReadState(f func(*protocol.ServerState)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return false
	}
	f(c.state)
	return true
}
