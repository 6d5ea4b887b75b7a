// Package foxglove publishes the device head pose and raw state to Foxglove
// Studio over the Foxglove websocket protocol.
package foxglove

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vruitrack/pkg/engine"
	"vruitrack/pkg/pose"
	"vruitrack/pkg/protocol"
)

const (
	headChannelID   uint64 = 1
	stateChannelID  uint64 = 2
	markerChannelID uint64 = 3

	markerTypeCube    = 1
	markerActionAdd   = 0
	shutdownGrace     = 5 * time.Second
	headMarkerEdgeLen = 0.2
)

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type Time struct {
	Sec  uint32 `json:"sec"`
	Nsec uint32 `json:"nsec"`
}

func toTime(ts time.Time) Time {
	return Time{Sec: uint32(ts.Unix()), Nsec: uint32(ts.Nanosecond())}
}

type FrameTransform struct {
	Timestamp     Time       `json:"timestamp"`
	ParentFrameID string     `json:"parent_frame_id"`
	ChildFrameID  string     `json:"child_frame_id"`
	Translation   Vector3    `json:"translation"`
	Rotation      Quaternion `json:"rotation"`
}

type FrameTransforms struct {
	Transforms []FrameTransform `json:"transforms"`
}

type MarkerHeader struct {
	FrameID string `json:"frame_id"`
	Stamp   Time   `json:"stamp"`
}

type MarkerPose struct {
	Position    Vector3    `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

type ColorRGBA struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

type Marker struct {
	Header MarkerHeader `json:"header"`
	NS     string       `json:"ns"`
	ID     int32        `json:"id"`
	Type   int32        `json:"type"`
	Action int32        `json:"action"`
	Pose   MarkerPose   `json:"pose"`
	Scale  Vector3      `json:"scale"`
	Color  ColorRGBA    `json:"color"`
}

type StateMessage struct {
	Session   string                   `json:"session,omitempty"`
	Seq       uint64                   `json:"seq"`
	TS        string                   `json:"ts,omitempty"`
	Trackers  []protocol.TrackerSample `json:"trackers"`
	Buttons   []bool                   `json:"buttons"`
	Valuators []float32                `json:"valuators"`
}

// Server is a Foxglove websocket server. It is a pose.Sink for the head
// transform and, given a hub, republishes every state snapshot.
type Server struct {
	cfg    Config
	hub    *engine.Hub
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	addr    net.Addr
	ready   chan struct{}
}

var (
	_ pose.Sink     = (*Server)(nil)
	_ pose.Notifier = (*Server)(nil)
)

type frame struct {
	msgType int
	data    []byte
}

type client struct {
	conn *websocket.Conn
	send chan frame
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

func NewServer(cfg Config, hub *engine.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		hub:     hub,
		logger:  logger,
		clients: make(map[*client]struct{}),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	httpServer := &http.Server{Handler: mux}

	if s.hub != nil {
		if sub := s.hub.Subscribe(); sub != nil {
			go s.broadcastLoop(ctx, sub)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.logger.Info("foxglove bridge listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		c.close()
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		c.close()
		return
	}
	s.addClient(c)
	s.logger.Debug("foxglove client connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop(s.channels())

	c.close()
	s.removeClient(c)
	s.logger.Debug("foxglove client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:           OpServerInfo,
		Name:         s.cfg.Name,
		Capabilities: []string{},
		Metadata: map[string]string{
			"parent_frame": s.cfg.ParentFrameID,
			"head_frame":   s.cfg.FrameID,
		},
		SessionID: uuid.NewString(),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	return AdvertiseMsg{
		Op: OpAdvertise,
		Channels: []Channel{
			{
				ID:             headChannelID,
				Topic:          s.cfg.HeadTopic,
				Encoding:       "json",
				SchemaName:     "foxglove.FrameTransforms",
				SchemaEncoding: "jsonschema",
				Schema:         frameTransformsSchema,
			},
			{
				ID:             stateChannelID,
				Topic:          s.cfg.StateTopic,
				Encoding:       "json",
				SchemaName:     "vruitrack.ServerState",
				SchemaEncoding: "jsonschema",
				Schema:         stateSchema,
			},
			{
				ID:             markerChannelID,
				Topic:          s.cfg.MarkerTopic,
				Encoding:       "json",
				SchemaName:     "visualization_msgs/Marker",
				SchemaEncoding: "jsonschema",
				Schema:         markerSchema,
			},
		},
	}
}

func (s *Server) channels() map[uint64]struct{} {
	return map[uint64]struct{}{
		headChannelID:   {},
		stateChannelID:  {},
		markerChannelID: {},
	}
}

// SetHeadPose publishes the head transform and marker to subscribed clients.
func (s *Server) SetHeadPose(_ context.Context, p pose.Pose) error {
	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := s.publish(headChannelID, ts, s.frameTransforms(p, ts)); err != nil {
		return err
	}
	return s.publish(markerChannelID, ts, s.marker(p, ts))
}

// Notify sends a status message to every connected client. Errors the pose
// driver can recover from are warnings; the rest are errors.
func (s *Server) Notify(_ context.Context, err error) {
	if err == nil {
		return
	}
	level := StatusError
	if pose.Recoverable(err) {
		level = StatusWarning
	}
	data, mErr := json.Marshal(StatusMsg{Op: OpStatus, Level: level, Message: err.Error()})
	if mErr != nil {
		s.logger.Warn("encode status failed", "err", mErr)
		return
	}
	for _, c := range s.snapshotClients() {
		c.trySend(frame{msgType: websocket.TextMessage, data: data})
	}
}

func (s *Server) frameTransforms(p pose.Pose, ts time.Time) FrameTransforms {
	return FrameTransforms{Transforms: []FrameTransform{{
		Timestamp:     toTime(ts),
		ParentFrameID: s.cfg.ParentFrameID,
		ChildFrameID:  s.cfg.FrameID,
		Translation:   Vector3{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z},
		Rotation:      quaternion(p),
	}}}
}

func (s *Server) marker(p pose.Pose, ts time.Time) Marker {
	return Marker{
		Header: MarkerHeader{FrameID: s.cfg.ParentFrameID, Stamp: toTime(ts)},
		NS:     "vruitrack.head",
		ID:     1,
		Type:   markerTypeCube,
		Action: markerActionAdd,
		Pose: MarkerPose{
			Position:    Vector3{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z},
			Orientation: quaternion(p),
		},
		Scale: Vector3{X: headMarkerEdgeLen, Y: headMarkerEdgeLen, Z: headMarkerEdgeLen},
		Color: ColorRGBA{R: 0.2, G: 0.6, B: 1, A: 1},
	}
}

func quaternion(p pose.Pose) Quaternion {
	q := p.Orientation
	if q.Real == 0 && q.Imag == 0 && q.Jmag == 0 && q.Kmag == 0 {
		return Quaternion{W: 1}
	}
	return Quaternion{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real}
}

func stateMessage(snap protocol.Snapshot) StateMessage {
	msg := StateMessage{
		Session:   snap.Session,
		Seq:       snap.Seq,
		Trackers:  snap.State.Trackers,
		Buttons:   snap.State.Buttons,
		Valuators: snap.State.Valuators,
	}
	if !snap.Time.IsZero() {
		msg.TS = snap.Time.UTC().Format(time.RFC3339Nano)
	}
	return msg
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			ts := snap.Time
			if ts.IsZero() {
				ts = time.Now()
			}
			if err := s.publish(stateChannelID, ts, stateMessage(snap)); err != nil {
				s.logger.Warn("publish state failed", "err", err)
			}
		}
	}
}

func (s *Server) publish(channelID uint64, ts time.Time, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(frame{msgType: websocket.BinaryMessage, data: EncodeMessageData(subID, logTime, payload)})
		}
	}
	return nil
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

// Subscribers returns the number of active subscriptions across clients.
func (s *Server) Subscribers() int {
	n := 0
	for _, c := range s.snapshotClients() {
		c.mu.RLock()
		n += len(c.subs)
		c.mu.RUnlock()
	}
	return n
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	return &client{
		conn: conn,
		send: make(chan frame, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(channels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := channels[sub.ChannelID]; ok {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(msg.msgType, msg.data); err != nil {
			c.close()
			return
		}
	}
}

// trySend drops msg when the client's buffer is full or the client is closed.
func (c *client) trySend(msg frame) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
