// Package session implements the per-device Session actor (spec §4.2): it
// owns one WebSocket connection, enforces the heartbeat and rate limit, and
// mediates between the socket and the Hub.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleethub/broker/internal/config"
	"github.com/fleethub/broker/internal/logger"
	"github.com/fleethub/broker/internal/metrics"
	"github.com/fleethub/broker/internal/model"
	"github.com/fleethub/broker/internal/ratelimit"
)

// state is the session's lifecycle stage (spec §4.2 state machine).
type state int

const (
	stateStarting state = iota
	stateActive
	stateClosing
	stateClosed
)

// closeCodeRestart is sent to the peer when the hub shuts the session down
// for a server restart (spec §6.6 CLOSE_CODE_RESTART).
const closeCodeRestart = websocket.CloseServiceRestart

// sendQueueDepth is the outbound buffer depth; a slow peer that fills this
// up gets its connection dropped rather than blocking the hub.
const sendQueueDepth = 32

// HubPort is the subset of *hub.Hub a Session needs. Kept narrow so the
// session package never imports hub directly (hub already imports session's
// sibling webhook package; this also keeps the two testable in isolation).
type HubPort interface {
	Disconnect(accountID, deviceID, deviceTypeID string)
	RegisterTopics(accountID, deviceID string, topics []string)
	Publish(msg model.PublishMessage)
}

// Conn is the subset of *websocket.Conn a Session uses, so tests can swap in
// a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	SetPingHandler(h func(string) error)
	Close() error
}

// Session is one connected device's actor.
type Session struct {
	ID           string
	accountID    string
	deviceID     string
	deviceTypeID string
	rateLimit    int

	conn Conn
	hub  HubPort

	send chan model.PublishMessage

	mu           sync.Mutex
	st           state
	lastActivity time.Time

	limiter *ratelimit.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Session. Call Run to start it; Run blocks until the
// connection closes.
func New(accountID, deviceID, deviceTypeID string, rateLimit int, conn Conn, h HubPort) *Session {
	return &Session{
		ID:           uuid.NewString(),
		accountID:    accountID,
		deviceID:     deviceID,
		deviceTypeID: deviceTypeID,
		rateLimit:    rateLimit,
		conn:         conn,
		hub:          h,
		send:         make(chan model.PublishMessage, sendQueueDepth),
		st:           stateStarting,
		lastActivity: time.Now(),
		limiter:      ratelimit.New(),
		closed:       make(chan struct{}),
	}
}

// SetRateLimit updates the ceiling after admission, once the hub has
// resolved the tenant's configured limit (the Session must exist before
// Connect can be called, since Connect takes a handle).
func (s *Session) SetRateLimit(rateLimit int) {
	s.mu.Lock()
	s.rateLimit = rateLimit
	s.mu.Unlock()
}

// AccountID satisfies hub.SessionHandle.
func (s *Session) AccountID() string { return s.accountID }

// DeviceID satisfies hub.SessionHandle.
func (s *Session) DeviceID() string { return s.deviceID }

// Deliver satisfies hub.SessionHandle: push one envelope onto the outbound
// queue without blocking the hub. A full queue means a slow or wedged
// client; we close it rather than stall fan-out to everyone else.
func (s *Session) Deliver(msg model.PublishMessage) {
	select {
	case s.send <- msg:
	default:
		logger.Session().Error().Str("device_id", s.deviceID).Msg("send queue full, closing slow session")
		s.forceClose()
	}
}

// Shutdown satisfies hub.SessionHandle: tell this session to emit a close
// frame with CLOSE_CODE_RESTART and stop.
func (s *Session) Shutdown() {
	s.mu.Lock()
	s.st = stateClosing
	s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
	msg := websocket.FormatCloseMessage(closeCodeRestart, "new server being deployed")
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	s.forceClose()
}

// Run starts the heartbeat and write pump, then blocks reading inbound
// frames until the connection closes for any reason. Callers should run it
// in its own goroutine after a successful Connect.
func (s *Session) Run(ctx context.Context) {
	s.mu.Lock()
	s.st = stateActive
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writePump(ctx) }()
	go func() { defer wg.Done(); s.heartbeatLoop(ctx) }()

	s.conn.SetReadLimit(1 << 20)
	s.conn.SetPongHandler(func(string) error { s.touch(); return nil })
	s.conn.SetPingHandler(func(string) error { s.touch(); return nil })

	s.readPump()

	cancel()
	wg.Wait()

	s.mu.Lock()
	s.st = stateClosed
	s.mu.Unlock()

	s.hub.Disconnect(s.accountID, s.deviceID, s.deviceTypeID)
	_ = s.conn.Close()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// heartbeatLoop checks peer liveness every HEARTBEAT_INTERVAL and pings the
// peer; a gap beyond CLIENT_TIMEOUT forces the session closed (spec §4.2).
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			last := s.lastActivity
			s.mu.Unlock()

			if time.Since(last) > config.ClientTimeout {
				logger.Session().Info().Str("device_id", s.deviceID).Msg("heartbeat timeout")
				s.forceClose()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(config.HeartbeatInterval))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.forceClose()
				return
			}
		}
	}
}

// writePump serializes outbound envelopes as JSON text frames, in the order
// the hub enqueued them (spec §5 per-session ordering guarantee).
func (s *Session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			envelope := model.OutboundEnvelope{
				Sender:    msg.Sender,
				AccountID: msg.AccountID,
				Message:   msg.Event,
			}
			data, err := json.Marshal(envelope)
			if err != nil {
				logger.Session().Error().Err(err).Msg("failed to serialize outbound envelope")
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(config.HeartbeatInterval))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound frames until the connection closes. Blocks the
// caller.
func (s *Session) readPump() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()

		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			logger.Session().Error().Str("device_id", s.deviceID).Msg("binary frames are not supported")
		case websocket.CloseMessage:
			return
		}
	}
}

func (s *Session) handleText(data []byte) {
	count := s.limiter.Record(time.Now().Unix())
	if count > uint64(s.rateLimit) {
		metrics.RateLimitDroppedTotal.Inc()
		return
	}

	var evt model.InboundEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		logger.Session().Error().Err(err).Str("device_id", s.deviceID).Msg("malformed inbound frame")
		return
	}

	switch {
	case evt.Message != nil:
		s.hub.Publish(model.PublishMessage{
			Sender:    model.DeviceOrigin(s.deviceID, s.deviceTypeID),
			AccountID: s.accountID,
			Event: model.Event{
				SecondsSinceUnix: evt.Message.SecondsSinceUnix,
				NanoSeconds:      evt.Message.NanoSeconds,
				Topics:           evt.Message.Topics,
				Data:             evt.Message.Data,
			},
		})
	case evt.Register != nil:
		s.hub.RegisterTopics(s.accountID, s.deviceID, evt.Register.Topics)
	}
}

func (s *Session) forceClose() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}
