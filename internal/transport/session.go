// Package transport owns the single persistent event connection of a device.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/care-sync/internal/apperr"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/observability"
	"github.com/example/care-sync/internal/protocol"
)

type Config struct {
	URL               string
	ReconnectAttempts int           // consecutive failed dials before giving up
	ReconnectDelay    time.Duration // first backoff step
	ReconnectDelayMax time.Duration // backoff cap
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

func DefaultConfig(rawURL string) Config {
	return Config{
		URL:               rawURL,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

type listener struct {
	id      uint64
	h       protocol.Handler
	removed atomic.Bool
}

// Session is one logical connection identified by (userID, role). The
// underlying socket comes and goes; listeners belong to the Session and
// survive reconnects.
type Session struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	userID  string
	role    models.Role
	cancel  context.CancelFunc
	done    chan struct{}
	changed chan struct{} // closed and replaced on every connect/disconnect
	dials   int

	writeMu sync.Mutex

	lmu        sync.RWMutex
	listeners  map[string][]*listener
	subscribed map[string]keyed
	hooks      []func(connected bool)
	nextID     uint64

	amu  sync.Mutex
	acks map[string]chan json.RawMessage
}

func New(cfg Config, logger *slog.Logger) *Session {
	def := DefaultConfig(cfg.URL)
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelay {
		cfg.ReconnectDelayMax = cfg.ReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Session{
		cfg:        cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:     logger.With("component", "transport"),
		changed:    make(chan struct{}),
		listeners:  make(map[string][]*listener),
		subscribed: make(map[string]keyed),
		acks:       make(map[string]chan json.RawMessage),
	}
}

// Connect starts the connection supervisor for the given identity. It is
// idempotent: while a supervisor is running it returns immediately and leaves
// the existing connection untouched. It does not wait for the first dial;
// use WaitForConnection for that.
func (s *Session) Connect(userID string, role models.Role) error {
	if userID == "" || !role.Valid() {
		return apperr.New(apperr.KindInvalidPayload, "connect", fmt.Sprintf("invalid identity %q/%q", userID, role))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		if s.userID != userID || s.role != role {
			s.logger.Warn("connect ignored, session already owned", "user_id", s.userID, "role", s.role, "requested_user_id", userID)
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.userID, s.role = userID, role
	s.cancel, s.done = cancel, done
	go s.supervise(ctx, userID, role, done)
	return nil
}

// Disconnect tears the connection down and clears the identity. Listeners
// stay registered for the next Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.cancel, s.done = nil, nil
	s.userID, s.role = "", ""
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Role() models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// WaitForConnection blocks until the socket is open, maxWait elapses
// (ConnectionTimeout) or ctx is done.
func (s *Session) WaitForConnection(ctx context.Context, maxWait time.Duration) error {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		connected, changed := s.conn != nil, s.changed
		s.mu.Unlock()
		if connected {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return apperr.New(apperr.KindConnectionTimeout, "waitForConnection", "")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Emit writes one event. On a closed session it fails with NotConnected
// rather than dropping the event.
func (s *Session) Emit(event string, payload any) error {
	return s.send(protocol.Envelope{Event: event}, payload)
}

// EmitWithAck emits an event carrying an ack id and waits for the server's
// ack frame. The wait is bounded by ctx; a deadline maps to Timeout.
func (s *Session) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	s.amu.Lock()
	s.acks[id] = ch
	s.amu.Unlock()
	defer func() {
		s.amu.Lock()
		delete(s.acks, id)
		s.amu.Unlock()
	}()

	if err := s.send(protocol.Envelope{Event: event, Ack: id}, payload); err != nil {
		return nil, err
	}
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.KindTimeout, event, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// On registers h for event and returns a function removing it. The returned
// function is safe to call more than once.
func (s *Session) On(event string, h protocol.Handler) (off func()) {
	s.lmu.Lock()
	l := s.addLocked(event, h)
	s.lmu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { s.off(event, l) }) }
}

// EnsureSubscribed registers h under key unless key was registered before.
// It reports whether a registration happened.
func (s *Session) EnsureSubscribed(key, event string, h protocol.Handler) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if _, ok := s.subscribed[key]; ok {
		return false
	}
	s.subscribed[key] = keyed{event: event, l: s.addLocked(event, h)}
	return true
}

// Unsubscribe removes the handler registered under key, freeing the key for
// a later EnsureSubscribed. Unknown keys are ignored.
func (s *Session) Unsubscribe(key string) {
	s.lmu.Lock()
	k, ok := s.subscribed[key]
	delete(s.subscribed, key)
	s.lmu.Unlock()
	if ok {
		s.off(k.event, k.l)
	}
}

// OnStateChange registers fn to be told about every connect and disconnect.
func (s *Session) OnStateChange(fn func(connected bool)) {
	s.lmu.Lock()
	s.hooks = append(s.hooks, fn)
	s.lmu.Unlock()
}

// ListenerCount reports how many live handlers event has.
func (s *Session) ListenerCount(event string) int {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	return len(s.listeners[event])
}

type keyed struct {
	event string
	l     *listener
}

func (s *Session) addLocked(event string, h protocol.Handler) *listener {
	s.nextID++
	l := &listener{id: s.nextID, h: h}
	s.listeners[event] = append(s.listeners[event], l)
	return l
}

func (s *Session) off(event string, l *listener) {
	l.removed.Store(true)
	s.lmu.Lock()
	defer s.lmu.Unlock()
	cur := s.listeners[event]
	next := make([]*listener, 0, len(cur))
	for _, x := range cur {
		if x != l {
			next = append(next, x)
		}
	}
	if len(next) == 0 {
		delete(s.listeners, event)
		return
	}
	s.listeners[event] = next
}

func (s *Session) send(env protocol.Envelope, payload any) error {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return apperr.Wrap(apperr.KindInvalidPayload, env.Event, err)
		}
		env.Data = b
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidPayload, env.Event, err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return apperr.New(apperr.KindNotConnected, env.Event, "")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apperr.Wrap(apperr.KindNotConnected, env.Event, err)
	}
	return nil
}

func (s *Session) supervise(ctx context.Context, userID string, role models.Role, done chan struct{}) {
	defer close(done)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectDelay
	bo.MaxInterval = s.cfg.ReconnectDelayMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		conn, err := s.dial(ctx, userID, role)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			observability.DialFailures.Inc()
			if failures >= s.cfg.ReconnectAttempts {
				s.logger.Error("giving up on connection", "attempts", failures, "error", err)
				s.stopped(done)
				return
			}
			wait := bo.NextBackOff()
			s.logger.Warn("dial failed, retrying", "attempt", failures, "backoff", wait, "error", err)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		failures = 0
		bo.Reset()
		if !s.attach(conn, done) {
			_ = conn.Close()
			return
		}
		if err := s.Emit(protocol.EventJoin, protocol.JoinPayload{UserID: userID, Role: role}); err != nil {
			s.logger.Warn("join announcement failed", "error", err)
		}
		err = s.readLoop(conn)
		s.detach(conn)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		s.logger.Warn("connection lost, reconnecting", "backoff", wait, "error", err)
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (s *Session) dial(ctx context.Context, userID string, role models.Role) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	q.Set("role", string(role))
	u.RawQuery = q.Encode()
	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			observability.InvalidPayloads.WithLabelValues("envelope").Inc()
			s.logger.Warn("dropping malformed frame", "bytes", len(data), "error", err)
			continue
		}
		s.dispatch(env)
	}
}

// dispatch runs handlers one at a time in registration order, so events of
// one connection are observed in arrival order.
func (s *Session) dispatch(env protocol.Envelope) {
	observability.EventsReceived.WithLabelValues(env.Event).Inc()
	if env.Event == protocol.EventAck {
		s.resolveAck(env)
		return
	}
	s.lmu.RLock()
	ls := s.listeners[env.Event]
	s.lmu.RUnlock()
	for _, l := range ls {
		if l.removed.Load() {
			continue
		}
		s.invoke(env, l.h)
	}
}

func (s *Session) invoke(env protocol.Envelope, h protocol.Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.HandlerPanics.Inc()
			s.logger.Error("panic recovered in event handler", "event", env.Event, "error", rec)
		}
	}()
	h(env.Data)
}

func (s *Session) resolveAck(env protocol.Envelope) {
	s.amu.Lock()
	ch, ok := s.acks[env.Ack]
	delete(s.acks, env.Ack)
	s.amu.Unlock()
	if !ok {
		s.logger.Debug("ack without pending call", "ack", env.Ack)
		return
	}
	ch <- env.Data
}

// attach installs conn unless the run identified by done was stopped while
// the dial was in flight.
func (s *Session) attach(conn *websocket.Conn, done chan struct{}) bool {
	s.mu.Lock()
	if s.done != done {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.dials++
	if s.dials > 1 {
		observability.Reconnects.Inc()
	}
	s.notifyLocked()
	s.mu.Unlock()
	observability.Connected.Set(1)
	s.logger.Info("connected", "user_id", s.UserID())
	s.fireHooks(true)
	return true
}

func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.notifyLocked()
	s.mu.Unlock()
	_ = conn.Close()
	observability.Connected.Set(0)
	s.fireHooks(false)
}

// stopped clears the running state after the supervisor gave up, unless a
// Disconnect/Connect pair already replaced it.
func (s *Session) stopped(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.cancel()
		s.cancel, s.done = nil, nil
	}
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) fireHooks(connected bool) {
	s.lmu.RLock()
	hooks := append([]func(bool){}, s.hooks...)
	s.lmu.RUnlock()
	for _, fn := range hooks {
		fn(connected)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
