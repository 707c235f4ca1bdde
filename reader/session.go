package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"positionwatch/config"
	"positionwatch/internal/errs"
	"positionwatch/internal/metrics"
	"positionwatch/logger"
	"positionwatch/models"
)

// State is the connection state of one account session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TokenProvider issues the short-lived token that authorizes a user data
// stream. Implementations must be safe for concurrent use across accounts.
type TokenProvider interface {
	Acquire(ctx context.Context, account string) (string, error)
	Renew(ctx context.Context, token string) (string, error)
	Release(ctx context.Context, token string) error
}

// SnapshotSource returns the account's current open positions. It is used to
// rebuild tracker state after every (re)connect.
type SnapshotSource interface {
	Positions(ctx context.Context) ([]models.PositionSnapshot, error)
}

// Handler receives every raw stream message of an account in arrival order.
// A session-expired error makes the session reconnect with a fresh token.
type Handler func(account string, raw []byte) error

// SessionStatus is a point-in-time view of a session for status endpoints.
type SessionStatus struct {
	Account       string    `json:"account"`
	Type          string    `json:"type"`
	State         string    `json:"state"`
	Attempt       int       `json:"attempt"`
	Reconnects    int       `json:"reconnects"`
	Messages      int64     `json:"messages"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// SessionManager owns the stream connection and session token of one
// account and keeps them alive until it is closed.
type SessionManager struct {
	account   config.AccountConfig
	cfg       config.SessionConfig
	tokens    TokenProvider
	transport Transport
	handler   Handler
	backoff   reconnectBackoff
	log       *logger.Log

	snapshots SnapshotSource
	reset     ResumeFunc
	resync    ResumeFunc
	resumed   bool

	mu            sync.Mutex
	state         State
	token         string
	attempt       int
	reconnects    int
	messages      int64
	connectedAt   time.Time
	lastMessageAt time.Time
	lastErr       error
	running       bool
	stopped       bool
	cancel        context.CancelFunc
	done          chan struct{}
	onTransition  func(account string, from, to State)
}

func NewSessionManager(account config.AccountConfig, cfg config.SessionConfig, tokens TokenProvider, transport Transport, handler Handler) *SessionManager {
	return &SessionManager{
		account:   account,
		cfg:       cfg,
		tokens:    tokens,
		transport: transport,
		handler:   handler,
		backoff:   newReconnectBackoff(cfg.Backoff),
		log:       logger.GetLogger(),
		state:     StateDisconnected,
	}
}

// ResumeFunc applies the positions fetched for account on connect.
type ResumeFunc func(account string, snaps []models.PositionSnapshot)

// SetColdResume makes every successful connect fetch the account's positions
// from src before stream messages are dispatched. The first connect of the
// session hands them to reset; every reconnect hands them to resync so
// changes missed while disconnected are still reported.
func (s *SessionManager) SetColdResume(src SnapshotSource, reset, resync ResumeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = src
	s.reset = reset
	s.resync = resync
}

// OnTransition registers fn to be called after every state change.
func (s *SessionManager) OnTransition(fn func(account string, from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = fn
}

func (s *SessionManager) Account() string { return s.account.Name }

func (s *SessionManager) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SessionManager) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		Account:       s.account.Name,
		Type:          s.account.Type,
		State:         s.state.String(),
		Attempt:       s.attempt,
		Reconnects:    s.reconnects,
		Messages:      s.messages,
		ConnectedAt:   s.connectedAt,
		LastMessageAt: s.lastMessageAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Start launches the connection loop.
func (s *SessionManager) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session %s already running", s.account.Name)
	}
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.account.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.log.WithComponent("session").WithFields(logger.Fields{
		"account":    s.account.Name,
		"type":       s.account.Type,
		"stream_url": s.account.StreamURL,
	}).Info("starting session")

	go s.run(runCtx)
	return nil
}

// StopInbound stops dispatching stream messages and moves the session to
// CLOSING. Messages read after this call are discarded.
func (s *SessionManager) StopInbound() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	s.transition(StateClosing)
	if cancel != nil {
		cancel()
	}
}

// Close stops the session and waits for its connection loop to exit.
func (s *SessionManager) Close(ctx context.Context) error {
	s.StopInbound()

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close session %s: %w", s.account.Name, ctx.Err())
	}
}

// Release hands the session token back to the provider and moves the
// session to CLOSED. Release failures are logged and returned.
func (s *SessionManager) Release(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.token = ""
	s.mu.Unlock()

	defer s.transition(StateClosed)
	if token == "" {
		return nil
	}
	if err := s.tokens.Release(ctx, token); err != nil {
		s.log.WithComponent("session").WithError(err).WithField("account", s.account.Name).Warn("failed to release session token")
		return err
	}
	s.log.WithComponent("session").WithField("account", s.account.Name).Info("session token released")
	return nil
}

func (s *SessionManager) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *SessionManager) run(ctx context.Context) {
	defer close(s.done)
	log := s.log.WithComponent("session").WithField("account", s.account.Name)

	for {
		if ctx.Err() != nil {
			return
		}

		s.transition(StateConnecting)
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setError(err)
			if errs.IsSessionExpired(err) {
				s.dropToken()
			}
			delay := s.nextDelay()
			entry := log.WithError(err).WithField("retry_in", delay)
			if errs.IsFatal(err) {
				entry.Error("stream rejected, check account credentials")
			} else {
				entry.Warn("failed to open stream")
			}
			s.transition(StateDisconnected)
			if waitForReconnect(ctx, delay) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.attempt = 0
		s.connectedAt = time.Now()
		s.mu.Unlock()
		s.transition(StateConnected)

		err = s.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil || s.isStopped() {
			return
		}

		s.setError(err)
		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		metrics.Reconnect(s.account.Name)
		logger.RecordReconnect(s.account.Name)

		if errs.IsSessionExpired(err) {
			log.WithError(err).Warn("session expired, reconnecting with a new token")
			s.dropToken()
			s.transition(StateDisconnected)
			continue
		}

		delay := s.nextDelay()
		log.WithError(err).WithField("retry_in", delay).Warn("stream disconnected")
		s.transition(StateDisconnected)
		if waitForReconnect(ctx, delay) {
			return
		}
	}
}

func (s *SessionManager) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.backoff.delay(s.attempt)
	s.attempt++
	return d
}

func (s *SessionManager) connect(ctx context.Context) (Connection, error) {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := s.transport.Open(ctx, s.account.StreamURL, token)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	src, apply, first := s.snapshots, s.resync, !s.resumed
	if first {
		apply = s.reset
	}
	s.resumed = true
	s.mu.Unlock()
	if src == nil || apply == nil {
		return conn, nil
	}

	log := s.log.WithComponent("session").WithFields(logger.Fields{
		"account": s.account.Name,
		"first":   first,
	})
	snaps, err := src.Positions(ctx)
	if err != nil {
		log.WithError(err).Warn("cold resume snapshot failed; continuing from stream updates")
		return conn, nil
	}
	apply(s.account.Name, snaps)
	log.WithField("positions", len(snaps)).Info("positions resynchronized")
	return conn, nil
}

func (s *SessionManager) ensureToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token != "" {
		return token, nil
	}

	token, err := s.tokens.Acquire(ctx, s.account.Name)
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}
	if token == "" {
		return "", errs.SessionExpired("acquire token", errors.New("empty token"))
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.log.WithComponent("session").WithFields(logger.Fields{
		"account": s.account.Name,
		"token":   maskToken(token),
	}).Debug("session token acquired")
	return token, nil
}

func (s *SessionManager) dropToken() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// serve dispatches messages until the connection ends, a keepalive fails or
// ctx is cancelled.
func (s *SessionManager) serve(ctx context.Context, conn Connection) error {
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(conn)
	}()

	interval := s.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 1200 * time.Second
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-keepalive.C:
			if err := s.keepalive(ctx); err != nil {
				conn.Close()
				<-readErr
				return err
			}
		}
	}
}

func (s *SessionManager) readLoop(conn Connection) error {
	for {
		raw, err := conn.Read()
		if err != nil {
			return err
		}
		if s.isStopped() {
			return ErrConnectionClosed
		}

		now := time.Now()
		s.mu.Lock()
		s.messages++
		s.lastMessageAt = now
		s.mu.Unlock()
		logger.RecordStreamMessage(s.account.Name, len(raw))

		if s.handler == nil {
			continue
		}
		if err := s.handler(s.account.Name, raw); err != nil {
			if errs.IsSessionExpired(err) {
				return err
			}
			s.log.WithComponent("session").WithError(err).WithField("account", s.account.Name).Debug("message handler returned an error")
		}
	}
}

func (s *SessionManager) keepalive(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	renewed, err := s.tokens.Renew(ctx, token)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	if renewed != "" && renewed != token {
		s.mu.Lock()
		s.token = renewed
		s.mu.Unlock()
	}
	s.log.WithComponent("session").WithField("account", s.account.Name).Debug("session token renewed")
	return nil
}

func (s *SessionManager) setError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// transition moves to the given state. CLOSING and CLOSED are terminal: once
// reached, only CLOSING -> CLOSED is accepted.
func (s *SessionManager) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateClosed || (from == StateClosing && to != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = to
	attempt := s.attempt
	hook := s.onTransition
	s.mu.Unlock()

	s.log.WithComponent("session").WithFields(logger.Fields{
		"account": s.account.Name,
		"from":    from.String(),
		"to":      to.String(),
		"attempt": attempt,
	}).Info("session state changed")
	metrics.SetSessionState(s.account.Name, int(to))
	if hook != nil {
		hook(s.account.Name, from, to)
	}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
