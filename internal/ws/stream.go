// Package ws follows a processing session over a WebSocket. A Stream owns
// one logical connection: it reconnects with exponential backoff until the
// job finishes, the caller stops it, or the attempts run out.
package ws

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

// CloseReason says why a Stream reached Closed.
type CloseReason int

const (
	NotClosed CloseReason = iota
	Terminal
	Stopped
	Exhausted
)

func (r CloseReason) String() string {
	switch r {
	case Terminal:
		return "terminal"
	case Stopped:
		return "stopped"
	case Exhausted:
		return "exhausted"
	default:
		return ""
	}
}

const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = time.Second
)

type Config struct {
	// BaseURL is the ws:// or wss:// origin of the backend.
	BaseURL   string
	SessionID string
	// Token returns the bearer token for the query string, or "".
	Token        func() string
	MaxAttempts  int
	InitialDelay time.Duration
	Origin       string
	Log          *zap.Logger

	// OnState observes every state transition. Optional.
	OnState func(State, CloseReason)
}

// Handler receives events in arrival order from a single goroutine.
type Handler func(Event)

type Stream struct {
	cfg     Config
	handler Handler
	log     *zap.Logger

	mu     sync.Mutex
	state  State
	reason CloseReason
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, h Handler) *Stream {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Origin == "" {
		cfg.Origin = "http://localhost/"
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if h == nil {
		h = func(Event) {}
	}
	return &Stream{cfg: cfg, handler: h, log: log.With(zap.String("session", cfg.SessionID)), done: make(chan struct{})}
}

// URL is the endpoint for the session, with the token when one is known.
func (s *Stream) URL() string {
	u := strings.TrimRight(s.cfg.BaseURL, "/") + "/api/v1/ws/session/" + url.PathEscape(s.cfg.SessionID)
	if s.cfg.Token != nil {
		if tok := s.cfg.Token(); tok != "" {
			u += "?token=" + url.QueryEscape(tok)
		}
	}
	return u
}

// Start runs the stream in the background. It returns at once; calling it
// more than once has no effect.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != Idle || s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	go s.run(ctx)
}

// Stop closes the connection and disables reconnection. It waits for the
// stream goroutine to exit, so it must not be called from the Handler.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		s.finish(Stopped)
		return
	}
	cancel()
	<-s.done
}

// Done is closed once the stream reaches Closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) State() (State, CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	if s.cfg.OnState != nil {
		s.cfg.OnState(st, NotClosed)
	}
}

func (s *Stream) finish(reason CloseReason) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.reason = reason
	s.mu.Unlock()
	s.log.Debug("stream closed", zap.Stringer("reason", reason))
	if s.cfg.OnState != nil {
		s.cfg.OnState(Closed, reason)
	}
	close(s.done)
}

func (s *Stream) run(ctx context.Context) {
	attempts := 0
	delay := s.cfg.InitialDelay
	for {
		s.setState(Connecting)
		conn, err := s.dial(ctx)
		if err == nil {
			s.setState(Open)
			attempts = 0
			delay = s.cfg.InitialDelay

			closed := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					_ = conn.Close()
				case <-closed:
				}
			}()
			terminal := s.read(conn)
			close(closed)
			_ = conn.Close()
			if terminal {
				s.finish(Terminal)
				return
			}
		} else if ctx.Err() == nil {
			s.log.Debug("dial failed", zap.Error(err))
		}

		if ctx.Err() != nil {
			s.finish(Stopped)
			return
		}
		if attempts >= s.cfg.MaxAttempts {
			s.log.Warn("reconnect attempts exhausted", zap.Int("attempts", attempts))
			s.finish(Exhausted)
			return
		}
		attempts++
		s.log.Info("reconnecting", zap.Int("attempt", attempts), zap.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.finish(Stopped)
			return
		case <-t.C:
		}
		delay *= 2
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(s.URL(), s.cfg.Origin)
	if err != nil {
		return nil, err
	}
	return cfg.DialContext(ctx)
}

// read delivers messages until the connection drops or a terminal event
// arrives, and reports whether it saw one.
func (s *Stream) read(conn *websocket.Conn) bool {
	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			s.log.Debug("receive ended", zap.Error(err))
			return false
		}
		ev, err := Decode(data)
		if err != nil {
			s.log.Warn("bad message", zap.Error(err))
			continue
		}
		s.handler(ev)
		if IsTerminal(ev) {
			return true
		}
	}
}
