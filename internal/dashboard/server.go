// Package dashboard provides a local WebSocket feed of sync activity.
//
// The dashboard broadcasts sync results, pending-row counts and connectivity
// changes to connected WebSocket clients, so a UI shell can render progress
// without polling the database.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// MessageType names the kind of a feed message.
type MessageType string

const (
	// MessageTypeSyncResult carries the outcome of a sync, pull or activity push
	MessageTypeSyncResult MessageType = "sync_result"

	// MessageTypeStats carries pending-row counts
	MessageTypeStats MessageType = "stats"

	// MessageTypeConnectivity indicates the server became reachable or unreachable
	MessageTypeConnectivity MessageType = "connectivity"

	// MessageTypeSessionExpired tells the UI to route to the login screen
	MessageTypeSessionExpired MessageType = "session_expired"
)

// Message is one frame of the feed.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	// subscriberBuffer frames may queue for one client before it is dropped.
	subscriberBuffer = 32
	writeTimeout     = 5 * time.Second
)

// subscriber is one connected client. out is closed when the client is
// dropped for falling behind.
type subscriber struct {
	out chan []byte
}

// Server fans feed messages out to WebSocket clients.
type Server struct {
	addr   string
	logger zerolog.Logger

	ln   net.Listener
	http *http.Server
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	snapshot []byte // last stats frame, sent first to every new client
}

// Config holds server configuration.
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on (0 picks a free port)
	Port int

	Logger zerolog.Logger
}

// NewServer creates a feed server. Nothing listens until Start.
func NewServer(config Config) *Server {
	host := config.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:   net.JoinHostPort(host, fmt.Sprint(config.Port)),
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*subscriber]struct{}),
	}
	s.snapshot, _ = json.Marshal(Message{Type: MessageTypeStats})
	return s
}

// Start binds the listener and serves /ws and /health in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveFeed)
	mux.HandleFunc("/health", s.serveHealth)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("dashboard listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("dashboard server error")
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()
	if s.http == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	<-s.done

	s.logger.Info().Msg("dashboard stopped")
	return nil
}

// Broadcast queues msg for every client. A client whose queue is full is
// disconnected; it gets the current stats again when it reconnects.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("failed to encode message")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Type == MessageTypeStats {
		s.snapshot = data
	}
	for sub := range s.subs {
		select {
		case sub.out <- data:
		default:
			delete(s.subs, sub)
			close(sub.out)
			s.logger.Warn().Msg("dropping slow dashboard client")
		}
	}
}

// subscribe registers a client with the stats snapshot already queued, so
// it is always the first frame the client reads.
func (s *Server) subscribe() *subscriber {
	sub := &subscriber{out: make(chan []byte, subscriberBuffer)}

	s.mu.Lock()
	defer s.mu.Unlock()
	sub.out <- s.snapshot
	s.subs[sub] = struct{}{}
	s.logger.Debug().Int("clients", len(s.subs)).Msg("client connected")
	return sub
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		s.logger.Debug().Int("clients", len(s.subs)).Msg("client disconnected")
	}
}

// serveFeed writes queued frames to one client until it leaves, falls
// behind, or the server stops. Clients never send anything meaningful.
func (s *Server) serveFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	sub := s.subscribe()
	defer s.unsubscribe(sub)

	ctx := conn.CloseRead(s.ctx)
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "dashboard closing")
			return
		case data, ok := <-sub.out:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("failed to write to client")
				return
			}
		}
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
