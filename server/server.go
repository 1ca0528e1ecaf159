// Package server hosts the invocation adapter behind the agent runtime HTTP
// contract: POST /invocations, GET /ping and a websocket at GET /ws.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m4xw311/agentcore/errors"
	"github.com/m4xw311/agentcore/invoke"
	"github.com/m4xw311/agentcore/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// SessionHeader carries the caller's session id. It is echoed on every response.
const SessionHeader = "X-Amzn-Bedrock-AgentCore-Runtime-Session-Id"

const (
	StatusHealthy     = "Healthy"
	StatusHealthyBusy = "HealthyBusy"

	maxPayloadBytes = 100 << 20
	wsQueueSize     = 16
)

// Invoker opens one filtered event stream per payload.
type Invoker interface {
	Invoke(ctx context.Context, payload invoke.Payload) *invoke.Stream
}

type Server struct {
	invoker         Invoker
	addr            string
	shutdownTimeout time.Duration
	logger          *slog.Logger
	mux             *http.ServeMux
	upgrader        websocket.Upgrader

	inflight   atomic.Int64
	lastUpdate atomic.Int64
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

func New(inv Invoker, addr string, opts ...Option) *Server {
	s := &Server{
		invoker:         inv,
		addr:            addr,
		shutdownTimeout: 10 * time.Second,
		logger:          slog.Default(),
		mux:             http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastUpdate.Store(time.Now().Unix())
	s.mux.HandleFunc("POST /invocations", s.handleInvocations)
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("server shutting down", "timeout", s.shutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// begin marks an invocation in flight and returns the matching end call.
func (s *Server) begin() func() {
	if s.inflight.Add(1) == 1 {
		s.lastUpdate.Store(time.Now().Unix())
	}
	return func() {
		if s.inflight.Add(-1) == 0 {
			s.lastUpdate.Store(time.Now().Unix())
		}
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	status := StatusHealthy
	if s.inflight.Load() > 0 {
		status = StatusHealthyBusy
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              status,
		"time_of_last_update": s.lastUpdate.Load(),
	})
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFrom(r)
	w.Header().Set(SessionHeader, sessionID)
	logger := s.logger.With("session_id", sessionID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := invoke.DecodePayload(body)
	if err != nil {
		logger.Warn("rejected payload", "error", err)
		writeError(w, http.StatusBadRequest, errors.Wrapf(err, "invalid payload"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("response does not support streaming"))
		return
	}

	end := s.begin()
	defer end()

	ctx, span := telemetry.StartSpan(r.Context(), "agentcore.invocation",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	var runErr error
	defer func() { telemetry.EndSpan(span, runErr) }()

	logger.Info("invocation started")
	started := time.Now()
	stream := s.invoker.Invoke(ctx, payload)
	defer stream.Close()

	sent := 0
	for stream.Next() {
		data, err := json.Marshal(stream.Event())
		if err != nil {
			runErr = err
			break
		}
		if sent == 0 {
			startEventStream(w)
		}
		if err := writeFrame(w, data); err != nil {
			runErr = err
			logger.Warn("client went away", "error", err, "events", sent)
			return
		}
		flusher.Flush()
		sent++
	}
	if runErr == nil {
		runErr = stream.Err()
	}

	if runErr == nil {
		if sent == 0 {
			startEventStream(w)
			flusher.Flush()
		}
		logger.Info("invocation finished", "events", sent, "duration", time.Since(started))
		return
	}

	logger.Error("invocation failed", "error", runErr, "events", sent)
	if sent == 0 {
		writeError(w, http.StatusInternalServerError, runErr)
		return
	}
	data, _ := json.Marshal(map[string]any{
		"error":      runErr.Error(),
		"error_type": fmt.Sprintf("%T", runErr),
	})
	if err := writeFrame(w, data); err == nil {
		flusher.Flush()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFrom(r)
	logger := s.logger.With("session_id", sessionID)

	conn, err := s.upgrader.Upgrade(w, r, http.Header{SessionHeader: []string{sessionID}})
	if err != nil {
		// The upgrader has already replied.
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	logger.Info("websocket connected")

	// The reader cancels ctx once the peer goes away, which releases the
	// stream being relayed.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	msgs := make(chan []byte, wsQueueSize)
	go func() {
		defer cancel()
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("websocket read failed", "error", err)
				}
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for msg := range msgs {
		payload, err := invoke.DecodePayload(msg)
		if err != nil {
			err = errors.Wrapf(err, "invalid payload")
			if err := conn.WriteJSON(map[string]any{"error": err.Error()}); err != nil {
				return
			}
			continue
		}
		if err := s.relay(ctx, conn, payload, logger); err != nil {
			logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}

// relay runs one invocation over an open websocket. The returned error is a
// write failure; invocation failures are sent to the peer instead.
func (s *Server) relay(ctx context.Context, conn *websocket.Conn, payload invoke.Payload, logger *slog.Logger) error {
	end := s.begin()
	defer end()

	ctx, span := telemetry.StartSpan(ctx, "agentcore.invocation",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("transport", "websocket")))

	logger.Info("invocation started")
	stream := s.invoker.Invoke(ctx, payload)
	defer stream.Close()

	for stream.Next() {
		if err := conn.WriteJSON(stream.Event()); err != nil {
			telemetry.EndSpan(span, err)
			return err
		}
	}
	if err := stream.Err(); err != nil {
		logger.Error("invocation failed", "error", err)
		telemetry.EndSpan(span, err)
		return conn.WriteJSON(map[string]any{"error": err.Error()})
	}
	telemetry.EndSpan(span, nil)
	logger.Info("invocation finished")
	return conn.WriteJSON(map[string]any{"done": true})
}

func sessionIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func startEventStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeFrame(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
