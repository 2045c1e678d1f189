// Package server exposes the bridge over HTTP and WebSocket. POST /rpc
// answers versioned envelopes synchronously: a message.send blocks until the
// task parks or finishes and replies with that frame. The WebSocket endpoint
// speaks the same envelopes but streams every task event as it happens.
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
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"opsbridge/internal/adapter/codec"
	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
	"opsbridge/internal/infra/tracer"
	"opsbridge/internal/usecase"
	"opsbridge/internal/usecase/routing"
)

// maxRequestBytes caps how much of a request body is read.
const maxRequestBytes = 1 << 20 // 1 MiB

// Server hosts the envelope protocol endpoints.
type Server struct {
	dispatcher *usecase.Dispatcher
	registry   *routing.Registry
	auth       Authenticator
	host       config.HostConfig
	cfg        config.ServerConfig
	logger     *slog.Logger

	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates the bridge server.
func NewServer(cfg config.ServerConfig, host config.HostConfig, dispatcher *usecase.Dispatcher, registry *routing.Registry, logger *slog.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		registry:   registry,
		auth:       AuthenticatorFor(cfg.Auth),
		host:       host,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start begins serving. Blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("POST /rpc", s.requireAuth(http.HandlerFunc(s.handleRPC)))
	mux.Handle("GET /ws", http.HandlerFunc(s.handleWS))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("GET /.well-known/agents.json", s.handleAgentList)

	var handler http.Handler = mux
	if s.cfg.RateLimit.Enabled {
		handler = RateLimit(ctx, s.cfg.RateLimit.RequestsPerMinute, s.cfg.RateLimit.Burst)(handler)
	}
	handler = SecurityHeaders(handler)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: handler}

	s.logger.Info("server started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// requireAuth authenticates bearer tokens on HTTP endpoints.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.Authenticate(bearerToken(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

// handleRPC answers one envelope per request. All protocol-level failures
// are carried in-band as error responses with a 200 status; only transport
// problems surface as HTTP errors.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.StartSpan(r.Context(), "server.rpc")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	env, err := codec.Decode(body)
	if err != nil {
		tracer.RecordError(span, err)
		writeResponse(w, codec.ErrorResponse(envelopeID(body), err), s.logger)
		return
	}
	span.SetAttributes(tracer.StringAttr("rpc.method", env.Method))

	resp := s.dispatch(ctx, env)
	if resp.Error != nil {
		span.SetAttributes(tracer.StringAttr("rpc.error", resp.Error.Code))
	} else {
		tracer.SetOK(span)
	}
	writeResponse(w, resp, s.logger)
}

// dispatch routes a decoded envelope to its method handler.
func (s *Server) dispatch(ctx context.Context, env codec.Envelope) codec.Response {
	switch env.Method {
	case codec.MethodMessageSend:
		return s.handleMessageSend(ctx, env)
	case codec.MethodTaskStatus:
		status, err := s.dispatcher.Status(env.Params.TaskID)
		if err != nil {
			return codec.ErrorResponse(env.ID, err)
		}
		return mustResult(env.ID, status, s.logger)
	case codec.MethodTaskCancel:
		status, err := s.dispatcher.Cancel(ctx, env.Params.TaskID)
		if err != nil {
			return codec.ErrorResponse(env.ID, err)
		}
		return mustResult(env.ID, status, s.logger)
	default:
		// Decode validates the method, so this is unreachable for
		// well-formed envelopes.
		return codec.ErrorResponse(env.ID, domain.WrapOp("server.dispatch", domain.ErrRPCMethodNotFound))
	}
}

// handleMessageSend opens (or resumes) a task and blocks until it parks in
// input_required or lands a terminal event. That frame is the result.
func (s *Server) handleMessageSend(ctx context.Context, env codec.Envelope) codec.Response {
	task, resumed, err := s.dispatcher.Send(ctx, usecase.SendRequest{
		ConversationID: env.Params.ContextID,
		Text:           env.Params.Message.Text(),
		Metadata:       env.Params.Message.Metadata,
	})
	if err != nil {
		return codec.ErrorResponse(env.ID, err)
	}
	if resumed {
		s.logger.Debug("message resumed parked task", "task_id", task.ID())
	}

	frame, err := awaitOutcome(ctx, task)
	if err != nil {
		return codec.ErrorResponse(env.ID, err)
	}
	return mustResult(env.ID, frame, s.logger)
}

// awaitOutcome consumes task events until the task parks or finishes and
// returns that frame. Intermediate progress frames are skipped; the streaming
// endpoint is the place to watch them.
func awaitOutcome(ctx context.Context, task *usecase.Task) (codec.EventFrame, error) {
	for {
		select {
		case ev, ok := <-task.Events():
			if !ok {
				// Stream closed behind the final event; the snapshot
				// still carries the outcome.
				return snapshotFrame(task), nil
			}
			if ev.Final || ev.State == domain.TaskInputRequired {
				return codec.EventFrameOf(ev), nil
			}
		case <-ctx.Done():
			return codec.EventFrame{}, domain.WrapOp("server.awaitOutcome", domain.ErrCancelled)
		}
	}
}

// snapshotFrame converts a finished task's snapshot into a terminal frame.
// Used when the event stream was already drained by an earlier consumer.
func snapshotFrame(task *usecase.Task) codec.EventFrame {
	snap := task.Snapshot()
	frame := codec.EventFrame{
		TaskID:    snap.ID,
		State:     string(snap.State),
		Final:     snap.State.Terminal(),
		Timestamp: snap.UpdatedAt,
	}
	if snap.Error != "" {
		frame.Error = &codec.WireError{Code: string(snap.ErrorCode), Message: snap.Error}
	}
	return frame
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": len(s.registry.List()),
	}, s.logger)
}

// envelopeID best-effort extracts the id from a payload that failed full
// decoding, so the error response can still be correlated.
func envelopeID(body []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.ID
}

func mustResult(id string, result any, logger *slog.Logger) codec.Response {
	resp, err := codec.ResultResponse(id, result)
	if err != nil {
		logger.Error("encode result", "error", err)
		return codec.ErrorResponse(id, err)
	}
	return resp
}

func writeResponse(w http.ResponseWriter, resp codec.Response, logger *slog.Logger) {
	writeJSON(w, http.StatusOK, resp, logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response", "error", err)
	}
}

// StreamFrame is one WebSocket message from the server. Exactly one of
// Response or Event is set.
type StreamFrame struct {
	Type     string            `json:"type"` // "response" or "event"
	Response *codec.Response   `json:"response,omitempty"`
	Event    *codec.EventFrame `json:"event,omitempty"`
}

// wsConn tracks a single WebSocket connection.
type wsConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan StreamFrame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// handleWS upgrades to WebSocket and speaks envelopes over it. message.send
// streams every task event as it lands instead of just the outcome.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &wsConn{
		info:   info,
		ws:     ws,
		sendCh: make(chan StreamFrame, 64),
		done:   make(chan struct{}),
	}

	s.logger.Info("stream client connected", "client", info.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("stream client disconnected", "client", info.Name)
}

func (s *Server) readLoop(ctx context.Context, cc *wsConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var raw json.RawMessage
		if err := wsjson.Read(ctx, cc.ws, &raw); err != nil {
			return // connection closed or error
		}

		env, err := codec.Decode(raw)
		if err != nil {
			resp := codec.ErrorResponse(envelopeID(raw), err)
			cc.send(StreamFrame{Type: "response", Response: &resp})
			continue
		}

		go s.dispatchStream(ctx, cc, env)
	}
}

func (s *Server) writeLoop(cc *wsConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.closeOnce.Do(func() { close(cc.done) })
				return
			}
		}
	}
}

// dispatchStream handles one envelope on a stream connection. message.send
// forwards each event and closes the exchange with a response carrying the
// outcome frame; other methods answer like the HTTP endpoint.
func (s *Server) dispatchStream(ctx context.Context, cc *wsConn, env codec.Envelope) {
	if env.Method != codec.MethodMessageSend {
		resp := s.dispatch(ctx, env)
		cc.send(StreamFrame{Type: "response", Response: &resp})
		return
	}

	task, _, err := s.dispatcher.Send(ctx, usecase.SendRequest{
		ConversationID: env.Params.ContextID,
		Text:           env.Params.Message.Text(),
		Metadata:       env.Params.Message.Metadata,
	})
	if err != nil {
		resp := codec.ErrorResponse(env.ID, err)
		cc.send(StreamFrame{Type: "response", Response: &resp})
		return
	}

	outcome := s.streamEvents(ctx, cc, task)
	resp := mustResult(env.ID, outcome, s.logger)
	cc.send(StreamFrame{Type: "response", Response: &resp})
}

// streamEvents forwards task events to the client until the task parks or
// finishes, returning the frame that ended the segment.
func (s *Server) streamEvents(ctx context.Context, cc *wsConn, task *usecase.Task) codec.EventFrame {
	for {
		select {
		case ev, ok := <-task.Events():
			if !ok {
				return snapshotFrame(task)
			}
			frame := codec.EventFrameOf(ev)
			cc.send(StreamFrame{Type: "event", Event: &frame})
			if ev.Final || ev.State == domain.TaskInputRequired {
				return frame
			}
		case <-ctx.Done():
			return snapshotFrame(task)
		}
	}
}

func (cc *wsConn) send(frame StreamFrame) {
	select {
	case cc.sendCh <- frame:
	case <-cc.done:
	}
}
