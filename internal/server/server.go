// Package server exposes the motionkit method channel over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ayusman/motionkit/internal/channel"
	"github.com/ayusman/motionkit/internal/detector"
)

// CodeNotImplemented is sent for methods the channel does not understand.
const CodeNotImplemented = "NOT_IMPLEMENTED"

// maxBodyBytes bounds a detect request; a 1080p BGRA frame is ~8MB before base64.
const maxBodyBytes = 16 << 20

// Dispatcher runs a task on the application's main loop.
type Dispatcher interface {
	Post(fn func()) bool
}

// StateReporter reports the landmarker lifecycle for the health endpoint.
type StateReporter interface {
	State() detector.State
}

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	Channel    *channel.Handler
	Loop       Dispatcher
	Landmarker StateReporter
}

// Server represents the HTTP server for the motionkit application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	logger *slog.Logger
	http   *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		logger: slog.Default().With("component", "server"),
	}
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Channel != nil && s.config.Loop != nil {
		s.mux.HandleFunc("/api/detect", s.handleDetect)
		s.mux.Handle("/api/channel", NewChannelHandler(s))
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}

	state := detector.StateUninitialized
	if s.config.Landmarker != nil {
		state = s.config.Landmarker.State()
	}
	response["landmarker"] = state.String()

	if s.config.Channel != nil {
		response["enabled"] = s.config.Channel.Enabled()
		response["stats"] = s.config.Channel.Stats()
	}

	writeJSON(w, http.StatusOK, response)
}

type errorBody struct {
	Error *channel.Error `json:"error"`
}

type resultBody struct {
	Result any `json:"result"`
}

// handleDetect handles POST /api/detect. The request body is a method call
// whose bytes argument is base64; the response waits for the single reply.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	call, err := decodeCall(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: &channel.Error{
			Code:    channel.CodeInvalidArguments,
			Message: err.Error(),
		}})
		return
	}
	if call.Method == "" {
		call.Method = channel.MethodDetect
	}

	reply, err := s.dispatch(r.Context(), call)
	if err != nil {
		if errors.Is(err, errLoopStopped) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: &channel.Error{
				Code:    channel.CodeCancelled,
				Message: "Server is shutting down",
			}})
		}
		// Client went away; nothing to write.
		return
	}

	writeReply(w, reply)
}

var errLoopStopped = errors.New("main loop is stopped")

// dispatch posts call onto the main loop and waits for its reply.
func (s *Server) dispatch(ctx context.Context, call channel.MethodCall) (channel.Reply, error) {
	// Buffered so a reply arriving after ctx is done never blocks the loop.
	replies := make(chan channel.Reply, 1)
	result := channel.ReplyFunc(func(r channel.Reply) { replies <- r })

	if !s.config.Loop.Post(func() { s.config.Channel.HandleMethodCall(call, result) }) {
		return channel.Reply{}, errLoopStopped
	}

	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return channel.Reply{}, ctx.Err()
	}
}

// decodeCall parses a method call, keeping numbers exact and turning a base64
// bytes argument into raw bytes.
func decodeCall(body io.Reader) (channel.MethodCall, error) {
	var call channel.MethodCall

	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&call); err != nil {
		return call, fmt.Errorf("invalid request body: %w", err)
	}

	if err := decodeBytesArg(call.Arguments); err != nil {
		return call, err
	}
	return call, nil
}

func decodeBytesArg(args map[string]any) error {
	if args == nil {
		return nil
	}
	s, ok := args["bytes"].(string)
	if !ok {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("bytes must be base64: %w", err)
	}
	args["bytes"] = data
	return nil
}

func writeReply(w http.ResponseWriter, r channel.Reply) {
	switch {
	case r.NotImplemented:
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: &channel.Error{
			Code:    CodeNotImplemented,
			Message: "Method not implemented",
		}})
	case r.Err != nil:
		writeJSON(w, statusFor(r.Err.Code), errorBody{Error: r.Err})
	default:
		writeJSON(w, http.StatusOK, resultBody{Result: r.Value})
	}
}

// statusFor maps a channel error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case channel.CodeInvalidArguments:
		return http.StatusBadRequest
	case channel.CodeRequestInFlight:
		return http.StatusConflict
	case channel.CodeLandmarkerNotInitialized, channel.CodeDisabled, channel.CodeCancelled:
		return http.StatusServiceUnavailable
	case channel.CodeTimeout:
		return http.StatusGatewayTimeout
	case channel.CodeImageProcessingError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("server: listening", "addr", ln.Addr().String())

	err = s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
// A later ListenAndServe returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
