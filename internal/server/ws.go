package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/motionkit/internal/channel"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = maxBodyBytes
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// wsRequest is one method call on the WebSocket channel.
type wsRequest struct {
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	Arguments map[string]any  `json:"arguments"`
}

// wsResponse answers the request with the same id.
type wsResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *channel.Error  `json:"error,omitempty"`
}

// ChannelHandler carries method calls over a WebSocket. Each text message is a
// call; replies may arrive out of order and are matched by id.
type ChannelHandler struct {
	server  *Server
	clients map[*websocket.Conn]bool
	mu      sync.RWMutex
}

// NewChannelHandler creates a ChannelHandler dispatching through s.
func NewChannelHandler(s *Server) *ChannelHandler {
	return &ChannelHandler{
		server:  s,
		clients: make(map[*websocket.Conn]bool),
	}
}

// Clients returns the number of connected clients.
func (h *ChannelHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *ChannelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.logger.Warn("server: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	h.server.logger.Debug("server: channel client connected", "remote", r.RemoteAddr)

	// Writes from reply goroutines are serialised per connection.
	var writeMu sync.Mutex
	send := func(resp wsResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(resp); err != nil {
			h.server.logger.Debug("server: channel write failed", "error", err)
		}
	}

	// Outstanding replies are abandoned once the client stops reading.
	ctx, cancel := context.WithCancel(r.Context())
	var pending sync.WaitGroup
	defer pending.Wait()
	defer cancel()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.server.logger.Debug("server: channel read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		req, err := decodeWSRequest(data)
		if err != nil {
			send(wsResponse{ID: req.ID, Error: &channel.Error{
				Code:    channel.CodeInvalidArguments,
				Message: err.Error(),
			}})
			continue
		}

		pending.Add(1)
		go func() {
			defer pending.Done()
			send(h.call(ctx, req))
		}()
	}
}

func (h *ChannelHandler) call(ctx context.Context, req wsRequest) wsResponse {
	reply, err := h.server.dispatch(ctx, channel.MethodCall{Method: req.Method, Arguments: req.Arguments})
	if err != nil {
		return wsResponse{ID: req.ID, Error: &channel.Error{
			Code:    channel.CodeCancelled,
			Message: err.Error(),
		}}
	}

	switch {
	case reply.NotImplemented:
		return wsResponse{ID: req.ID, Error: &channel.Error{
			Code:    CodeNotImplemented,
			Message: "Method not implemented",
		}}
	case reply.Err != nil:
		return wsResponse{ID: req.ID, Error: reply.Err}
	default:
		return wsResponse{ID: req.ID, Result: reply.Value}
	}
}

func decodeWSRequest(data []byte) (wsRequest, error) {
	var req wsRequest

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	if err := decodeBytesArg(req.Arguments); err != nil {
		return req, err
	}
	return req, nil
}
