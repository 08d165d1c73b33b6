package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/difyrelay/internal/dify"
	"github.com/ashureev/difyrelay/internal/identity"
	"github.com/ashureev/difyrelay/internal/sse"
)

const wsPingTimeout = 5 * time.Second

// wsSink writes relay frames as WebSocket text messages carrying the same
// payloads as the SSE variant.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s wsSink) write(data []byte) error {
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

func (s wsSink) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal websocket frame: %w", err)
	}
	return s.write(data)
}

func (s wsSink) Event(ev *dify.Event) error { return s.writeJSON(ev) }
func (s wsSink) Error(msg string) error     { return s.writeJSON(sse.ErrorFrame{Error: msg}) }
func (s wsSink) Done() error                { return s.write([]byte(sse.DoneSentinel)) }

func (s wsSink) KeepAlive() error {
	ctx, cancel := context.WithTimeout(s.ctx, wsPingTimeout)
	defer cancel()
	return s.conn.Ping(ctx)
}

// HandleChatWebSocket relays one streamed chat message over a WebSocket.
// The first text message is the chat request; the server then sends event
// frames, a terminal frame, and closes the connection.
func (h *Handler) HandleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		h.logger.Error("WebSocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(h.cfg.SSE.MaxRequestBodySize)

	ctx := r.Context()
	fail := func(msg string) {
		_ = wsSink{ctx: ctx, conn: conn}.Error(msg)
		_ = conn.Close(websocket.StatusPolicyViolation, msg)
	}

	typ, data, err := conn.Read(ctx)
	if err != nil {
		h.logger.Debug("WebSocket closed before request", "error", err, "status", websocket.CloseStatus(err))
		return
	}
	if typ != websocket.MessageText {
		fail("expected a text message")
		return
	}

	req, err := parseChatRequest(data)
	if err != nil {
		fail(err.Error())
		return
	}
	if !h.cfg.EnableStreaming {
		fail("streaming responses are disabled")
		return
	}
	req.ResponseMode = string(dify.ResponseModeStreaming)

	up, creds, err := h.openUpstream(r, req)
	if err != nil {
		fail(configErrorMessage(err))
		return
	}

	user := h.userFor(r, req.User)
	log := h.requestLogger(r, req, creds, user).With("transport", "websocket")
	mode := string(dify.ResponseModeStreaming)

	if !h.limiter.Allow(user) {
		h.metrics.requests.WithLabelValues(mode, statusRejected).Inc()
		fail("rate limit exceeded")
		return
	}
	release, err := h.streams.Acquire(user, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		h.metrics.requests.WithLabelValues(mode, statusRejected).Inc()
		fail(err.Error())
		return
	}
	defer release()

	// The client sends nothing more; CloseRead handles control frames and
	// cancels ctx when the peer closes.
	ctx = conn.CloseRead(ctx)
	h.relayStream(ctx, up, req.upstream(user), wsSink{ctx: ctx, conn: conn}, log)

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		log.Debug("WebSocket close failed", "error", err)
	}
}

// originPatterns converts the allowed origins to host patterns the
// WebSocket handshake checks against.
func (h *Handler) originPatterns() []string {
	patterns := make([]string, 0, len(h.cfg.AllowedOrigins))
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}
