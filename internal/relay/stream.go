package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/difyrelay/internal/dify"
	"github.com/ashureev/difyrelay/internal/identity"
	"github.com/ashureev/difyrelay/internal/sse"
)

// frameSink is where a relayed stream is written. Exactly one of Done and
// Error is called per stream, and neither after the consumer went away.
type frameSink interface {
	Event(ev *dify.Event) error
	Error(msg string) error
	Done() error
	KeepAlive() error
}

type sseSink struct {
	w *sse.Writer
}

func (s sseSink) Event(ev *dify.Event) error { return s.w.WriteJSON(ev) }
func (s sseSink) Error(msg string) error     { return s.w.WriteError(msg) }
func (s sseSink) Done() error                { return s.w.WriteDone() }
func (s sseSink) KeepAlive() error           { return s.w.WriteComment("ping") }

// HandleChat relays one chat message, as a blocking JSON reply or as an
// event stream depending on responseMode.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := parseChatRequest(data)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	up, creds, err := h.openUpstream(r, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, configErrorMessage(err))
		return
	}

	user := h.userFor(r, req.User)
	log := h.requestLogger(r, req, creds, user)
	mode := string(req.upstream(user).ResponseMode)

	if req.streaming() && !h.cfg.EnableStreaming {
		writeError(w, http.StatusBadRequest, "streaming responses are disabled")
		return
	}
	if !h.limiter.Allow(user) {
		h.metrics.requests.WithLabelValues(mode, statusRejected).Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if !req.streaming() {
		h.blocking(w, r, up, req.upstream(user), log)
		return
	}

	release, err := h.streams.Acquire(user, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		h.metrics.requests.WithLabelValues(mode, statusRejected).Inc()
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer release()

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	sw := sse.NewWriter(w)
	sw.Flush()

	h.relayStream(r.Context(), up, req.upstream(user), sseSink{w: sw}, log)
}

func writeRequestError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		writeError(w, reqErr.status, reqErr.msg)
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// blocking relays a blocking chat call.
func (h *Handler) blocking(w http.ResponseWriter, r *http.Request, up Upstream, req dify.ChatRequest, log *slog.Logger) {
	start := time.Now()
	resp, err := up.SendChatMessage(r.Context(), req)
	if err != nil {
		h.observe(string(dify.ResponseModeBlocking), statusError, start)
		log.Error("Chat request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to process chat message",
			"message": err.Error(),
		})
		return
	}

	h.observe(string(dify.ResponseModeBlocking), statusOK, start)
	log.Info("Chat request completed",
		"conversation_id", resp.ConversationID,
		"message_id", resp.MessageID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"answer":  resp.Answer,
		"data":    resp,
	})
}

func (h *Handler) observe(mode, status string, start time.Time) {
	h.metrics.requests.WithLabelValues(mode, status).Inc()
	h.metrics.duration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

type streamItem struct {
	ev  *dify.Event
	err error
}

// relayStream forwards upstream events to sink until the stream ends, the
// upstream fails or ctx is cancelled by the consumer going away.
//
// Exactly one terminal frame is written: [DONE] on natural end, one error
// frame on failure, and nothing at all once the consumer is gone. Keepalive
// comments are sent while the upstream is silent.
func (h *Handler) relayStream(ctx context.Context, up Upstream, req dify.ChatRequest, sink frameSink, log *slog.Logger) {
	start := time.Now()
	mode := string(dify.ResponseModeStreaming)
	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	pumpCtx, cancel := context.WithCancel(ctx)
	items := make(chan streamItem)
	go func() {
		defer close(items)
		for ev, err := range up.StreamChatMessage(pumpCtx, req) {
			select {
			case items <- streamItem{ev: ev, err: err}:
			case <-pumpCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	// Aborts the upstream request and waits for the pump to exit.
	defer func() {
		cancel()
		for range items {
		}
	}()

	var keepalive <-chan time.Time
	var ticker *time.Ticker
	if interval := h.cfg.SSE.KeepaliveInterval; interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	frames := 0
	var taskID, conversationID string
	disconnected := func(reason string) {
		h.metrics.clientDisconnects.Inc()
		h.observe(mode, statusDisconnected, start)
		log.Info("Stream abandoned by client", "reason", reason, "frames", frames, "task_id", taskID)
	}

	for {
		select {
		case <-ctx.Done():
			disconnected("context cancelled")
			return

		case <-keepalive:
			if err := sink.KeepAlive(); err != nil {
				disconnected("keepalive write failed")
				return
			}

		case it, ok := <-items:
			if !ok {
				if ctx.Err() != nil {
					disconnected("context cancelled")
					return
				}
				if err := sink.Done(); err != nil {
					disconnected("done write failed")
					return
				}
				h.observe(mode, statusOK, start)
				log.Info("Stream completed",
					"frames", frames,
					"task_id", taskID,
					"conversation_id", conversationID,
					"duration_ms", time.Since(start).Milliseconds(),
				)
				return
			}

			if it.err != nil {
				if ctx.Err() != nil {
					disconnected("context cancelled")
					return
				}
				h.observe(mode, statusError, start)
				log.Warn("Stream failed", "error", it.err, "frames", frames, "task_id", taskID)
				if err := sink.Error(it.err.Error()); err != nil {
					log.Debug("Failed to write error frame", "error", err)
				}
				return
			}

			if frames == 0 {
				h.metrics.timeToFirstEvent.Observe(time.Since(start).Seconds())
			}
			if taskID == "" {
				taskID = it.ev.TaskID
			}
			if conversationID == "" {
				conversationID = it.ev.ConversationID
			}
			if err := sink.Event(it.ev); err != nil {
				disconnected("event write failed")
				return
			}
			frames++
			h.metrics.frames.Inc()
			if ticker != nil {
				ticker.Reset(h.cfg.SSE.KeepaliveInterval)
			}
		}
	}
}
