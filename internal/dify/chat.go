package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/difyrelay/internal/sse"
	"go.opentelemetry.io/otel/attribute"
)

const chatMessagesPath = "/chat-messages"

// ErrMissingTaskID is returned by StopGeneration when no task is known.
var ErrMissingTaskID = errors.New("dify: task id is required")

type chatPayload struct {
	Query            string         `json:"query"`
	ResponseMode     ResponseMode   `json:"response_mode"`
	User             string         `json:"user"`
	Inputs           map[string]any `json:"inputs"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	AutoGenerateName bool           `json:"auto_generate_name"`
}

func (r *ChatRequest) validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return ErrEmptyQuery
	}
	if strings.TrimSpace(r.User) == "" {
		return ErrMissingUser
	}
	return nil
}

// chatBody encodes r as JSON, or as multipart form data when it has files.
func chatBody(r ChatRequest, mode ResponseMode) (*requestBody, error) {
	inputs := r.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	if len(r.Files) == 0 {
		return jsonBody(chatPayload{
			Query:            r.Query,
			ResponseMode:     mode,
			User:             r.User,
			Inputs:           inputs,
			ConversationID:   r.ConversationID,
			AutoGenerateName: true,
		})
	}
	return multipartBody(r, mode, inputs)
}

func multipartBody(r ChatRequest, mode ResponseMode, inputs map[string]any) (*requestBody, error) {
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inputs: %w", err)
	}

	fields := [][2]string{
		{"query", r.Query},
		{"response_mode", string(mode)},
		{"user", r.User},
	}
	if r.ConversationID != "" {
		fields = append(fields, [2]string{"conversation_id", r.ConversationID})
	}
	fields = append(fields, [2]string{"inputs", string(inputsJSON)})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", f[0], err)
		}
	}

	for _, f := range r.Files {
		if f.Reader == nil {
			return nil, fmt.Errorf("file %q has no content", f.Name)
		}
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "files",
			"filename": f.Name,
		}))
		h.Set("Content-Type", contentType)

		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file %q: %w", f.Name, err)
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return nil, fmt.Errorf("failed to read file %q: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}
	return &requestBody{reader: &buf, contentType: mw.FormDataContentType()}, nil
}

// SendChatMessage sends a message in blocking mode and returns the full
// answer.
func (c *Client) SendChatMessage(ctx context.Context, req ChatRequest) (resp *ChatResponse, err error) {
	if err = req.validate(); err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "SendChatMessage", http.MethodPost, chatMessagesPath)
	defer func() { endSpan(span, err) }()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := chatBody(req, ResponseModeBlocking)
	if err != nil {
		return nil, err
	}
	var out ChatResponse
	if err = c.roundTrip(ctx, http.MethodPost, chatMessagesPath, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamChatMessage sends a message in streaming mode and yields every
// decoded event in arrival order.
//
// The sequence ends without an error at the [DONE] sentinel or when the
// provider closes the body. A transport failure, a non-2xx status or a
// provider error record is yielded once as the final element. Stopping the
// iteration early closes the upstream connection.
func (c *Client) StreamChatMessage(ctx context.Context, req ChatRequest) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		if err := req.validate(); err != nil {
			yield(nil, err)
			return
		}

		ctx, span := startSpan(ctx, "StreamChatMessage", http.MethodPost, chatMessagesPath)
		var streamErr error
		events := 0
		defer func() {
			span.SetAttributes(attribute.Int("dify.stream.events", events))
			endSpan(span, streamErr)
		}()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		resp, err := c.openStream(ctx, cancel, req)
		if err != nil {
			streamErr = err
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		body := sse.NewReader(resp.Body, resp.Header.Get("Content-Type"))
		for ev, err := range sse.Events[Event](body, c.logger) {
			if err != nil {
				streamErr = fmt.Errorf("chat stream error: %w", err)
				yield(nil, streamErr)
				return
			}
			if ev.IsError() {
				streamErr = &StreamError{Event: ev}
				yield(nil, streamErr)
				return
			}
			events++
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// openStream issues the streaming request. When a timeout is configured it
// only covers the wait for response headers.
func (c *Client) openStream(ctx context.Context, cancel context.CancelFunc, req ChatRequest) (*http.Response, error) {
	body, err := chatBody(req, ResponseModeStreaming)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, chatMessagesPath, nil, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, cancel)
	}
	resp, err := c.send(httpReq)
	if timer != nil && !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w after %s waiting for stream headers", ErrTimeout, c.timeout)
	}
	if err != nil {
		return nil, err
	}

	// Some application types answer a streaming request with a JSON error.
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "application/json" {
		defer resp.Body.Close()
		apiErr := newAPIError(resp)
		if apiErr.Message == "" {
			apiErr.Message = "unexpected JSON response to streaming request"
		}
		return nil, apiErr
	}
	return resp, nil
}

// SendChatMessageStream is the callback form of StreamChatMessage.
//
// onEvent is invoked synchronously for each event in arrival order. Exactly
// one of onError and onComplete is invoked afterwards. Nil callbacks are
// skipped.
func (c *Client) SendChatMessageStream(
	ctx context.Context,
	req ChatRequest,
	onEvent func(*Event),
	onError func(error),
	onComplete func(),
) {
	for ev, err := range c.StreamChatMessage(ctx, req) {
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if onComplete != nil {
		onComplete()
	}
}

// StopGeneration asks the provider to stop the streaming task taskID.
func (c *Client) StopGeneration(ctx context.Context, taskID, user string) (*Result, error) {
	if taskID == "" {
		return nil, ErrMissingTaskID
	}
	var out Result
	path := chatMessagesPath + "/" + url.PathEscape(taskID) + "/stop"
	if err := c.doJSON(ctx, "StopGeneration", http.MethodPost, path, nil, map[string]string{"user": user}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
