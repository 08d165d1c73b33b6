package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/difyrelay/internal/dify"
	"github.com/ashureev/difyrelay/internal/identity"
	"github.com/ashureev/difyrelay/internal/sse"
)

// ErrTruncated is returned when a relay stream ends without a terminal frame.
var ErrTruncated = errors.New("relay: stream ended without a terminal frame")

// ResponseError is a non-2xx reply from the relay.
type ResponseError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *ResponseError) Error() string {
	msg := fmt.Sprintf("relay: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// FrameError is an error frame received on a relay stream.
type FrameError struct {
	Message string
}

func (e *FrameError) Error() string { return "relay stream error: " + e.Message }

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the relay root, e.g. http://localhost:8080.
	URL string
	// APIKey and DifyBaseURL are forwarded as per-request credentials when
	// set; otherwise the relay uses its own configuration.
	APIKey      string
	DifyBaseURL string
	SessionID   string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client talks to a relay server. It implements chat.Backend, so a chat
// session can run through the relay instead of calling the provider.
type Client struct {
	root        string
	apiKey      string
	difyBaseURL string
	sessionID   string
	http        *http.Client
	logger      *slog.Logger
}

// NewClient returns a relay client.
func NewClient(cfg ClientConfig) (*Client, error) {
	root := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	u, err := url.Parse(root)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("relay: invalid URL %q", cfg.URL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		root:        root,
		apiKey:      cfg.APIKey,
		difyBaseURL: cfg.DifyBaseURL,
		sessionID:   cfg.SessionID,
		http:        httpClient,
		logger:      logger,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.root + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
	if c.difyBaseURL != "" {
		req.Header.Set(BaseURLHeader, c.difyBaseURL)
	}
	if c.sessionID != "" {
		req.Header.Set(identity.SessionHeaderName, c.sessionID)
	}
	return req, nil
}

// do sends req and returns the response if it is 2xx.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, newResponseError(resp)
	}
	return resp, nil
}

func newResponseError(resp *http.Response) *ResponseError {
	rerr := &ResponseError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		rerr.Message, rerr.Detail = payload.Error, payload.Message
	} else {
		rerr.Message = strings.TrimSpace(string(data))
	}
	return rerr
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	req, err := c.newRequest(ctx, method, path, query, in)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode relay response: %w", err)
	}
	return nil
}

func chatBody(req dify.ChatRequest, mode dify.ResponseMode) *ChatRequest {
	return &ChatRequest{
		Message:        req.Query,
		User:           req.User,
		ConversationID: req.ConversationID,
		ResponseMode:   string(mode),
		Inputs:         req.Inputs,
	}
}

// SendChatMessage sends a blocking chat request through the relay.
// Attachments are not forwarded.
func (c *Client) SendChatMessage(ctx context.Context, req dify.ChatRequest) (*dify.ChatResponse, error) {
	var out struct {
		Success bool               `json:"success"`
		Answer  string             `json:"answer"`
		Data    *dify.ChatResponse `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat", nil, chatBody(req, dify.ResponseModeBlocking), &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = &dify.ChatResponse{}
	}
	if out.Data.Answer == "" {
		out.Data.Answer = out.Answer
	}
	return out.Data, nil
}

// StreamChatMessage streams a chat reply through the relay. An error frame
// ends the sequence with a *FrameError; a stream cut before its terminal
// frame ends it with ErrTruncated.
func (c *Client) StreamChatMessage(ctx context.Context, req dify.ChatRequest) iter.Seq2[*dify.Event, error] {
	return func(yield func(*dify.Event, error) bool) {
		hreq, err := c.newRequest(ctx, http.MethodPost, "/api/chat", nil, chatBody(req, dify.ResponseModeStreaming))
		if err != nil {
			yield(nil, err)
			return
		}
		hreq.Header.Set("Accept", "text/event-stream")
		resp, err := c.do(hreq)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		sc := sse.NewScanner(sse.NewReader(resp.Body, resp.Header.Get("Content-Type")))
		for {
			payload, err := sc.Next()
			if errors.Is(err, io.EOF) {
				if !sc.Done() {
					yield(nil, ErrTruncated)
				}
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}

			var frame struct {
				Error *string `json:"error"`
			}
			if json.Unmarshal(payload, &frame) == nil && frame.Error != nil {
				yield(nil, &FrameError{Message: *frame.Error})
				return
			}

			ev := new(dify.Event)
			if err := json.Unmarshal(payload, ev); err != nil {
				c.logger.Warn("Skipping malformed relay frame", "error", err)
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// StopGeneration stops a streaming task through the relay.
func (c *Client) StopGeneration(ctx context.Context, taskID, user string) (*dify.Result, error) {
	if taskID == "" {
		return nil, dify.ErrMissingTaskID
	}
	var out dify.Result
	err := c.doJSON(ctx, http.MethodPost, "/api/chat/"+url.PathEscape(taskID)+"/stop", nil, userBody{User: user}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SuggestedQuestions fetches follow-up questions through the relay.
func (c *Client) SuggestedQuestions(ctx context.Context, messageID, user string) ([]dify.SuggestedQuestion, error) {
	var out struct {
		Data []dify.SuggestedQuestion `json:"data"`
	}
	query := url.Values{"user": {user}}
	if err := c.doJSON(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(messageID)+"/suggested", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// MessageFeedback rates a message through the relay.
func (c *Client) MessageFeedback(ctx context.Context, messageID string, rating dify.Rating, user string) (*dify.Result, error) {
	if !rating.Valid() {
		return nil, dify.ErrInvalidRating
	}
	var out dify.Result
	body := feedbackBody{Rating: string(rating), User: user}
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/feedbacks", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Connect validates the relay's upstream credentials.
func (c *Client) Connect(ctx context.Context) (*dify.Connection, error) {
	var out dify.Connection
	if err := c.doJSON(ctx, http.MethodGet, "/api/connect", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
