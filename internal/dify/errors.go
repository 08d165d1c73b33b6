package dify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Configuration errors. They are returned before any request is sent.
var (
	ErrMissingAPIKey  = errors.New("dify: API key not provided")
	ErrMissingBaseURL = errors.New("dify: API base URL not provided")
	ErrInvalidBaseURL = errors.New("dify: invalid API base URL")
	ErrMissingUser    = errors.New("dify: user is required")
	ErrEmptyQuery     = errors.New("dify: query is required")
	ErrInvalidRating  = errors.New("dify: rating must be like or dislike")
)

// ErrTimeout is returned when the provider does not answer within the
// configured timeout.
var ErrTimeout = errors.New("dify: request timed out")

const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Status     string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("Dify API Error: %s: %s", e.Status, e.Message)
	}
	return "Dify API Error: " + e.Status
}

// newAPIError builds an APIError from resp, reading the provider's
// {code, message} body when there is one.
func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
	if apiErr.Status == "" {
		apiErr.Status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return apiErr
	}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}

// StreamError is an error record received inside an event stream.
type StreamError struct {
	Event *Event
}

func (e *StreamError) Error() string {
	msg := e.Event.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Event.Code != "" {
		return fmt.Sprintf("Dify stream error: %s: %s", e.Event.Code, msg)
	}
	return "Dify stream error: " + msg
}
