package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ashureev/difyrelay/internal/dify"
)

// MaxMessageBytes bounds the query of a single chat request.
const MaxMessageBytes = 32 * 1024

// Headers carrying per-request upstream credentials.
const (
	APIKeyHeader  = "X-Dify-Api-Key"
	BaseURLHeader = "X-Dify-Base-URL"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks the byte length, not the rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageBytes
}

// ChatRequest is the body of POST /api/chat and the first message of a
// WebSocket chat.
type ChatRequest struct {
	Message        string         `json:"message" validate:"required,maxbytes"`
	User           string         `json:"user,omitempty" validate:"omitempty,max=256"`
	ConversationID string         `json:"conversationId,omitempty" validate:"omitempty,max=128"`
	ResponseMode   string         `json:"responseMode,omitempty" validate:"omitempty,oneof=blocking streaming"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	APIKey         string         `json:"apiKey,omitempty"`
	BaseURL        string         `json:"baseURL,omitempty" validate:"omitempty,url"`
}

// streaming reports whether the caller asked for an event stream. The
// default mode is blocking.
func (r *ChatRequest) streaming() bool {
	return r.ResponseMode == string(dify.ResponseModeStreaming)
}

// upstream converts the relay body to a provider request for user.
func (r *ChatRequest) upstream(user string) dify.ChatRequest {
	mode := dify.ResponseModeBlocking
	if r.streaming() {
		mode = dify.ResponseModeStreaming
	}
	return dify.ChatRequest{
		Query:          r.Message,
		User:           user,
		ConversationID: r.ConversationID,
		Inputs:         r.Inputs,
		ResponseMode:   mode,
	}
}

// requestError is a client error with the status it should be answered with.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) *requestError {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// parseChatRequest decodes and validates a chat body.
func parseChatRequest(data []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, badRequest("invalid JSON body")
	}
	req.Message = strings.TrimSpace(req.Message)
	if err := validate.Struct(&req); err != nil {
		return nil, validationError(err)
	}
	return &req, nil
}

// validationError turns validator output into one readable message.
func validationError(err error) *requestError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return badRequest("invalid request: %v", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "maxbytes":
			msgs = append(msgs, fmt.Sprintf("%s exceeds %d bytes", fe.Field(), MaxMessageBytes))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		case "url":
			msgs = append(msgs, fe.Field()+" must be a URL")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return badRequest("%s", strings.Join(msgs, "; "))
}

// Credentials select the upstream application for one request.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// resolveCredentials picks body fields, then headers, then server config,
// independently for key and URL. It fails before any network call.
func resolveCredentials(r *http.Request, body *ChatRequest, fallback Credentials) (Credentials, error) {
	var creds Credentials
	if body != nil {
		creds = Credentials{APIKey: body.APIKey, BaseURL: body.BaseURL}
	}
	if creds.APIKey == "" {
		creds.APIKey = r.Header.Get(APIKeyHeader)
	}
	if creds.BaseURL == "" {
		creds.BaseURL = r.Header.Get(BaseURLHeader)
	}
	if creds.APIKey == "" {
		creds.APIKey = fallback.APIKey
	}
	if creds.BaseURL == "" {
		creds.BaseURL = fallback.BaseURL
	}

	creds.APIKey = strings.TrimSpace(creds.APIKey)
	creds.BaseURL = strings.TrimSpace(creds.BaseURL)
	switch {
	case creds.APIKey == "":
		return creds, dify.ErrMissingAPIKey
	case creds.BaseURL == "":
		return creds, dify.ErrMissingBaseURL
	}
	return creds, nil
}

// credentialsFromRequest reports whether the caller supplied its own key.
// Keys themselves are never logged.
func credentialsFromRequest(r *http.Request, body *ChatRequest) bool {
	return r.Header.Get(APIKeyHeader) != "" || (body != nil && body.APIKey != "")
}
