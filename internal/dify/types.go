// Package dify is a client for the Dify application HTTP API.
package dify

import (
	"bytes"
	"encoding/json"
	"io"
)

// ResponseMode selects a blocking JSON reply or an event stream.
type ResponseMode string

const (
	// ResponseModeBlocking returns one JSON object once generation finishes.
	ResponseModeBlocking ResponseMode = "blocking"
	// ResponseModeStreaming returns a text/event-stream body.
	ResponseModeStreaming ResponseMode = "streaming"
)

// Event names emitted by the chat-messages stream.
const (
	EventMessage         = "message"
	EventAgentMessage    = "agent_message"
	EventAgentThought    = "agent_thought"
	EventMessageFile     = "message_file"
	EventMessageEnd      = "message_end"
	EventMessageReplace  = "message_replace"
	EventTTSMessage      = "tts_message"
	EventTTSMessageEnd   = "tts_message_end"
	EventWorkflowStarted = "workflow_started"
	EventNodeStarted     = "node_started"
	EventNodeFinished    = "node_finished"
	EventWorkflowEnded   = "workflow_finished"
	EventError           = "error"
	EventPing            = "ping"
)

// File is one attachment uploaded with a chat message.
type File struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// ChatRequest is the input of a chat-messages call.
type ChatRequest struct {
	Query          string
	User           string
	ConversationID string
	Inputs         map[string]any
	Files          []File
	ResponseMode   ResponseMode
}

// Usage is the token and cost accounting of one answer.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalPrice       string  `json:"total_price,omitempty"`
	Currency         string  `json:"currency,omitempty"`
	Latency          float64 `json:"latency,omitempty"`
}

// RetrieverResource is a knowledge-base citation attached to an answer.
type RetrieverResource struct {
	Position     int     `json:"position"`
	DatasetID    string  `json:"dataset_id"`
	DatasetName  string  `json:"dataset_name"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	SegmentID    string  `json:"segment_id"`
	Score        float64 `json:"score"`
	Content      string  `json:"content"`
}

// Metadata carries usage and citations of a finished answer.
type Metadata struct {
	Usage              *Usage              `json:"usage,omitempty"`
	RetrieverResources []RetrieverResource `json:"retriever_resources,omitempty"`
}

// ChatResponse is the reply of a blocking chat-messages call.
type ChatResponse struct {
	Event          string    `json:"event"`
	TaskID         string    `json:"task_id"`
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Mode           string    `json:"mode"`
	Answer         string    `json:"answer"`
	Metadata       *Metadata `json:"metadata,omitempty"`
	CreatedAt      int64     `json:"created_at"`
}

// Event is one decoded record of a chat-messages stream.
//
// Raw holds the record exactly as received so it can be forwarded without
// dropping fields this type does not model.
type Event struct {
	Event          string    `json:"event"`
	TaskID         string    `json:"task_id,omitempty"`
	ID             string    `json:"id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Answer         string    `json:"answer,omitempty"`
	Metadata       *Metadata `json:"metadata,omitempty"`
	CreatedAt      int64     `json:"created_at,omitempty"`

	// Set on error events only.
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps a copy of the raw record.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = Event(p)
	e.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON returns the raw record when the event was decoded from a
// stream, and the known fields otherwise. A raw record is compacted if it
// carries line breaks, so it always fits on one event-stream line.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		if !bytes.ContainsAny(e.Raw, "\r\n") {
			return e.Raw, nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, e.Raw); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	type plain Event
	return json.Marshal(plain(e))
}

// Fragment returns the answer text to append. Any event carrying a
// non-empty answer is content, whatever its tag.
func (e *Event) Fragment() string {
	return e.Answer
}

// IsTerminal reports whether e is the message_end record.
func (e *Event) IsTerminal() bool {
	return e.Event == EventMessageEnd
}

// IsError reports whether e is a provider error record.
func (e *Event) IsError() bool {
	return e.Event == EventError
}

// SuggestedQuestion is one follow-up question proposed after an answer.
type SuggestedQuestion struct {
	Question string `json:"question"`
}

// UnmarshalJSON accepts both a bare string and a {"question": ...} object.
func (q *SuggestedQuestion) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		q.Question = s
		return nil
	}
	type plain SuggestedQuestion
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*q = SuggestedQuestion(p)
	return nil
}

// Conversation is the metadata of one stored conversation.
type Conversation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Status    string         `json:"status"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at,omitempty"`
}

// ConversationList is one page of conversations.
type ConversationList struct {
	Data    []Conversation `json:"data"`
	HasMore bool           `json:"has_more"`
	Limit   int            `json:"limit"`
}

// Feedback is the rating a user left on a message.
type Feedback struct {
	Rating Rating `json:"rating"`
}

// HistoryMessage is one stored exchange of a conversation.
type HistoryMessage struct {
	ID                 string              `json:"id"`
	ConversationID     string              `json:"conversation_id"`
	Inputs             map[string]any      `json:"inputs,omitempty"`
	Query              string              `json:"query"`
	Answer             string              `json:"answer"`
	Feedback           *Feedback           `json:"feedback,omitempty"`
	RetrieverResources []RetrieverResource `json:"retriever_resources,omitempty"`
	CreatedAt          int64               `json:"created_at"`
}

// MessageList is one page of conversation history.
type MessageList struct {
	Data    []HistoryMessage `json:"data"`
	HasMore bool             `json:"has_more"`
	Limit   int              `json:"limit"`
}

// Result is the acknowledgement returned by mutating endpoints.
type Result struct {
	Result string `json:"result"`
}

// Rating is a feedback value for a message.
type Rating string

const (
	RatingLike    Rating = "like"
	RatingDislike Rating = "dislike"
)

// Valid reports whether r is a rating the provider accepts.
func (r Rating) Valid() bool {
	return r == RatingLike || r == RatingDislike
}

// AppInfo describes the application behind an API key.
type AppInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Mode        string   `json:"mode,omitempty"`
}

// FormField is one configured input variable of the application.
type FormField struct {
	Label     string   `json:"label"`
	Variable  string   `json:"variable"`
	Required  bool     `json:"required"`
	MaxLength int      `json:"max_length,omitempty"`
	Default   string   `json:"default,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// Toggle is a feature switch in the application parameters.
type Toggle struct {
	Enabled bool `json:"enabled"`
}

// AppParameters is the input and feature configuration of the application.
//
// Each element of UserInputForm maps a control type (text-input, paragraph,
// select, number) to its field definition.
type AppParameters struct {
	OpeningStatement              string                 `json:"opening_statement,omitempty"`
	SuggestedQuestions            []string               `json:"suggested_questions,omitempty"`
	SuggestedQuestionsAfterAnswer *Toggle                `json:"suggested_questions_after_answer,omitempty"`
	UserInputForm                 []map[string]FormField `json:"user_input_form,omitempty"`
	FileUpload                    json.RawMessage        `json:"file_upload,omitempty"`
}

// Fields flattens UserInputForm into its field definitions, in order.
func (p *AppParameters) Fields() []FormField {
	var out []FormField
	for _, entry := range p.UserInputForm {
		for _, f := range entry {
			out = append(out, f)
		}
	}
	return out
}

// Connection is the result of connect-time discovery. Parameters is nil if
// they could not be fetched.
type Connection struct {
	Info       *AppInfo       `json:"info"`
	Parameters *AppParameters `json:"parameters,omitempty"`
}
