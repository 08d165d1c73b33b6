// Package chat folds a chat backend's replies into conversation state for
// one user session.
package chat

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/ashureev/difyrelay/internal/dify"
	"github.com/google/uuid"
)

// Fixed assistant texts shown in place of an answer.
const (
	FailureText     = "Sorry, an error occurred. Please try again later."
	EmptyAnswerText = "Sorry, I can't answer that."
)

// DefaultUser identifies the end user when none is configured.
const DefaultUser = "default-user"

var (
	// ErrBusy is returned when a send is attempted while another is in flight.
	ErrBusy = errors.New("chat: a reply is already in progress")
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("chat: message is empty")
	// ErrUnknownMessage is returned when a message id is not in the session.
	ErrUnknownMessage = errors.New("chat: unknown message")
	// ErrNotFinalized is returned when feedback targets a message the
	// provider has not assigned an id to.
	ErrNotFinalized = errors.New("chat: message is not a finalized reply")
)

// Backend is the upstream a Session talks to: the provider client directly
// or a relay in front of it.
type Backend interface {
	SendChatMessage(ctx context.Context, req dify.ChatRequest) (*dify.ChatResponse, error)
	StreamChatMessage(ctx context.Context, req dify.ChatRequest) iter.Seq2[*dify.Event, error]
	StopGeneration(ctx context.Context, taskID, user string) (*dify.Result, error)
	SuggestedQuestions(ctx context.Context, messageID, user string) ([]dify.SuggestedQuestion, error)
	MessageFeedback(ctx context.Context, messageID string, rating dify.Rating, user string) (*dify.Result, error)
}

// State is the phase of the most recent send.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateErrored   State = "errored"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation.
type Message struct {
	ID              string         `json:"id"`
	Role            Role           `json:"role"`
	Content         string         `json:"content"`
	Streaming       bool           `json:"streaming"`
	Failed          bool           `json:"failed,omitempty"`
	ServerMessageID string         `json:"serverMessageId,omitempty"`
	Metadata        *dify.Metadata `json:"metadata,omitempty"`
	Rating          dify.Rating    `json:"rating,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

func (m *Message) clone() Message {
	out := *m
	out.Metadata = cloneMetadata(m.Metadata)
	return out
}

func cloneMetadata(md *dify.Metadata) *dify.Metadata {
	if md == nil {
		return nil
	}
	out := &dify.Metadata{}
	if md.Usage != nil {
		usage := *md.Usage
		out.Usage = &usage
	}
	if md.RetrieverResources != nil {
		out.RetrieverResources = append([]dify.RetrieverResource(nil), md.RetrieverResources...)
	}
	return out
}

// Snapshot is a copy of the session state, safe to read while the session
// keeps changing.
type Snapshot struct {
	Messages       []Message `json:"messages"`
	ConversationID string    `json:"conversationId,omitempty"`
	State          State     `json:"state"`
	TaskID         string    `json:"taskId,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	Suggestions    []string  `json:"suggestions,omitempty"`
}

// Busy reports whether a send is in flight.
func (s Snapshot) Busy() bool {
	return s.State == StateSending || s.State == StateStreaming
}

// Last returns the newest message, or nil for an empty conversation.
func (s Snapshot) Last() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// newMessageID returns a time-ordered identifier.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
