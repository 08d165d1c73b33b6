package chat

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/difyrelay/internal/dify"
)

// suggestTimeout bounds the follow-up questions fetch.
const suggestTimeout = 10 * time.Second

// Options configures a Session.
type Options struct {
	// User identifies the end user to the provider. Defaults to DefaultUser.
	User string
	// ConversationID resumes an existing conversation.
	ConversationID string
	// Inputs is sent with every message as the application's input variables.
	Inputs map[string]any
	Logger *slog.Logger
	// OnChange is called with a fresh snapshot after every state change. It
	// runs on the goroutine that caused the change, outside the session lock.
	OnChange func(Snapshot)
}

// streamTask is the handle of one streaming reply.
type streamTask struct {
	targetID  string
	taskID    string
	messageID string
	metadata  *dify.Metadata
	content   strings.Builder
	cancel    context.CancelFunc
}

// Session is the conversation state of one user session. At most one send
// is in flight at a time; a second send while one is in progress is
// rejected with ErrBusy and changes nothing.
type Session struct {
	backend  Backend
	user     string
	inputs   map[string]any
	logger   *slog.Logger
	onChange func(Snapshot)

	mu             sync.Mutex
	messages       []*Message
	conversationID string
	state          State
	busy           bool
	active         *streamTask
	suggestions    []string
	lastErr        string
	// turn increments on every send so late suggestion fetches from an
	// earlier turn are discarded.
	turn uint64
}

// New returns an idle session backed by backend.
func New(backend Backend, opts Options) *Session {
	user := opts.User
	if user == "" {
		user = DefaultUser
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		backend:        backend,
		user:           user,
		inputs:         opts.Inputs,
		logger:         logger,
		onChange:       opts.OnChange,
		conversationID: opts.ConversationID,
		state:          StateIdle,
	}
}

// User returns the end-user identifier sent upstream.
func (s *Session) User() string {
	return s.user
}

// begin starts a turn and appends the user message. A non-nil cancel makes
// the turn a stream with an open assistant slot.
func (s *Session) begin(text string, cancel context.CancelFunc) (dify.ChatRequest, *streamTask, error) {
	if strings.TrimSpace(text) == "" {
		return dify.ChatRequest{}, nil, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return dify.ChatRequest{}, nil, ErrBusy
	}
	s.busy = true
	s.turn++
	s.state = StateSending
	s.lastErr = ""
	s.suggestions = nil
	s.messages = append(s.messages, &Message{
		ID:        newMessageID(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	})

	mode := dify.ResponseModeBlocking
	var task *streamTask
	if cancel != nil {
		mode = dify.ResponseModeStreaming
		slot := &Message{
			ID:        newMessageID(),
			Role:      RoleAssistant,
			Streaming: true,
			CreatedAt: time.Now(),
		}
		s.messages = append(s.messages, slot)
		task = &streamTask{targetID: slot.ID, cancel: cancel}
		s.active = task
	}

	req := dify.ChatRequest{
		Query:          text,
		User:           s.user,
		ConversationID: s.conversationID,
		Inputs:         s.inputs,
		ResponseMode:   mode,
	}
	return req, task, nil
}

// Send sends text in blocking mode and appends the reply once it arrives.
// On failure the reply is the fixed failure text and the error is returned.
func (s *Session) Send(ctx context.Context, text string) error {
	req, _, err := s.begin(text, nil)
	if err != nil {
		return err
	}
	s.notify()

	resp, err := s.backend.SendChatMessage(ctx, req)

	s.mu.Lock()
	s.busy = false
	if err != nil {
		s.messages = append(s.messages, &Message{
			ID:        newMessageID(),
			Role:      RoleAssistant,
			Content:   FailureText,
			Failed:    true,
			CreatedAt: time.Now(),
		})
		s.state = StateErrored
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.notify()
		s.logger.Warn("Chat message failed", "error", err)
		return fmt.Errorf("send message: %w", err)
	}

	answer := resp.Answer
	if answer == "" {
		answer = EmptyAnswerText
	}
	serverID := resp.MessageID
	if serverID == "" {
		serverID = resp.ID
	}
	s.messages = append(s.messages, &Message{
		ID:              newMessageID(),
		Role:            RoleAssistant,
		Content:         answer,
		ServerMessageID: serverID,
		Metadata:        resp.Metadata,
		CreatedAt:       time.Now(),
	})
	s.captureConversationLocked(resp.ConversationID)
	s.state = StateCompleted
	turn := s.turn
	s.mu.Unlock()
	s.notify()

	s.startSuggestions(ctx, turn, serverID)
	return nil
}

// SendStream sends text in streaming mode and folds every event into the
// open assistant message until the stream ends. It blocks until then; Stop
// may be called from another goroutine.
//
// It returns nil when the reply completed or was stopped, and the transport
// error when it failed.
func (s *Session) SendStream(ctx context.Context, text string) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, task, err := s.begin(text, cancel)
	if err != nil {
		return err
	}
	s.notify()

	var streamErr error
	for ev, err := range s.backend.StreamChatMessage(streamCtx, req) {
		if err != nil {
			streamErr = err
			break
		}
		if !s.apply(task, ev) {
			break
		}
	}
	return s.finish(ctx, task, streamErr)
}

// apply folds one event into the task's message. It reports false once the
// task is no longer the active one.
func (s *Session) apply(task *streamTask, ev *dify.Event) bool {
	s.mu.Lock()
	if s.active != task {
		s.mu.Unlock()
		return false
	}

	if task.taskID == "" && ev.TaskID != "" {
		task.taskID = ev.TaskID
	}
	if id := cmp.Or(ev.MessageID, ev.ID); id != "" {
		task.messageID = id
	}
	if ev.Metadata != nil {
		task.metadata = ev.Metadata
	}
	s.captureConversationLocked(ev.ConversationID)
	s.state = StateStreaming

	if frag := ev.Fragment(); frag != "" {
		task.content.WriteString(frag)
		if msg := s.findLocked(task.targetID); msg != nil {
			msg.Content = task.content.String()
		}
	}
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Session) finish(ctx context.Context, task *streamTask, streamErr error) error {
	s.mu.Lock()
	if s.active != task {
		// Stopped; Stop already finalized the message.
		s.mu.Unlock()
		return nil
	}
	s.active = nil
	s.busy = false

	msg := s.findLocked(task.targetID)
	msg.Streaming = false

	if streamErr != nil {
		if msg.Content == "" {
			msg.Content = FailureText
		}
		msg.Failed = true
		s.state = StateErrored
		s.lastErr = streamErr.Error()
		s.mu.Unlock()
		s.notify()
		s.logger.Warn("Chat stream failed", "task_id", task.taskID, "error", streamErr)
		return fmt.Errorf("stream message: %w", streamErr)
	}

	msg.ServerMessageID = task.messageID
	msg.Metadata = task.metadata
	s.state = StateCompleted
	turn := s.turn
	s.mu.Unlock()
	s.notify()

	s.startSuggestions(ctx, turn, task.messageID)
	return nil
}

// Stop ends the streaming reply in progress. The open message is frozen
// and the state becomes stopped before the provider is asked to stop, so
// the caller never waits on the upstream acknowledgment to see the change.
//
// Stop is a no-op when no stream is active. A failed upstream stop is
// returned but does not undo the local stop.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	task := s.active
	if task == nil {
		s.mu.Unlock()
		return nil
	}
	s.active = nil
	s.busy = false
	s.state = StateStopped
	if msg := s.findLocked(task.targetID); msg != nil {
		msg.Streaming = false
		msg.ServerMessageID = task.messageID
		msg.Metadata = task.metadata
	}
	taskID := task.taskID
	task.cancel()
	s.mu.Unlock()
	s.notify()

	if taskID == "" {
		return nil
	}
	if _, err := s.backend.StopGeneration(ctx, taskID, s.user); err != nil {
		s.logger.Warn("Failed to stop generation upstream", "task_id", taskID, "error", err)
		return fmt.Errorf("stop generation: %w", err)
	}
	return nil
}

// startSuggestions fetches follow-up questions for a finished reply in the
// background. The fetch outlives the send's context and is bounded by
// suggestTimeout instead.
func (s *Session) startSuggestions(ctx context.Context, turn uint64, serverID string) {
	if serverID == "" || ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), suggestTimeout)
	go func() {
		defer cancel()
		s.fetchSuggestions(ctx, turn, serverID)
	}()
}

// fetchSuggestions stores the questions unless a newer turn started.
// Failures are logged and otherwise ignored.
func (s *Session) fetchSuggestions(ctx context.Context, turn uint64, serverID string) {
	qs, err := s.backend.SuggestedQuestions(ctx, serverID, s.user)
	if err != nil {
		s.logger.Debug("Suggested questions unavailable", "message_id", serverID, "error", err)
		return
	}
	if len(qs) == 0 {
		return
	}
	texts := make([]string, 0, len(qs))
	for _, q := range qs {
		if q.Question != "" {
			texts = append(texts, q.Question)
		}
	}

	s.mu.Lock()
	if s.turn != turn {
		s.mu.Unlock()
		return
	}
	s.suggestions = texts
	s.mu.Unlock()
	s.notify()
}

// Feedback rates a finalized assistant message by its local id. Errors are
// returned to the caller; conversation state only changes on success.
func (s *Session) Feedback(ctx context.Context, messageID string, rating dify.Rating) error {
	if !rating.Valid() {
		return dify.ErrInvalidRating
	}

	s.mu.Lock()
	msg := s.findLocked(messageID)
	if msg == nil {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if msg.Role != RoleAssistant || msg.Streaming || msg.ServerMessageID == "" {
		s.mu.Unlock()
		return ErrNotFinalized
	}
	serverID := msg.ServerMessageID
	s.mu.Unlock()

	if _, err := s.backend.MessageFeedback(ctx, serverID, rating, s.user); err != nil {
		return fmt.Errorf("message feedback: %w", err)
	}

	s.mu.Lock()
	if msg := s.findLocked(messageID); msg != nil {
		msg.Rating = rating
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Clear removes all messages, suggestions and the last error but keeps the
// conversation id. It is rejected while a send is in flight.
func (s *Session) Clear() error {
	return s.reset(false)
}

// NewConversation clears the session and forgets the conversation id, so
// the next send starts a new conversation.
func (s *Session) NewConversation() error {
	return s.reset(true)
}

func (s *Session) reset(forget bool) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.messages = nil
	s.suggestions = nil
	s.lastErr = ""
	s.state = StateIdle
	s.turn++
	if forget {
		s.conversationID = ""
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Messages:       make([]Message, len(s.messages)),
		ConversationID: s.conversationID,
		State:          s.state,
		LastError:      s.lastErr,
		Suggestions:    append([]string(nil), s.suggestions...),
	}
	for i, m := range s.messages {
		snap.Messages[i] = m.clone()
	}
	if s.active != nil {
		snap.TaskID = s.active.taskID
	}
	return snap
}

// State returns the phase of the most recent send.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the provider's conversation id, empty until the
// first reply.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// LastError returns the error text of the last failed send.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// captureConversationLocked records the conversation id the first time one
// is seen. Later ids never replace it.
func (s *Session) captureConversationLocked(id string) {
	if s.conversationID == "" && id != "" {
		s.conversationID = id
	}
}

func (s *Session) findLocked(id string) *Message {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return s.messages[i]
		}
	}
	return nil
}

func (s *Session) notify() {
	if s.onChange == nil {
		return
	}
	s.onChange(s.Snapshot())
}
