package main

import (
	"bytes"
	"context"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/difyrelay/internal/chat"
	"github.com/ashureev/difyrelay/internal/dify"
	"github.com/ashureev/difyrelay/internal/relay"
)

type fakeBackend struct {
	mu       sync.Mutex
	events   []*dify.Event
	answer   string
	ratings  []dify.Rating
	requests []dify.ChatRequest
	// hold, when set, keeps SuggestedQuestions waiting until closed.
	hold chan struct{}
}

func (f *fakeBackend) SendChatMessage(_ context.Context, req dify.ChatRequest) (*dify.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &dify.ChatResponse{MessageID: "srv-1", ConversationID: "conv-1", Answer: f.answer}, nil
}

func (f *fakeBackend) StreamChatMessage(_ context.Context, req dify.ChatRequest) iter.Seq2[*dify.Event, error] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return func(yield func(*dify.Event, error) bool) {
		for _, ev := range f.events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (f *fakeBackend) StopGeneration(context.Context, string, string) (*dify.Result, error) {
	return &dify.Result{Result: "success"}, nil
}

func (f *fakeBackend) SuggestedQuestions(ctx context.Context, _, _ string) ([]dify.SuggestedQuestion, error) {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []dify.SuggestedQuestion{{Question: "And then?"}}, nil
}

func (f *fakeBackend) MessageFeedback(_ context.Context, _ string, rating dify.Rating, _ string) (*dify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratings = append(f.ratings, rating)
	return &dify.Result{Result: "success"}, nil
}

// newTestREPL returns a REPL reading input and a func returning its output
// so far.
func newTestREPL(b chat.Backend, input string, stream bool) (*chatREPL, func() string) {
	var buf bytes.Buffer
	r := newChatREPL(b, strings.NewReader(input), &buf, stream, nil, chat.Options{
		User:   "tester",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	w := r.out.(*syncWriter)
	return r, func() string {
		w.mu.Lock()
		defer w.mu.Unlock()
		return buf.String()
	}
}

func TestDeltaPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &deltaPrinter{w: &buf}

	snap := func(id string, role chat.Role, content string) chat.Snapshot {
		return chat.Snapshot{Messages: []chat.Message{{ID: id, Role: role, Content: content}}}
	}

	p.Update(snap("u1", chat.RoleUser, "question"))
	p.Update(snap("a1", chat.RoleAssistant, ""))
	p.Update(snap("a1", chat.RoleAssistant, "Hel"))
	p.Update(snap("a1", chat.RoleAssistant, "Hello"))
	p.Update(snap("a1", chat.RoleAssistant, "Hello"))
	p.Update(snap("a2", chat.RoleAssistant, "Bye"))

	assert.Equal(t, "HelloBye", buf.String())
}

func TestREPLStreamsAnswer(t *testing.T) {
	b := &fakeBackend{events: []*dify.Event{
		{Event: dify.EventMessage, TaskID: "task-1", ConversationID: "conv-1", Answer: "Hi "},
		{Event: dify.EventMessage, Answer: "there"},
		{Event: dify.EventMessageEnd, MessageID: "srv-1"},
	}}
	r, out := newTestREPL(b, "hello\n/like\n/quit\n", true)

	require.NoError(t, r.run(context.Background()))

	assert.Eventually(t, func() bool {
		return strings.Contains(out(), "Suggested:\n  - And then?")
	}, 2*time.Second, 5*time.Millisecond)
	text := out()
	assert.Contains(t, text, "Hi there")
	assert.Contains(t, text, "Thanks for the feedback.")
	assert.Equal(t, []dify.Rating{dify.RatingLike}, b.ratings)
	require.Len(t, b.requests, 1)
	assert.Equal(t, "hello", b.requests[0].Query)
	assert.Equal(t, "tester", b.requests[0].User)
	assert.Equal(t, "conv-1", r.session.ConversationID())
}

func TestREPLBlockingMode(t *testing.T) {
	b := &fakeBackend{answer: "Blocking answer"}
	r, out := newTestREPL(b, "hello\n", false)

	require.NoError(t, r.run(context.Background()))

	assert.Equal(t, 1, strings.Count(out(), "Blocking answer"))
	assert.Equal(t, dify.ResponseModeBlocking, b.requests[0].ResponseMode)
}

func TestREPLCommands(t *testing.T) {
	b := &fakeBackend{answer: "ok"}
	r, out := newTestREPL(b, "/dislike\n/bogus\nhi\n/new\n/quit\nignored\n", false)

	require.NoError(t, r.run(context.Background()))

	text := out()
	assert.Contains(t, text, "nothing to rate yet")
	assert.Contains(t, text, "unknown command /bogus")
	assert.Contains(t, text, "Started a new conversation.")
	assert.Empty(t, r.session.ConversationID())
	assert.Len(t, b.requests, 1)
}

func TestREPLDoesNotWaitForSuggestions(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	b := &fakeBackend{
		hold: hold,
		events: []*dify.Event{
			{Event: dify.EventMessage, TaskID: "task-1", MessageID: "srv-1", Answer: "first"},
		},
	}
	r, out := newTestREPL(b, "one\ntwo\n/quit\n", true)

	done := make(chan error, 1)
	go func() { done <- r.run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("chat loop blocked on suggestions")
	}

	assert.Len(t, b.requests, 2)
	assert.NotContains(t, out(), "Suggested:")
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("DIFY_API_KEY", " app-key ")
	t.Setenv("DIFY_RELAY_URL", "http://localhost:8080")
	t.Setenv("DIFY_USER", "alice")

	v := viper.New()
	newRootCmd(v)
	o := loadOptions(v)

	assert.Equal(t, "app-key", o.APIKey)
	assert.Equal(t, "http://localhost:8080", o.RelayURL)
	assert.Equal(t, "alice", o.User)
}

func TestBackendSelection(t *testing.T) {
	t.Run("relay when configured", func(t *testing.T) {
		b, err := options{RelayURL: "http://localhost:8080", User: "u"}.backend()
		require.NoError(t, err)
		assert.IsType(t, &relay.Client{}, b)
	})

	t.Run("direct needs an api key", func(t *testing.T) {
		_, err := options{}.backend()
		require.ErrorIs(t, err, dify.ErrMissingAPIKey)
		assert.Contains(t, err.Error(), "--api-key")
	})

	t.Run("direct", func(t *testing.T) {
		b, err := options{APIKey: "k"}.backend()
		require.NoError(t, err)
		assert.IsType(t, &dify.Client{}, b)
	})
}

func TestPrintConversations(t *testing.T) {
	var buf bytes.Buffer
	printConversations(&buf, &dify.ConversationList{
		Data: []dify.Conversation{
			{ID: "c1", Name: "First", CreatedAt: 1700000000},
			{ID: "c2", Name: "Second"},
		},
		HasMore: true,
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "2023-11-14 22:13")
	assert.Contains(t, lines[2], "-")
	assert.Equal(t, "more: --last-id c2", lines[3])
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, &dify.MessageList{Data: []dify.HistoryMessage{
		{ID: "m1", Query: "hi", Answer: "hello", Feedback: &dify.Feedback{Rating: dify.RatingLike}},
	}})

	assert.Equal(t, "[-] you: hi\n[-] assistant: hello\n  rated: like\n", buf.String())
}

func TestPrintConnection(t *testing.T) {
	var buf bytes.Buffer
	printConnection(&buf, &dify.Connection{
		Info: &dify.AppInfo{Name: "Helper"},
		Parameters: &dify.AppParameters{
			OpeningStatement: "Ask me anything",
			UserInputForm: []map[string]dify.FormField{
				{"text-input": {Variable: "city", Label: "City", Required: true}},
			},
		},
	})

	text := buf.String()
	assert.Contains(t, text, "Name:        Helper")
	assert.Contains(t, text, "Opening:     Ask me anything")
	assert.Contains(t, text, "city")
	assert.Contains(t, text, "text-input")
	assert.Contains(t, text, "required")
}
