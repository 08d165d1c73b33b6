package chat

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/difyrelay/internal/dify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamFunc func(ctx context.Context, req dify.ChatRequest) iter.Seq2[*dify.Event, error]

type fakeBackend struct {
	mu sync.Mutex

	stream streamFunc
	send   func(ctx context.Context, req dify.ChatRequest) (*dify.ChatResponse, error)

	stopErr     error
	suggestions []dify.SuggestedQuestion
	suggestErr  error
	// suggestHold, when set, blocks SuggestedQuestions until closed.
	suggestHold chan struct{}
	feedbackErr error

	requests    []dify.ChatRequest
	stopCalls   []string
	suggestFor  []string
	feedbackFor []string
}

func (f *fakeBackend) SendChatMessage(ctx context.Context, req dify.ChatRequest) (*dify.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.send(ctx, req)
}

func (f *fakeBackend) StreamChatMessage(ctx context.Context, req dify.ChatRequest) iter.Seq2[*dify.Event, error] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.stream(ctx, req)
}

func (f *fakeBackend) StopGeneration(_ context.Context, taskID, _ string) (*dify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, taskID)
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &dify.Result{Result: "success"}, nil
}

func (f *fakeBackend) SuggestedQuestions(ctx context.Context, messageID, _ string) ([]dify.SuggestedQuestion, error) {
	f.mu.Lock()
	f.suggestFor = append(f.suggestFor, messageID)
	hold := f.suggestHold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suggestions, f.suggestErr
}

func (f *fakeBackend) suggested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.suggestFor...)
}

func waitSuggestions(t *testing.T, s *Session) []string {
	t.Helper()
	var got []string
	require.Eventually(t, func() bool {
		got = s.Snapshot().Suggestions
		return len(got) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func (f *fakeBackend) MessageFeedback(_ context.Context, messageID string, _ dify.Rating, _ string) (*dify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedbackFor = append(f.feedbackFor, messageID)
	if f.feedbackErr != nil {
		return nil, f.feedbackErr
	}
	return &dify.Result{Result: "success"}, nil
}

func (f *fakeBackend) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopCalls...)
}

// replay yields evs in order, then err if non-nil.
func replay(err error, evs ...*dify.Event) streamFunc {
	return func(context.Context, dify.ChatRequest) iter.Seq2[*dify.Event, error] {
		return func(yield func(*dify.Event, error) bool) {
			for _, ev := range evs {
				if !yield(ev, nil) {
					return
				}
			}
			if err != nil {
				yield(nil, err)
			}
		}
	}
}

// gate yields before, signals started, then waits for release or
// cancellation. A canceled context is reported the way a transport would.
func gate(started chan<- struct{}, release <-chan struct{}, before []*dify.Event, after ...*dify.Event) streamFunc {
	return func(ctx context.Context, _ dify.ChatRequest) iter.Seq2[*dify.Event, error] {
		return func(yield func(*dify.Event, error) bool) {
			for _, ev := range before {
				if !yield(ev, nil) {
					return
				}
			}
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
			for _, ev := range after {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func delta(taskID, conversationID, answer string) *dify.Event {
	return &dify.Event{Event: dify.EventMessage, TaskID: taskID, ConversationID: conversationID, MessageID: "srv-1", Answer: answer}
}

func end(messageID string) *dify.Event {
	return &dify.Event{
		Event:     dify.EventMessageEnd,
		MessageID: messageID,
		Metadata:  &dify.Metadata{Usage: &dify.Usage{TotalTokens: 42}},
	}
}

func newSession(b Backend, opts ...func(*Options)) *Session {
	o := Options{User: "u-1", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	return New(b, o)
}

func runStream(s *Session, text string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.SendStream(context.Background(), text) }()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return")
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not start")
	}
}

func TestSendStreamAppendsFragmentsInOrder(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		stream: replay(nil,
			delta("t1", "c1", "Hel"),
			delta("t1", "c1", "lo, "),
			delta("t1", "c1", "world"),
			end("srv-1"),
		),
		suggestions: []dify.SuggestedQuestion{{Question: "And then?"}},
	}
	s := newSession(b)

	require.NoError(t, s.SendStream(context.Background(), "greet me"))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "greet me", snap.Messages[0].Content)

	reply := snap.Messages[1]
	assert.Equal(t, RoleAssistant, reply.Role)
	assert.Equal(t, "Hello, world", reply.Content)
	assert.False(t, reply.Streaming)
	assert.Equal(t, "srv-1", reply.ServerMessageID)
	require.NotNil(t, reply.Metadata)
	assert.Equal(t, 42, reply.Metadata.Usage.TotalTokens)

	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Equal(t, []string{"And then?"}, waitSuggestions(t, s))
	assert.Equal(t, []string{"srv-1"}, b.suggested())
}

func TestSendStreamDoesNotMergeRepeatedFragments(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stream: replay(nil, delta("t", "", "ha"), delta("t", "", "ha"), delta("t", "", "ha"))}
	s := newSession(b)

	require.NoError(t, s.SendStream(context.Background(), "laugh"))
	assert.Equal(t, "hahaha", s.Snapshot().Last().Content)
}

func TestSendStreamAppendsAnswerOfAnyEventKind(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stream: replay(nil,
		&dify.Event{Event: dify.EventAgentMessage, Answer: "agent "},
		&dify.Event{Event: "future_kind", Answer: "text"},
		&dify.Event{Event: dify.EventAgentThought},
	)}
	s := newSession(b)

	require.NoError(t, s.SendStream(context.Background(), "hi"))
	assert.Equal(t, "agent text", s.Snapshot().Last().Content)
}

func TestSendRejectsConcurrentSends(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	b := &fakeBackend{
		stream: gate(started, release, []*dify.Event{delta("t1", "c1", "partial")}, end("srv-1")),
		send: func(context.Context, dify.ChatRequest) (*dify.ChatResponse, error) {
			t.Error("blocking send must not reach the backend while streaming")
			return nil, errors.New("unexpected")
		},
	}
	s := newSession(b)

	done := runStream(s, "first")
	waitClosed(t, started)

	assert.ErrorIs(t, s.SendStream(context.Background(), "second"), ErrBusy)
	assert.ErrorIs(t, s.Send(context.Background(), "third"), ErrBusy)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	open := 0
	for _, m := range snap.Messages {
		if m.Streaming {
			open++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, "t1", snap.TaskID)
	assert.Equal(t, StateStreaming, snap.State)

	close(release)
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, StateCompleted, s.State())
	assert.Len(t, b.requests, 1)
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	s := newSession(&fakeBackend{})
	assert.ErrorIs(t, s.SendStream(context.Background(), "   "), ErrEmptyMessage)
	assert.ErrorIs(t, s.Send(context.Background(), ""), ErrEmptyMessage)
	assert.Empty(t, s.Snapshot().Messages)
	assert.Equal(t, StateIdle, s.State())
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	s := newSession(b)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, b.stopped())
	assert.Equal(t, StateIdle, s.State())
}

func TestStopDuringStreamSurvivesUpstreamFailure(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	b := &fakeBackend{
		stream:  gate(started, make(chan struct{}), []*dify.Event{delta("t1", "c1", "partial")}),
		stopErr: errors.New("stop endpoint unavailable"),
	}
	s := newSession(b)

	done := runStream(s, "long answer please")
	waitClosed(t, started)

	err := s.Stop(context.Background())
	require.Error(t, err)

	snap := s.Snapshot()
	reply := snap.Last()
	assert.False(t, reply.Streaming)
	assert.Equal(t, "partial", reply.Content)
	assert.False(t, reply.Failed)
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, []string{"t1"}, b.stopped())

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, "partial", s.Snapshot().Last().Content)

	// A second stop has nothing to stop.
	require.NoError(t, s.Stop(context.Background()))
	assert.Len(t, b.stopped(), 1)
}

func TestStopBeforeTaskIDKnownStopsLocally(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	b := &fakeBackend{stream: gate(started, make(chan struct{}), nil)}
	s := newSession(b)

	done := runStream(s, "hello")
	waitClosed(t, started)
	assert.Equal(t, StateSending, s.State())

	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, b.stopped())
	assert.False(t, s.Snapshot().Last().Streaming)

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, StateStopped, s.State())
}

func TestStoppedStreamIgnoresLateEvents(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	// This upstream ignores cancellation and keeps sending.
	b := &fakeBackend{stream: func(_ context.Context, _ dify.ChatRequest) iter.Seq2[*dify.Event, error] {
		return func(yield func(*dify.Event, error) bool) {
			if !yield(delta("t1", "c1", "before"), nil) {
				return
			}
			close(started)
			<-release
			yield(delta("t1", "c1", " after"), nil)
		}
	}}
	s := newSession(b)

	done := runStream(s, "go")
	waitClosed(t, started)
	require.NoError(t, s.Stop(context.Background()))
	close(release)

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, "before", s.Snapshot().Last().Content)
	assert.Equal(t, StateStopped, s.State())
}

func TestNewSendAllowedAfterStop(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	b := &fakeBackend{stream: gate(started, make(chan struct{}), []*dify.Event{delta("t1", "c1", "x")})}
	s := newSession(b)

	done := runStream(s, "one")
	waitClosed(t, started)
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, waitErr(t, done))

	b.mu.Lock()
	b.stream = replay(nil, delta("t2", "c1", "second reply"))
	b.mu.Unlock()

	require.NoError(t, s.SendStream(context.Background(), "two"))
	snap := s.Snapshot()
	require.Len(t, snap.Messages, 4)
	assert.Equal(t, "second reply", snap.Messages[3].Content)
	assert.Equal(t, StateCompleted, snap.State)
}

func TestTransportErrorWithoutContentShowsFailureText(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stream: replay(errors.New("connection refused"))}
	s := newSession(b)

	err := s.SendStream(context.Background(), "hi")
	require.Error(t, err)

	snap := s.Snapshot()
	reply := snap.Last()
	assert.Equal(t, FailureText, reply.Content)
	assert.True(t, reply.Failed)
	assert.False(t, reply.Streaming)
	assert.Equal(t, StateErrored, snap.State)
	assert.Contains(t, snap.LastError, "connection refused")
}

func TestTransportErrorKeepsPartialContent(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stream: replay(errors.New("reset by peer"), delta("t1", "c1", "half an "))}
	s := newSession(b)

	require.Error(t, s.SendStream(context.Background(), "hi"))
	reply := s.Snapshot().Last()
	assert.Equal(t, "half an ", reply.Content)
	assert.False(t, reply.Streaming)
	assert.Equal(t, StateErrored, s.State())
	assert.Contains(t, s.LastError(), "reset by peer")

	// The next send clears the last error.
	b.stream = replay(nil, delta("t2", "c1", "ok"))
	require.NoError(t, s.SendStream(context.Background(), "again"))
	assert.Empty(t, s.LastError())
}

func TestConversationIDIsNeverOverwritten(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stream: replay(nil, delta("t1", "c1", "a"), delta("t1", "c-other", "b"))}
	s := newSession(b)

	require.NoError(t, s.SendStream(context.Background(), "one"))
	assert.Equal(t, "c1", s.ConversationID())

	b.stream = replay(nil, delta("t2", "c2", "c"))
	require.NoError(t, s.SendStream(context.Background(), "two"))
	assert.Equal(t, "c1", s.ConversationID())

	require.Len(t, b.requests, 2)
	assert.Empty(t, b.requests[0].ConversationID)
	assert.Equal(t, "c1", b.requests[1].ConversationID)
	assert.Equal(t, dify.ResponseModeStreaming, b.requests[1].ResponseMode)
	assert.Equal(t, "u-1", b.requests[1].User)
}

func TestSuggestionFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		stream:     replay(nil, delta("t1", "c1", "answer"), end("srv-1")),
		suggestErr: errors.New("suggestions disabled"),
	}
	s := newSession(b)

	require.NoError(t, s.SendStream(context.Background(), "q"))
	snap := s.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Empty(t, snap.Suggestions)
	assert.Empty(t, snap.LastError)
}

func TestSendReturnsWhileSuggestionsLoad(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	b := &fakeBackend{
		stream:      replay(nil, delta("t1", "c1", "answer")),
		suggestions: []dify.SuggestedQuestion{{Question: "Why?"}},
		suggestHold: hold,
		send: func(context.Context, dify.ChatRequest) (*dify.ChatResponse, error) {
			return &dify.ChatResponse{MessageID: "srv-2", Answer: "ok"}, nil
		},
	}
	s := newSession(b)
	defer close(hold)

	require.NoError(t, waitErr(t, runStream(s, "q")))
	assert.Equal(t, StateCompleted, s.State())
	assert.Empty(t, s.Snapshot().Suggestions)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "again") }()
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, StateCompleted, s.State())
}

func TestLateSuggestionsAreDropped(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	b := &fakeBackend{
		stream:      replay(nil, delta("t1", "c1", "answer")),
		suggestions: []dify.SuggestedQuestion{{Question: "Stale?"}},
		suggestHold: hold,
	}
	s := newSession(b)

	require.NoError(t, s.SendStream(context.Background(), "q"))
	require.Eventually(t, func() bool { return len(b.suggested()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Clear())
	close(hold)

	assert.Never(t, func() bool { return len(s.Snapshot().Suggestions) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestSendStreamTakesServerIDFromEventID(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stream: replay(nil,
		&dify.Event{Event: dify.EventMessage, TaskID: "t1", ConversationID: "c1", Answer: "hi"},
		&dify.Event{Event: dify.EventMessageEnd, TaskID: "t1", ID: "srv-9"},
	)}
	s := newSession(b)

	require.NoError(t, s.SendStream(context.Background(), "q"))
	reply := s.Snapshot().Messages[1]
	assert.Equal(t, "srv-9", reply.ServerMessageID)
	require.NoError(t, s.Feedback(context.Background(), reply.ID, dify.RatingLike))
	assert.Equal(t, []string{"srv-9"}, b.feedbackFor)
}

func TestSendBlocking(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		resp        *dify.ChatResponse
		err         error
		wantContent string
		wantState   State
		wantFailed  bool
	}{
		{
			name:        "answer",
			resp:        &dify.ChatResponse{Answer: "42", MessageID: "srv-9", ConversationID: "c9"},
			wantContent: "42",
			wantState:   StateCompleted,
		},
		{
			name:        "empty answer",
			resp:        &dify.ChatResponse{MessageID: "srv-9"},
			wantContent: EmptyAnswerText,
			wantState:   StateCompleted,
		},
		{
			name:        "failure",
			err:         &dify.APIError{StatusCode: 500, Status: "500 Internal Server Error"},
			wantContent: FailureText,
			wantState:   StateErrored,
			wantFailed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := &fakeBackend{send: func(context.Context, dify.ChatRequest) (*dify.ChatResponse, error) {
				return tt.resp, tt.err
			}}
			s := newSession(b)

			err := s.Send(context.Background(), "question")
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}

			snap := s.Snapshot()
			require.Len(t, snap.Messages, 2)
			assert.Equal(t, tt.wantContent, snap.Messages[1].Content)
			assert.Equal(t, tt.wantFailed, snap.Messages[1].Failed)
			assert.False(t, snap.Messages[1].Streaming)
			assert.Equal(t, tt.wantState, snap.State)
			assert.Equal(t, dify.ResponseModeBlocking, b.requests[0].ResponseMode)
		})
	}
}

func TestClearAndNewConversation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	b := &fakeBackend{stream: gate(started, release, []*dify.Event{delta("t1", "c1", "x")})}
	s := newSession(b)

	done := runStream(s, "one")
	waitClosed(t, started)
	assert.ErrorIs(t, s.Clear(), ErrBusy)
	assert.ErrorIs(t, s.NewConversation(), ErrBusy)
	close(release)
	require.NoError(t, waitErr(t, done))

	require.NoError(t, s.Clear())
	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "c1", snap.ConversationID)

	require.NoError(t, s.NewConversation())
	assert.Empty(t, s.ConversationID())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stream: replay(nil, delta("t1", "c1", "original"), end("srv-1"))}
	s := newSession(b)
	require.NoError(t, s.SendStream(context.Background(), "q"))

	snap := s.Snapshot()
	snap.Messages[1].Content = "tampered"
	snap.Messages[1].Metadata.Usage.TotalTokens = 0
	snap.Messages = append(snap.Messages, Message{Content: "extra"})

	fresh := s.Snapshot()
	require.Len(t, fresh.Messages, 2)
	assert.Equal(t, "original", fresh.Messages[1].Content)
	assert.Equal(t, 42, fresh.Messages[1].Metadata.Usage.TotalTokens)
}

func TestOnChangeSeesStreamingProgress(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var contents []string
	b := &fakeBackend{stream: replay(nil, delta("t1", "c1", "a"), delta("t1", "c1", "b"))}
	s := newSession(b, func(o *Options) {
		o.OnChange = func(snap Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if last := snap.Last(); last != nil && last.Role == RoleAssistant && last.Streaming {
				contents = append(contents, last.Content)
			}
		}
	})

	require.NoError(t, s.SendStream(context.Background(), "q"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "a", "ab"}, contents)
}

func TestFeedback(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{stream: replay(nil, delta("t1", "c1", "answer"), end("srv-1"))}
	s := newSession(b)
	require.NoError(t, s.SendStream(context.Background(), "q"))

	snap := s.Snapshot()
	userMsg, reply := snap.Messages[0], snap.Messages[1]

	assert.ErrorIs(t, s.Feedback(context.Background(), "missing", dify.RatingLike), ErrUnknownMessage)
	assert.ErrorIs(t, s.Feedback(context.Background(), userMsg.ID, dify.RatingLike), ErrNotFinalized)

	b.feedbackErr = errors.New("upstream down")
	require.Error(t, s.Feedback(context.Background(), reply.ID, dify.RatingDislike))
	assert.Empty(t, s.Snapshot().Messages[1].Rating)

	b.feedbackErr = nil
	require.NoError(t, s.Feedback(context.Background(), reply.ID, dify.RatingLike))
	assert.Equal(t, dify.RatingLike, s.Snapshot().Messages[1].Rating)
	assert.Equal(t, []string{"srv-1", "srv-1"}, b.feedbackFor)
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	slow := &fakeBackend{stream: gate(started, release, []*dify.Event{delta("t1", "c1", "slow")})}
	fast := &fakeBackend{stream: replay(nil, delta("t2", "c2", "fast"))}

	a := newSession(slow)
	other := newSession(fast)

	done := runStream(a, "one")
	waitClosed(t, started)

	require.NoError(t, other.SendStream(context.Background(), "two"))
	assert.Equal(t, "c2", other.ConversationID())
	assert.Equal(t, StateStreaming, a.State())

	close(release)
	require.NoError(t, waitErr(t, done))
}
