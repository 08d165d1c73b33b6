package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/difyrelay/internal/chat"
	"github.com/ashureev/difyrelay/internal/dify"
)

const chatHelp = `Commands:
  /new       start a new conversation
  /clear     clear the transcript, keep the conversation
  /like      rate the last answer up
  /dislike   rate the last answer down
  /quit      exit
Press Ctrl-C while an answer streams to stop it.`

func newChatCmd(v *viper.Viper) *cobra.Command {
	var (
		stream         bool
		render         bool
		conversationID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o := loadOptions(v)
			b, err := o.backend()
			if err != nil {
				return err
			}

			var md *markdownRenderer
			if render && isTerminal(cmd.OutOrStdout()) {
				if md, err = newMarkdownRenderer(80); err != nil {
					return err
				}
			}

			r := newChatREPL(b, cmd.InOrStdin(), cmd.OutOrStdout(), stream, md, chat.Options{
				User:           o.User,
				ConversationID: conversationID,
				Logger:         o.logger(),
			})
			out := r.out

			if conn, err := b.Connect(cmd.Context()); err != nil {
				return fmt.Errorf("connect: %w", err)
			} else if conn.Info != nil {
				fmt.Fprintf(out, "Connected to %s\n", conn.Info.Name)
				if conn.Parameters != nil && conn.Parameters.OpeningStatement != "" {
					fmt.Fprintln(out, md.Render(conn.Parameters.OpeningStatement))
				}
			}
			fmt.Fprintln(out, "Type /help for commands.")
			return r.run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", true, "stream answers as they are generated")
	cmd.Flags().BoolVar(&render, "render", false, "render finished answers as Markdown (terminal only)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "resume an existing conversation")
	return cmd
}

// chatREPL drives one chat session from line input.
type chatREPL struct {
	in      io.Reader
	out     io.Writer
	stream  bool
	md      *markdownRenderer
	session *chat.Session
	printer *deltaPrinter

	mu        sync.Mutex
	suggested []string
}

func newChatREPL(b chat.Backend, in io.Reader, out io.Writer, stream bool, md *markdownRenderer, opts chat.Options) *chatREPL {
	w := &syncWriter{w: out}
	r := &chatREPL{
		in:      in,
		out:     w,
		stream:  stream,
		md:      md,
		printer: &deltaPrinter{w: w},
	}
	opts.OnChange = r.onChange
	r.session = chat.New(b, opts)
	return r
}

// onChange prints deltas unless answers are rendered once finished.
// Suggestions arrive after the turn and are printed once per set.
func (r *chatREPL) onChange(s chat.Snapshot) {
	if r.md == nil && r.stream {
		r.printer.Update(s)
	}
	if len(s.Suggestions) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Equal(r.suggested, s.Suggestions) {
		return
	}
	r.suggested = s.Suggestions
	var b strings.Builder
	b.WriteString("\nSuggested:\n")
	for _, q := range s.Suggestions {
		b.WriteString("  - " + q + "\n")
	}
	fmt.Fprint(r.out, b.String())
}

func (r *chatREPL) run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}
		r.turn(ctx, line)
	}
}

// command handles a slash command and reports whether to exit.
func (r *chatREPL) command(ctx context.Context, line string) bool {
	switch line {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/new":
		if err := r.session.NewConversation(); err != nil {
			fmt.Fprintln(r.out, "error:", err)
			return false
		}
		fmt.Fprintln(r.out, "Started a new conversation.")
	case "/clear":
		if err := r.session.Clear(); err != nil {
			fmt.Fprintln(r.out, "error:", err)
		}
	case "/like", "/dislike":
		r.rate(ctx, dify.Rating(strings.TrimPrefix(line, "/")))
	default:
		fmt.Fprintf(r.out, "unknown command %s, try /help\n", line)
	}
	return false
}

func (r *chatREPL) rate(ctx context.Context, rating dify.Rating) {
	snap := r.session.Snapshot()
	last := snap.Last()
	if last == nil || last.Role != chat.RoleAssistant {
		fmt.Fprintln(r.out, "nothing to rate yet")
		return
	}
	if err := r.session.Feedback(ctx, last.ID, rating); err != nil {
		fmt.Fprintln(r.out, "error:", err)
		return
	}
	fmt.Fprintln(r.out, "Thanks for the feedback.")
}

// turn sends one message. Ctrl-C during the turn stops the answer instead
// of exiting.
func (r *chatREPL) turn(ctx context.Context, text string) {
	interrupted, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	done := make(chan error, 1)
	go func() {
		if r.stream {
			done <- r.session.SendStream(ctx, text)
			return
		}
		done <- r.session.Send(interrupted, text)
	}()

	var err error
	select {
	case err = <-done:
	case <-interrupted.Done():
		if stopErr := r.session.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			fmt.Fprintln(r.out, "\nstop:", stopErr)
		}
		err = <-done
	}
	r.finish(err)
}

// finish prints whatever the streamed deltas did not already show.
func (r *chatREPL) finish(err error) {
	snap := r.session.Snapshot()
	last := snap.Last()

	if r.md != nil || !r.stream {
		if last != nil && last.Role == chat.RoleAssistant {
			fmt.Fprint(r.out, r.md.Render(last.Content))
		}
	}
	fmt.Fprintln(r.out)

	switch {
	case snap.State == chat.StateStopped:
		fmt.Fprintln(r.out, "[stopped]")
	case err != nil:
		fmt.Fprintln(r.out, "error:", err)
	}
}
