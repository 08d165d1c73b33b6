// difyctl - terminal client for Dify chat applications
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/difyrelay/internal/chat"
	"github.com/ashureev/difyrelay/internal/dify"
	"github.com/ashureev/difyrelay/internal/relay"
)

// options are the connection settings shared by every command.
type options struct {
	APIKey   string
	BaseURL  string
	User     string
	RelayURL string
	Timeout  time.Duration
	Verbose  bool
}

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags are bound to v, which also
// reads DIFY_API_KEY, DIFY_BASE_URL, DIFY_USER and DIFY_RELAY_URL.
func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "difyctl",
		Short:         "Chat with a Dify application from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	flags := root.PersistentFlags()
	flags.String("api-key", "", "Dify application API key (env DIFY_API_KEY)")
	flags.String("base-url", "", "Dify API base URL (env DIFY_BASE_URL, default "+dify.DefaultBaseURL+")")
	flags.String("user", chat.DefaultUser, "end-user identifier sent to Dify (env DIFY_USER)")
	flags.String("relay", "", "relay server URL; chat goes through the relay when set (env DIFY_RELAY_URL)")
	flags.Duration("timeout", 0, "upstream request timeout, 0 for none")
	flags.BoolP("verbose", "v", false, "log debug output to stderr")

	_ = v.BindPFlag("api-key", flags.Lookup("api-key"))
	_ = v.BindPFlag("base-url", flags.Lookup("base-url"))
	_ = v.BindPFlag("user", flags.Lookup("user"))
	_ = v.BindPFlag("relay-url", flags.Lookup("relay"))
	_ = v.BindPFlag("timeout", flags.Lookup("timeout"))
	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))
	v.SetEnvPrefix("DIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newChatCmd(v),
		newInfoCmd(v),
		newConversationsCmd(v),
		newMessagesCmd(v),
	)
	return root
}

func loadOptions(v *viper.Viper) options {
	return options{
		APIKey:   strings.TrimSpace(v.GetString("api-key")),
		BaseURL:  strings.TrimSpace(v.GetString("base-url")),
		User:     strings.TrimSpace(v.GetString("user")),
		RelayURL: strings.TrimSpace(v.GetString("relay-url")),
		Timeout:  v.GetDuration("timeout"),
		Verbose:  v.GetBool("verbose"),
	}
}

func (o options) logger() *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// directClient talks to the provider without a relay.
func (o options) directClient() (*dify.Client, error) {
	client, err := dify.New(dify.Config{
		APIKey:  o.APIKey,
		BaseURL: o.BaseURL,
		Timeout: o.Timeout,
		Logger:  o.logger(),
	})
	if err != nil {
		if errors.Is(err, dify.ErrMissingAPIKey) {
			return nil, fmt.Errorf("%w: pass --api-key or set DIFY_API_KEY", err)
		}
		return nil, err
	}
	return client, nil
}

// relayClient talks to a relay server. Credentials are forwarded only when
// set, so the relay's own configuration applies otherwise.
func (o options) relayClient() (*relay.Client, error) {
	return relay.NewClient(relay.ClientConfig{
		URL:         o.RelayURL,
		APIKey:      o.APIKey,
		DifyBaseURL: o.BaseURL,
		SessionID:   "difyctl-" + o.User,
		Logger:      o.logger(),
	})
}

// chatBackend is what chat and info need from either client.
type chatBackend interface {
	chat.Backend
	Connect(ctx context.Context) (*dify.Connection, error)
}

// backend picks the relay when a relay URL is configured.
func (o options) backend() (chatBackend, error) {
	if o.RelayURL != "" {
		c, err := o.relayClient()
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c, err := o.directClient()
	if err != nil {
		return nil, err
	}
	return c, nil
}
