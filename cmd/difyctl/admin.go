package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/difyrelay/internal/dify"
)

func newInfoCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the application's name, opening statement and input form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := loadOptions(v).backend()
			if err != nil {
				return err
			}
			conn, err := b.Connect(cmd.Context())
			if err != nil {
				return err
			}
			printConnection(cmd.OutOrStdout(), conn)
			return nil
		},
	}
}

func printConnection(w io.Writer, conn *dify.Connection) {
	if conn.Info != nil {
		fmt.Fprintf(w, "Name:        %s\n", conn.Info.Name)
		if conn.Info.Description != "" {
			fmt.Fprintf(w, "Description: %s\n", conn.Info.Description)
		}
		if conn.Info.Mode != "" {
			fmt.Fprintf(w, "Mode:        %s\n", conn.Info.Mode)
		}
	}
	p := conn.Parameters
	if p == nil {
		return
	}
	if p.OpeningStatement != "" {
		fmt.Fprintf(w, "Opening:     %s\n", p.OpeningStatement)
	}
	if len(p.UserInputForm) == 0 {
		return
	}
	fmt.Fprintln(w, "Inputs:")
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	for _, entry := range p.UserInputForm {
		for kind, f := range entry {
			required := ""
			if f.Required {
				required = "required"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", f.Variable, kind, f.Label, required)
		}
	}
	_ = tw.Flush()
}

func newConversationsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List, rename and delete conversations",
	}

	var lastID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o := loadOptions(v)
			client, err := o.directClient()
			if err != nil {
				return err
			}
			res, err := client.ListConversations(cmd.Context(), o.User, lastID, limit)
			if err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), res)
			return nil
		},
	}
	list.Flags().StringVar(&lastID, "last-id", "", "page after this conversation id")
	list.Flags().IntVar(&limit, "limit", dify.DefaultPageSize, "page size")

	rename := &cobra.Command{
		Use:   "rename <conversation-id> <name>",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := loadOptions(v)
			client, err := o.directClient()
			if err != nil {
				return err
			}
			if _, err := client.RenameConversation(cmd.Context(), args[0], args[1], o.User); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", args[0], args[1])
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := loadOptions(v)
			client, err := o.directClient()
			if err != nil {
				return err
			}
			if _, err := client.DeleteConversation(cmd.Context(), args[0], o.User); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, rename, deleteCmd)
	return cmd
}

func printConversations(w io.Writer, res *dify.ConversationList) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED")
	for _, c := range res.Data {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Name, formatUnix(c.CreatedAt))
	}
	_ = tw.Flush()
	if res.HasMore && len(res.Data) > 0 {
		fmt.Fprintf(w, "more: --last-id %s\n", res.Data[len(res.Data)-1].ID)
	}
}

func newMessagesCmd(v *viper.Viper) *cobra.Command {
	var firstID string
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Print a conversation's history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := loadOptions(v)
			client, err := o.directClient()
			if err != nil {
				return err
			}
			res, err := client.GetConversationMessages(cmd.Context(), args[0], o.User, firstID, limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&firstID, "first-id", "", "page before this message id")
	cmd.Flags().IntVar(&limit, "limit", dify.DefaultPageSize, "page size")
	return cmd
}

func printHistory(w io.Writer, res *dify.MessageList) {
	for _, m := range res.Data {
		fmt.Fprintf(w, "[%s] you: %s\n", formatUnix(m.CreatedAt), m.Query)
		fmt.Fprintf(w, "[%s] assistant: %s\n", formatUnix(m.CreatedAt), m.Answer)
		if m.Feedback != nil && m.Feedback.Rating != "" {
			fmt.Fprintf(w, "  rated: %s\n", m.Feedback.Rating)
		}
	}
	if res.HasMore && len(res.Data) > 0 {
		fmt.Fprintf(w, "more: --first-id %s\n", res.Data[0].ID)
	}
}

func formatUnix(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format("2006-01-02 15:04")
}
