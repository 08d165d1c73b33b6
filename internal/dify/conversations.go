package dify

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// ListConversations returns one page of the user's conversations. lastID
// continues after that conversation.
func (c *Client) ListConversations(ctx context.Context, user, lastID string, limit int) (*ConversationList, error) {
	query := url.Values{
		"user":  {user},
		"limit": {strconv.Itoa(pageSize(limit))},
	}
	if lastID != "" {
		query.Set("last_id", lastID)
	}
	var out ConversationList
	if err := c.doJSON(ctx, "ListConversations", http.MethodGet, "/conversations", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenameConversation sets a conversation's display name.
func (c *Client) RenameConversation(ctx context.Context, conversationID, name, user string) (*Result, error) {
	body := map[string]string{"name": name, "user": user}
	out := Result{Result: "success"}
	path := "/conversations/" + url.PathEscape(conversationID)
	if err := c.doJSON(ctx, "RenameConversation", http.MethodPatch, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation removes a conversation. The provider expects the user
// in a JSON body even on DELETE.
func (c *Client) DeleteConversation(ctx context.Context, conversationID, user string) (*Result, error) {
	out := Result{Result: "success"}
	path := "/conversations/" + url.PathEscape(conversationID)
	if err := c.doJSON(ctx, "DeleteConversation", http.MethodDelete, path, nil, map[string]string{"user": user}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
