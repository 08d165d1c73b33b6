package dify

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultPageSize is used when a list call is given a non-positive limit.
const DefaultPageSize = 20

// MessageFeedback records a like or dislike on an answer.
func (c *Client) MessageFeedback(ctx context.Context, messageID string, rating Rating, user string) (*Result, error) {
	if !rating.Valid() {
		return nil, ErrInvalidRating
	}
	body := map[string]string{"rating": string(rating), "user": user}
	var out Result
	path := "/messages/" + url.PathEscape(messageID) + "/feedbacks"
	if err := c.doJSON(ctx, "MessageFeedback", http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SuggestedQuestions returns the follow-up questions proposed for an answer.
// Callers treat failures as non-fatal.
func (c *Client) SuggestedQuestions(ctx context.Context, messageID, user string) ([]SuggestedQuestion, error) {
	var out struct {
		Result string              `json:"result"`
		Data   []SuggestedQuestion `json:"data"`
	}
	path := "/messages/" + url.PathEscape(messageID) + "/suggested"
	if err := c.doJSON(ctx, "SuggestedQuestions", http.MethodGet, path, url.Values{"user": {user}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetConversationMessages returns one page of a conversation's history,
// newest page first. firstID pages backwards from that message.
func (c *Client) GetConversationMessages(ctx context.Context, conversationID, user, firstID string, limit int) (*MessageList, error) {
	query := url.Values{
		"user":  {user},
		"limit": {strconv.Itoa(pageSize(limit))},
	}
	if firstID != "" {
		query.Set("first_id", firstID)
	}
	var out MessageList
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, "GetConversationMessages", http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func pageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}
