package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campusnet/messaging-service/internal/models"
)

// Client is a typed wrapper over the messaging REST surface, acting as one
// authenticated portal user.
type Client struct {
	baseURL    string
	userID     int64
	httpClient *http.Client
}

func New(baseURL string, userID int64) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) StartConversation(ctx context.Context, recipientID int64, initialMessage string) (string, error) {
	body := map[string]any{"recipientId": recipientID}
	if initialMessage != "" {
		body["initialMessage"] = initialMessage
	}

	var resp struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversations", body, &resp); err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]*models.ConversationSummary, error) {
	var summaries []*models.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var messages []*models.Message
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations/"+conversationID+"/messages", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (string, error) {
	var resp struct {
		MessageID string `json:"messageId"`
	}
	body := map[string]any{"content": content}
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversations/"+conversationID+"/messages", body, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) (int, error) {
	var resp struct {
		Marked int `json:"marked"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/v1/conversations/"+conversationID+"/read", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Marked, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", strconv.FormatInt(c.userID, 10))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
