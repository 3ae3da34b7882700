// Package chat sends replies and documents back to a conversation through
// the chat gateway.
package chat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultSendTimeout = 30 * time.Second

// Client posts to the gateway's /send endpoints. A Client with an empty base
// URL only logs what it would have sent.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client. token is sent as a bearer credential when non-empty.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultSendTimeout},
		logger:     slog.Default().With("component", "chat"),
	}
}

type textRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type fileRequest struct {
	ConversationID string `json:"conversation_id"`
	Filename       string `json:"filename"`
	Content        string `json:"content"`
}

// Notify sends a plain text message.
func (c *Client) Notify(ctx context.Context, conversationID, text string) error {
	return c.post(ctx, "/send/text", textRequest{ConversationID: conversationID, Text: text})
}

// Deliver sends a document as a file attachment.
func (c *Client) Deliver(ctx context.Context, conversationID, filename string, data []byte) error {
	return c.post(ctx, "/send/file", fileRequest{
		ConversationID: conversationID,
		Filename:       filename,
		Content:        base64.StdEncoding.EncodeToString(data),
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if c.baseURL == "" {
		c.logger.Info("chat gateway not configured, dropping message", "path", path)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
