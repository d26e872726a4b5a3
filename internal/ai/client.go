// Package ai talks to the assistant completion service.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrEmptyReply = errors.New("ai: empty reply")

// Replier produces an assistant reply for a plaintext query.
type Replier interface {
	Reply(ctx context.Context, message, roomID string) (string, error)
}

type replyRequest struct {
	Message string `json:"message"`
	RoomID  string `json:"roomId"`
}

// replyResponse carries the reply on success and the failure text otherwise.
type replyResponse struct {
	Message string `json:"message"`
}

// Client posts queries to the completion endpoint as JSON.
type Client struct {
	url  string
	http *http.Client
}

// NewClient builds a client for url with a per-request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url: url,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) Reply(ctx context.Context, message, roomID string) (string, error) {
	if c.url == "" {
		return "", errors.New("ai: service url not configured")
	}
	body, err := json.Marshal(replyRequest{Message: message, RoomID: roomID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("ai: read response: %w", err)
	}
	var out replyResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ai: status %d: %s", resp.StatusCode, out.Message)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("ai: decode response: %w", decodeErr)
	}
	reply := strings.TrimSpace(out.Message)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

var _ Replier = (*Client)(nil)
