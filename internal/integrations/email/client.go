// Package email sends transactional mail through a REST mail API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/textbook_market/internal/resilience"
)

// Config holds sender configuration.
type Config struct {
	APIURL     string
	APIKey     string
	From       string
	FromName   string
	HTTPClient resilience.Doer
}

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Client posts messages to the mail API.
type Client struct {
	apiURL     string
	apiKey     string
	from       string
	fromName   string
	httpClient resilience.Doer
}

// New creates a sender.
func New(cfg Config) (*Client, error) {
	if cfg.APIURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("email API URL and key are required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("email sender address is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		apiURL:     strings.TrimSuffix(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		from:       cfg.From,
		fromName:   cfg.FromName,
		httpClient: httpClient,
	}, nil
}

// Send delivers msg and returns the provider message ID when one is given.
func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("recipient is required")
	}
	payload := map[string]any{
		"sender":      map[string]string{"email": c.from, "name": c.fromName},
		"to":          []map[string]string{{"email": msg.To}},
		"subject":     msg.Subject,
		"htmlContent": msg.HTML,
	}
	if msg.Text != "" {
		payload["textContent"] = msg.Text
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/smtp/email", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("email API: status %d: %s", resp.StatusCode, msg)
	}
	return gjson.GetBytes(body, "messageId").String(), nil
}
