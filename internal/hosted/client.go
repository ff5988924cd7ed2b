// Package hosted talks to the hosted backend that issues user sessions and
// stores book cover images.
package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/textbook_market/internal/resilience"
)

// Config holds client configuration.
type Config struct {
	URL        string
	ServiceKey string
	HTTPClient resilience.Doer
}

// Client is a REST client for the hosted auth and storage APIs.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient resilience.Doer
}

// New creates a hosted backend client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("service key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		httpClient: httpClient,
	}, nil
}

// User is the subset of the hosted auth user the marketplace needs.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role,omitempty"`
	Name  string `json:"name,omitempty"`
}

// GetUser resolves an access token to its user.
func (c *Client) GetUser(ctx context.Context, accessToken string) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return User{}, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.do(req)
	if err != nil {
		return User{}, err
	}
	if err := resp.Err(); err != nil {
		return User{}, err
	}
	parsed := gjson.ParseBytes(resp.Body)
	user := User{
		ID:    parsed.Get("id").String(),
		Email: parsed.Get("email").String(),
		Phone: parsed.Get("phone").String(),
		Role:  parsed.Get("role").String(),
		Name:  parsed.Get("user_metadata.name").String(),
	}
	if user.ID == "" {
		return User{}, fmt.Errorf("hosted auth: user id missing from response")
	}
	return user, nil
}

// Bucket returns a storage bucket handle.
func (c *Client) Bucket(name string) *Bucket {
	return &Bucket{client: c, name: name}
}

// Bucket handles object operations in a single storage bucket.
type Bucket struct {
	client *Client
	name   string
}

// Upload stores data at path, replacing an existing object.
func (b *Bucket) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.objectURL(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	b.client.setHeaders(req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := b.client.do(req)
	if err != nil {
		return err
	}
	return resp.Err()
}

// Delete removes objects from the bucket.
func (b *Bucket) Delete(ctx context.Context, paths ...string) error {
	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/storage/v1/object/%s", b.client.baseURL, b.name), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	b.client.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.do(req)
	if err != nil {
		return err
	}
	return resp.Err()
}

// PublicURL returns the public URL for an object.
func (b *Bucket) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.client.baseURL, b.name, escapePath(path))
}

func (b *Bucket) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", b.client.baseURL, b.name, escapePath(path))
}

func escapePath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// Response is a buffered API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Err returns an error if the response indicates failure.
func (r *Response) Err() error {
	if r.StatusCode < 400 {
		return nil
	}
	parsed := gjson.ParseBytes(r.Body)
	for _, key := range []string{"message", "error_description", "error", "msg"} {
		if msg := parsed.Get(key).String(); msg != "" {
			return &APIError{StatusCode: r.StatusCode, Message: msg}
		}
	}
	return &APIError{StatusCode: r.StatusCode, Message: http.StatusText(r.StatusCode)}
}

// APIError is a non-2xx answer from the hosted backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hosted: status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header}, nil
}
