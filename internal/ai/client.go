// Package ai talks to the generation service that produces persona replies
// and selfie images.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"swipe-companion/backend/pkg/logger"
)

var (
	// ErrEmptyReply is returned when the service answers without text
	ErrEmptyReply = errors.New("ai: empty reply")
	// ErrNoImage is returned when the service answers without an image reference
	ErrNoImage = errors.New("ai: no image generated")
)

const (
	seedPrompt = "\n\nGot it?"
	seedReply  = "Okay, I got it! I'm ready. Let's chat! 😉"
)

// ChatClient starts persona conversations
type ChatClient interface {
	StartChat(systemInstruction string) Conversation
}

// Conversation sends user turns and keeps its own history
type Conversation interface {
	Send(ctx context.Context, text string) (string, error)
}

// ImageClient generates an image for a prompt and returns its URL
type ImageClient interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Turn is one history entry sent to the service
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ChatRequest is the body of /chat/generate
type ChatRequest struct {
	SystemInstruction string `json:"system_instruction"`
	History           []Turn `json:"history"`
	Message           string `json:"message"`
}

// ImageRequest is the body of /images/generate
type ImageRequest struct {
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

type imageResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// Client is the HTTP client of the generation service
type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
	log     *logger.Logger
}

// NewClient creates a client for baseURL
func NewClient(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		log:     logger.OrDiscard(log).WithComponent("ai"),
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request: %w", path, err)
	}
	defer httpResp.Body.Close()

	c.log.Debug("generation request", "path", path, "status", httpResp.StatusCode, "latency", time.Since(start).String())
	if httpResp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: unexpected status %d", path, httpResp.StatusCode)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// StartChat begins a conversation whose history holds only the persona turn
func (c *Client) StartChat(systemInstruction string) Conversation {
	return &chat{
		client: c,
		system: systemInstruction,
		history: []Turn{
			{Role: "user", Text: systemInstruction + seedPrompt},
			{Role: "model", Text: seedReply},
		},
	}
}

// GenerateImage returns the URL of an image generated for prompt
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	var resp imageResponse
	if err := c.post(ctx, "/images/generate", ImageRequest{Prompt: prompt}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	if resp.URL == "" {
		return "", ErrNoImage
	}
	return resp.URL, nil
}

type chat struct {
	client *Client
	system string

	mu      sync.Mutex
	history []Turn
}

// Send posts the user text with the running history. The exchange is only
// added to the history when the service returns text.
func (c *chat) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	history := make([]Turn, len(c.history))
	copy(history, c.history)
	c.mu.Unlock()

	req := ChatRequest{SystemInstruction: c.system, History: history, Message: text}
	var resp chatResponse
	if err := c.client.post(ctx, "/chat/generate", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	if strings.TrimSpace(resp.Response) == "" {
		return "", ErrEmptyReply
	}

	c.mu.Lock()
	c.history = append(c.history, Turn{Role: "user", Text: text}, Turn{Role: "model", Text: resp.Response})
	c.mu.Unlock()
	return resp.Response, nil
}

var (
	_ ChatClient  = (*Client)(nil)
	_ ImageClient = (*Client)(nil)
)
