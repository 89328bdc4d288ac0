package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client bridges all four collaborator contracts to a sidecar service
// over HTTP. Errors carry the sidecar's own message so step failures
// surface it verbatim.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the sidecar at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Classify implements Classifier.
func (c *Client) Classify(ctx context.Context, prompt, input, expectedLabel string) (bool, error) {
	var out struct {
		Match bool `json:"match"`
	}
	err := c.post(ctx, "/v1/classify", map[string]string{
		"prompt": prompt,
		"input":  input,
		"expect": expectedLabel,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Match, nil
}

// Generate implements Generator.
func (c *Client) Generate(ctx context.Context, instruction, input string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := c.post(ctx, "/v1/generate", map[string]string{
		"instruction": instruction,
		"input":       input,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// Execute implements ToolExecutor.
func (c *Client) Execute(ctx context.Context, toolName string, args map[string]interface{}, ownerID string) (interface{}, error) {
	var out struct {
		Result interface{} `json:"result"`
	}
	err := c.post(ctx, "/v1/tools/execute", map[string]interface{}{
		"tool":     toolName,
		"args":     args,
		"owner_id": ownerID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Notify implements Notifier.
func (c *Client) Notify(ctx context.Context, ownerID, channel, message string) error {
	return c.post(ctx, "/v1/notify", map[string]string{
		"owner_id": ownerID,
		"channel":  channel,
		"message":  message,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
