package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"longterm/internal/codec"
)

// Webhook POSTs the encoded payload to URL. The task id travels in the
// X-Task-ID header so receivers can drop repeated deliveries.
type Webhook struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

func (h Webhook) Submit(ctx context.Context, id string, p codec.Payload) error {
	if h.URL == "" {
		return fmt.Errorf("URL is required")
	}
	body, err := codec.Encode(p)
	if err != nil {
		return err
	}

	client := h.Client
	if client == nil {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", id)
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
