// Package notify delivers job lifecycle messages back to the chat context
// that enqueued the job. Delivery is fire-and-forget: the engine reports
// failures in its log and moves on, it never retries or blocks on them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Notifier sends notifications to a chat context.
type Notifier interface {
	SendMessage(ctx context.Context, chatContextID, text string) error
	SendDocument(ctx context.Context, chatContextID, path, caption string) error
}

// Nop discards all notifications. Used in tests and when no delivery
// endpoint is configured.
type Nop struct{}

func (Nop) SendMessage(context.Context, string, string) error { return nil }

func (Nop) SendDocument(context.Context, string, string, string) error { return nil }

// Webhook delivers notifications to a single HTTP endpoint. Messages go out
// as JSON, documents as multipart uploads; the receiver tells them apart by
// Content-Type.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier for the given endpoint URL.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendMessage posts a text notification.
func (w *Webhook) SendMessage(ctx context.Context, chatContextID, text string) error {
	payload, _ := json.Marshal(map[string]string{
		"chat_context_id": chatContextID,
		"text":            text,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: HTTP %d", resp.StatusCode)
	}
	return nil
}

// SendDocument uploads a file with a caption.
func (w *Webhook) SendDocument(ctx context.Context, chatContextID, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("webhook: open document: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_context_id", chatContextID); err != nil {
		return fmt.Errorf("webhook: write field: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return fmt.Errorf("webhook: write field: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("webhook: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("webhook: copy document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("webhook: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, &buf)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: HTTP %d", resp.StatusCode)
	}
	return nil
}
