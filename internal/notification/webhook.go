package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxErrorBody = 512

// WebhookSender POSTs a JSON document. json:// and jsons:// map to http and
// https; query parameters prefixed with "+" become request headers.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender returns a sender using client, or http.DefaultClient.
func NewWebhookSender(client *http.Client) *WebhookSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSender{client: client}
}

type webhookPayload struct {
	Version string `json:"version"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Format  string `json:"format"`
	UUID    string `json:"uuid,omitempty"`
	URL     string `json:"watch_url,omitempty"`
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, dest *url.URL, msg Message) error {
	target := *dest
	switch strings.ToLower(target.Scheme) {
	case "json":
		target.Scheme = "http"
	case "jsons":
		target.Scheme = "https"
	}
	if target.Host == "" {
		return fmt.Errorf("%w: webhook host is required", ErrInvalidDestination)
	}

	// Split the raw query by hand: url.ParseQuery would decode "+" as a space.
	headers := http.Header{}
	var kept []string
	for _, pair := range strings.Split(target.RawQuery, "&") {
		if kv, ok := strings.CutPrefix(pair, "+"); ok {
			k, v, _ := strings.Cut(kv, "=")
			k, _ = url.QueryUnescape(k)
			v, _ = url.QueryUnescape(v)
			if k != "" {
				headers.Add(k, v)
			}
			continue
		}
		if pair != "" {
			kept = append(kept, pair)
		}
	}
	target.RawQuery = strings.Join(kept, "&")

	body, err := json.Marshal(webhookPayload{
		Version: "1.0",
		Title:   msg.Title,
		Message: msg.Body,
		Type:    "info",
		Format:  strings.ToLower(string(msg.Format)),
		UUID:    msg.WatchID,
		URL:     msg.WatchURL,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	req.Header = headers
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return doRequest(s.client, req)
}

func doRequest(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", req.URL.Host, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("post %s: unexpected status %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
