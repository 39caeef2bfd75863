package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	discordAPI          = "https://discord.com/api/webhooks"
	discordContentLimit = 2000
)

// DiscordSender posts to a Discord webhook addressed as discord://{id}/{token}.
type DiscordSender struct {
	client  *http.Client
	baseURL string
}

// NewDiscordSender returns a sender for the public Discord API. A non-empty
// baseURL replaces the API root.
func NewDiscordSender(client *http.Client, baseURL string) *DiscordSender {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = discordAPI
	}
	return &DiscordSender{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Send implements Sender.
func (s *DiscordSender) Send(ctx context.Context, dest *url.URL, msg Message) error {
	id := dest.Host
	token := strings.Trim(dest.Path, "/")
	if id == "" || token == "" || strings.Contains(token, "/") {
		return fmt.Errorf("%w: discord url must be discord://{webhook_id}/{token}", ErrInvalidDestination)
	}

	body, err := json.Marshal(map[string]string{"content": truncate(msg.Title+"\n"+msg.Body, discordContentLimit)})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s/%s", s.baseURL, url.PathEscape(id), url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(s.client, req)
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
