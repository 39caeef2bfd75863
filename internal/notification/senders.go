package notification

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RegisterDefaults binds the built-in senders to their schemes.
func RegisterDefaults(d *Dispatcher, client *http.Client) {
	d.Register(NewWebhookSender(client), "http", "https", "json", "jsons")
	d.Register(NewDiscordSender(client, ""), "discord")
	d.Register(NewNATSSender(), "nats")
	d.Register(NewRedisSender(), "redis")
	d.Register(NewPubSubSender(), "gcppubsub")
}

// CheckURL reports an error when raw has no registered sender.
func (d *Dispatcher) CheckURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: %q", ErrInvalidDestination, raw)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.senders[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDestination, u.Scheme)
	}
	return nil
}
