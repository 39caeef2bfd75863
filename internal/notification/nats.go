package notification

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATSSender publishes the JSON message to nats://host:port/subject. Path
// segments after the host are joined with dots.
type NATSSender struct {
	connect func(server string, timeout time.Duration) (natsConn, error)
}

// NewNATSSender returns a sender that opens one connection per delivery.
func NewNATSSender() *NATSSender {
	return &NATSSender{connect: func(server string, timeout time.Duration) (natsConn, error) {
		nc, err := nats.Connect(server, nats.Name("changewatch"), nats.Timeout(timeout), nats.NoReconnect())
		if err != nil {
			return nil, err
		}
		return nc, nil
	}}
}

// Send implements Sender.
func (s *NATSSender) Send(ctx context.Context, dest *url.URL, msg Message) error {
	subject := strings.ReplaceAll(strings.Trim(dest.Path, "/"), "/", ".")
	if dest.Host == "" || subject == "" {
		return fmt.Errorf("%w: nats url must be nats://host:port/subject", ErrInvalidDestination)
	}
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	server := (&url.URL{Scheme: "nats", User: dest.User, Host: dest.Host}).String()
	nc, err := s.connect(server, timeout)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", dest.Host, err)
	}
	defer nc.Close()

	data, err := msg.payload()
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}
