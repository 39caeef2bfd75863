package notification

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisSender PUBLISHes the JSON message to redis://[:password@]host:port/channel.
// An optional ?db=N selects the logical database.
type RedisSender struct {
	dial func(opts *redis.Options) redisPublisher
}

// NewRedisSender returns a sender that opens one client per delivery.
func NewRedisSender() *RedisSender {
	return &RedisSender{dial: func(opts *redis.Options) redisPublisher {
		return redis.NewClient(opts)
	}}
}

// Send implements Sender.
func (s *RedisSender) Send(ctx context.Context, dest *url.URL, msg Message) error {
	opts, channel, err := redisTarget(dest)
	if err != nil {
		return err
	}
	data, err := msg.payload()
	if err != nil {
		return fmt.Errorf("marshal redis payload: %w", err)
	}
	client := s.dial(opts)
	defer func() {
		_ = client.Close()
	}()
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func redisTarget(dest *url.URL) (*redis.Options, string, error) {
	channel := strings.Trim(dest.Path, "/")
	if dest.Host == "" || channel == "" {
		return nil, "", fmt.Errorf("%w: redis url must be redis://host:port/channel", ErrInvalidDestination)
	}
	opts := &redis.Options{Addr: dest.Host}
	if dest.Port() == "" {
		opts.Addr = dest.Host + ":6379"
	}
	if dest.User != nil {
		opts.Username = dest.User.Username()
		opts.Password, _ = dest.User.Password()
	}
	if raw := dest.Query().Get("db"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return nil, "", fmt.Errorf("%w: invalid redis db %q", ErrInvalidDestination, raw)
		}
		opts.DB = db
	}
	return opts, channel, nil
}
