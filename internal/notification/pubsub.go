package notification

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// PubSubSender publishes to Google Cloud Pub/Sub, addressed as
// gcppubsub://{project}/{topic}. Clients are cached per project.
type PubSubSender struct {
	newClient func(ctx context.Context, project string) (*pubsub.Client, error)

	mu      sync.Mutex
	clients map[string]*pubsub.Client
}

// NewPubSubSender returns a sender using application default credentials.
func NewPubSubSender() *PubSubSender {
	return &PubSubSender{
		newClient: func(ctx context.Context, project string) (*pubsub.Client, error) {
			return pubsub.NewClient(ctx, project)
		},
		clients: make(map[string]*pubsub.Client),
	}
}

// Send implements Sender.
func (s *PubSubSender) Send(ctx context.Context, dest *url.URL, msg Message) error {
	project := dest.Host
	topicID := strings.Trim(dest.Path, "/")
	if project == "" || topicID == "" || strings.Contains(topicID, "/") {
		return fmt.Errorf("%w: pubsub url must be gcppubsub://{project}/{topic}", ErrInvalidDestination)
	}
	client, err := s.client(ctx, project)
	if err != nil {
		return err
	}
	data, err := msg.payload()
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}

	attrs := map[string]string{"watch_uuid": msg.WatchID}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})

	topic := client.Topic(topicID)
	defer topic.Stop()
	if _, err := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("publish %s/%s: %w", project, topicID, err)
	}
	return nil
}

func (s *PubSubSender) client(ctx context.Context, project string) (*pubsub.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[project]; ok {
		return c, nil
	}
	// The client outlives this delivery, so it must not inherit the attempt deadline.
	c, err := s.newClient(context.WithoutCancel(ctx), project)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client for %s: %w", project, err)
	}
	s.clients[project] = c
	return c, nil
}

// Close releases every cached client.
func (s *PubSubSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for project, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client %s: %w", project, err))
		}
		delete(s.clients, project)
	}
	return errors.Join(errs...)
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
