// Package pubsub implements scrape.Publisher on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// Attributer is implemented by payloads that carry message attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Config names the project and the topic used when Publish is given none.
type Config struct {
	ProjectID    string
	DefaultTopic string
	// VerifyTopic checks that the default topic exists before first use.
	VerifyTopic bool
}

// Publisher publishes JSON payloads and caches one topic handle per name.
type Publisher struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New connects a Pub/Sub client for cfg.ProjectID using Application Default
// Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p, err := NewWithClient(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close pubsub client: %w", closeErr))
		}
		return nil, err
	}
	return p, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		client: client,
		cfg:    cfg,
		logger: logger.Named("pubsub"),
		topics: make(map[string]*pubsub.Topic),
	}
	if cfg.VerifyTopic && cfg.DefaultTopic != "" {
		exists, err := client.Topic(cfg.DefaultTopic).Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.DefaultTopic, err)
		}
		if !exists {
			return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.DefaultTopic, client.Project())
		}
	}
	return p, nil
}

// Publish marshals payload to JSON, publishes it and waits for the server
// message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.cfg.DefaultTopic
	}
	if topic == "" {
		return "", fmt.Errorf("publish: no topic configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			msg.Attributes[k] = v
		}
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes pending publishes and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
