// Package events publishes a write-completed notification to an external
// Kafka topic for async consumers (cache invalidators, analytics, mirrors)
// that want to observe Memora's write stream without polling the store.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// WriteCommitted is emitted once a write's episodic append and derived
// upserts have all succeeded.
type WriteCommitted struct {
	TenantID        string    `json:"tenant_id"`
	ProjectID       string    `json:"project_id"`
	ContextID       string    `json:"context_id,omitempty"`
	TaskID          string    `json:"task_id,omitempty"`
	EventID         string    `json:"event_id"`
	SemanticUpserts int       `json:"semantic_upserts"`
	FactsUpserts    int       `json:"facts_upserts"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher publishes WriteCommitted events. A nil *Publisher is valid and
// Publish becomes a no-op, matching the config-gated optionality of this
// concern.
type Publisher struct {
	writer *kafka.Writer
}

// Config controls whether and where the publisher connects.
type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// New builds a Publisher, or returns nil when disabled.
func New(cfg Config) *Publisher {
	if !cfg.Enabled {
		return nil
	}
	return &Publisher{writer: &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}}
}

// Publish writes ev to the configured topic. Errors are the caller's to log
// and swallow: event publication is a side channel, never a write-path
// dependency.
func (p *Publisher) Publish(ctx context.Context, ev WriteCommitted) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Value: payload, Time: time.Now()})
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
