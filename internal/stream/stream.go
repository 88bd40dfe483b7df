// package stream publishes promotion lifecycle events to Kafka so downstream
// consumers (deploy agents, dashboards, compliance sinks) can react without
// polling the ledger.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relvault/relvault/internal/ledger"
)

// Event types emitted on the promotions topic.
const (
	EventContractSealed = "contract.sealed"
	EventPromoted       = "promotion.recorded"
	EventRolledBack     = "promotion.rolled_back"
)

// Event is the wire envelope for one lifecycle event. Record is present on
// promotion and rollback events; sealed-contract events carry only hashes.
type Event struct {
	Type         string                  `json:"type"`
	ContractHash string                  `json:"contractHash"`
	Environment  string                  `json:"environment,omitempty"`
	Record       *ledger.PromotionRecord `json:"record,omitempty"`
	EmittedAt    time.Time               `json:"emittedAt"`
}

// PublisherConfig configures the Kafka publisher.
type PublisherConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic to publish lifecycle events to.
	Topic string

	// MaxAttempts is how many times a publish retries on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// Publisher writes events through a kafka-go Writer with bounded retries.
// Messages are keyed by contract hash, so one release's events stay ordered
// within a partition.
type Publisher struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &Publisher{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Publish serializes ev and writes it, retrying with backoff on failure.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(ev.ContractHash),
			Value: value,
			Time:  time.Now().UTC(),
		}
		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish %s failed after %d attempts: %w", ev.Type, p.maxAttempts, lastErr)
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
