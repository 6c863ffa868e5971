// Package jobqueue hands large manifest jobs to an external worker pool. A
// publish is fire-and-forget: once acknowledged, the caller only keeps the
// job ID.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// Publisher publishes manifest job descriptors with at-least-once delivery.
// The job ID must be assigned before Publish is called.
type Publisher interface {
	Publish(ctx context.Context, job domain.ManifestJob) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxElapsed bounds retries of temporary broker errors.
	MaxElapsed time.Duration
}

// KafkaPublisher writes each job as one message keyed by job ID and waits for
// every in-sync replica to acknowledge it.
type KafkaPublisher struct {
	writer     *kafka.Writer
	maxElapsed time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka publisher needs brokers and a topic")
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		maxElapsed: cfg.MaxElapsed,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, job domain.ManifestJob) error {
	payload, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encode manifest job: %w", err)
	}
	msg := kafka.Message{Key: []byte(job.ID.String()), Value: payload}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = p.maxElapsed
	attempts := 0
	op := func() error {
		attempts++
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil || temporary(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("publish manifest job %s: %w", job.ID, err)
	}
	zerolog.Ctx(ctx).Info().
		Str("job", job.ID.String()).
		Str("topic", p.writer.Topic).
		Int("attempts", attempts).
		Msg("published manifest job")
	return nil
}

func temporary(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && !temporary(e) {
				return false
			}
		}
		return true
	}
	return false
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// MemoryPublisher records published jobs in order. Fail, when set, is
// returned instead of recording.
type MemoryPublisher struct {
	mu   sync.Mutex
	jobs []domain.ManifestJob
	Fail error
}

func (m *MemoryPublisher) Publish(_ context.Context, job domain.ManifestJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *MemoryPublisher) Jobs() []domain.ManifestJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ManifestJob(nil), m.jobs...)
}

func (m *MemoryPublisher) Close() error { return nil }
