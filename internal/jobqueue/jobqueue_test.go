package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	"github.com/rpattn/imgexplorer/internal/domain"
)

func TestTemporaryClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"leader election", kafka.LeaderNotAvailable, true},
		{"wrapped leader election", fmt.Errorf("write: %w", kafka.LeaderNotAvailable), true},
		{"authorization", kafka.TopicAuthorizationFailed, false},
		{"partial batch", kafka.WriteErrors{nil, kafka.LeaderNotAvailable}, true},
		{"batch with a permanent failure", kafka.WriteErrors{kafka.LeaderNotAvailable, kafka.TopicAuthorizationFailed}, false},
		{"unknown error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := temporary(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestNewKafkaPublisherRequiresTopic(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected an error without a topic")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "manifest-jobs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.writer.RequiredAcks != kafka.RequireAll {
		t.Fatalf("expected acknowledgement from all replicas, got %v", p.writer.RequiredAcks)
	}
}

func TestMemoryPublisherKeepsOrder(t *testing.T) {
	p := &MemoryPublisher{}
	first := domain.ManifestJob{ID: uuid.New()}
	second := domain.ManifestJob{ID: uuid.New()}
	for _, job := range []domain.ManifestJob{first, second} {
		if err := p.Publish(context.Background(), job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	jobs := p.Jobs()
	if len(jobs) != 2 || jobs[0].ID != first.ID || jobs[1].ID != second.ID {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	p.Fail = errors.New("broker down")
	if err := p.Publish(context.Background(), domain.ManifestJob{ID: uuid.New()}); err == nil {
		t.Fatalf("expected the configured failure")
	}
	if len(p.Jobs()) != 2 {
		t.Fatalf("failed publish must not be recorded")
	}
}
