package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/resilience"
)

// DefaultTopic receives audit events.
const DefaultTopic = "origin.audit"

// producer is the subset of *kgo.Client the publisher needs.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher writes events as JSON records keyed by resource id, so all
// events for one product land on one partition in order.
type KafkaPublisher struct {
	client producer
	topic  string

	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher connects to the comma-separated brokers.
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, eris.New("audit: kafka brokers not configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(brokers, ",")...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordDeliveryTimeout(10*time.Second),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "audit: create kafka client")
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "audit: marshal event")
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.ResourceID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(ev.Action)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return resilience.Transient(eris.Wrap(err, "audit: produce event"), 0)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		zap.L().Warn("audit: kafka closed with unflushed events", zap.Error(err))
	}
	p.client.Close()
	return nil
}
