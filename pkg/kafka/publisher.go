package kafka

import (
	"context"
	"time"

	"github.com/Astemirdum/lending-service/pkg/circuit_breaker"
	"github.com/Astemirdum/lending-service/pkg/jsonx"
	"github.com/IBM/sarama"
)

type Publisher interface {
	Publish(ctx context.Context, event EventLoan) error
}

type publisher struct {
	producer sarama.SyncProducer
	topic    string
	cb       circuit_breaker.CircuitBreaker
}

func NewPublisher(producer sarama.SyncProducer, topic string) Publisher {
	if topic == "" {
		topic = LendingTopic
	}
	return &publisher{
		producer: producer,
		topic:    topic,
		cb:       circuit_breaker.New(100, 10*time.Second, 0.5, 5),
	}
}

func (p *publisher) Publish(_ context.Context, event EventLoan) error {
	data, err := jsonx.Marshal(event)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.BookUid),
		Value: sarama.ByteEncoder(data),
	}
	return p.cb.Call(func() error {
		_, _, err := p.producer.SendMessage(msg)
		return err
	})
}

type nopPublisher struct{}

// NewNopPublisher is used when kafka is disabled.
func NewNopPublisher() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, EventLoan) error { return nil }
