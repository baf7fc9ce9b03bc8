package events

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
)

const flushTimeoutMs = 5000

// producer is the subset of *kafka.Producer we use.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

type KafkaPublisher struct {
	log      *zap.Logger
	producer producer
	topic    string
	done     chan struct{}
}

func NewKafkaPublisher(log *zap.Logger, brokers, topic string) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          10,
		"retry.backoff.ms":   100,
		"request.timeout.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newKafkaPublisher(log, p, topic), nil
}

func newKafkaPublisher(log *zap.Logger, p producer, topic string) *KafkaPublisher {
	k := &KafkaPublisher{log: log, producer: p, topic: topic, done: make(chan struct{})}
	go k.reportDeliveries()
	return k
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := Encode(ev)
	if err != nil {
		return err
	}
	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.Kind),
		Value:          value,
	}, nil)
}

func (k *KafkaPublisher) reportDeliveries() {
	defer close(k.done)
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			k.log.Warn("Event delivery failed", zap.Error(m.TopicPartition.Error))
		}
	}
}

func (k *KafkaPublisher) Close() {
	if left := k.producer.Flush(flushTimeoutMs); left > 0 {
		k.log.Warn("Events not delivered before shutdown", zap.Int("count", left))
	}
	k.producer.Close()
	<-k.done
}
