package notify

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/json"
)

// Kafka publishes events to a topic through a synchronous producer. The
// message key is the run id.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafka connects a producer to cfg.Brokers.
func NewKafka(cfg config.KafkaConfig, logger *zap.Logger) (*Kafka, error) {
	if cfg.Topic == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "notify.kafka.topic is required")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka producer").
			WithDetail("brokers", cfg.Brokers)
	}
	return NewKafkaWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, topic string, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kafka{producer: p, topic: topic, logger: logger.With(zap.String("component", "notify_kafka"))}
}

func saramaConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = "notesync"
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 3
	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	c.Producer.Timeout = 10 * time.Second
	c.Net.DialTimeout = 10 * time.Second
	return c
}

// Notify implements Sink. The producer call cannot be cancelled; when ctx
// ends first the send continues in the background and Notify returns.
func (k *Kafka) Notify(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode notification")
	}
	msg := &sarama.ProducerMessage{
		Topic:     k.topic,
		Key:       sarama.StringEncoder(ev.RunID),
		Value:     sarama.ByteEncoder(value),
		Timestamp: ev.Time,
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
			{Key: []byte("class"), Value: []byte(ev.Class)},
		},
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := k.producer.SendMessage(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "kafka delivery failed").
				WithDetail("topic", k.topic)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "kafka delivery timed out").
			WithDetail("topic", k.topic)
	}
}

// Close closes the producer.
func (k *Kafka) Close() error {
	if err := k.producer.Close(); err != nil {
		k.logger.Warn("failed to close kafka producer", zap.Error(err))
		return err
	}
	return nil
}
