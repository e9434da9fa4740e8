package estuary

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shopify/sarama"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/events"
)

/*
Simple SyncProducer for kafka

Taken from: https://github.com/Shopify/sarama/blob/master/examples/http_server/http_server.go
Messages are keyed by the documentKey so every change to a document lands on
the same partition, in oplog order.
*/

type KafkaEndpoint struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaEndpoint(cfg config.TargetConfig) (*KafkaEndpoint, error) {
	producer, err := newDataCollector(kafkaBrokers(cfg))
	if err != nil {
		return nil, NewConnectionError("kafka", "failed to start sarama producer", err)
	}
	return newKafkaEndpoint(producer, cfg.Collection), nil
}

func newKafkaEndpoint(producer sarama.SyncProducer, topic string) *KafkaEndpoint {
	return &KafkaEndpoint{producer: producer, topic: topic}
}

// kafkaBrokers reads a comma separated broker list from the URI, falling
// back to host:port.
func kafkaBrokers(cfg config.TargetConfig) []string {
	if cfg.URI != "" {
		var brokers []string
		for _, b := range strings.Split(cfg.URI, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		return brokers
	}
	port := cfg.Port
	if port == 0 {
		port = 9092
	}
	return []string{fmt.Sprintf("%s:%d", cfg.Host, port)}
}

func newDataCollector(brokerList []string) (sarama.SyncProducer, error) {
	// For the data collector, we are looking for strong consistency semantics.
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll // Wait for all in-sync replicas to ack the message
	config.Producer.Retry.Max = 10                   // Retry up to 10 times to produce the message
	config.Producer.Return.Successes = true

	return sarama.NewSyncProducer(brokerList, config)
}

func (s *KafkaEndpoint) WriteEvent(ctx context.Context, record *events.RecordEvent) error {
	data, err := marshalEnvelope(record)
	if err != nil {
		return NewEncodingError("kafka", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(data),
	}
	if len(record.Key) > 0 {
		msg.Key = sarama.ByteEncoder(record.Key)
	}

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return NewWriteError("kafka", "failed to send event", err)
	}

	// The tuple (topic, partition, offset) can be used as a unique identifier
	// for a message in a Kafka cluster.
	log.Debug().Str("topic", s.topic).Int32("partition", partition).Int64("offset", offset).Msg("Event stored")
	return nil
}

func (s *KafkaEndpoint) Close() error {
	if err := s.producer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to shut down data collector cleanly")
		return err
	}
	return nil
}
