package accounting

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
)

// KafkaMirror asynchronously republishes every accounting record onto a
// Kafka topic, so downstream analytics consumers need not share the
// accounting daemon's own framed-socket protocol. Grounded on the
// teacher's AsyncProducer idiom (RequiredAcks/Compression/Flush tuning).
type KafkaMirror struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewKafkaMirror dials the given brokers and returns a ready mirror.
func NewKafkaMirror(brokers []string, topic string) (*KafkaMirror, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("accounting: kafka producer: %w", err)
	}

	m := &KafkaMirror{producer: producer, topic: topic}
	go m.drainErrors()
	return m, nil
}

func (m *KafkaMirror) drainErrors() {
	for err := range m.producer.Errors() {
		logger.Warn("kafka mirror publish failed", "err", err.Err)
	}
}

// Mirror republishes one (kind, seqall, payload) record onto the topic,
// keyed by kind so partition ordering preserves per-kind sequencing.
func (m *KafkaMirror) Mirror(kind Kind, seqAll int64, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("kafka mirror marshal failed", "kind", kind, "err", err)
		return
	}
	m.producer.Input() <- &sarama.ProducerMessage{
		Topic:   m.topic,
		Key:     sarama.StringEncoder(kind),
		Value:   sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{{Key: []byte("seqall"), Value: []byte(fmt.Sprintf("%d", seqAll))}},
	}
}

// Close flushes and shuts down the producer.
func (m *KafkaMirror) Close() error {
	return m.producer.Close()
}
