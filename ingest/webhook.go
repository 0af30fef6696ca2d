package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/segmentio/kafka-go"
)

// documentExtensions gates which object keys the webhook even
// considers processable (§6: "non-document extensions are ignored").
var documentExtensions = map[string]bool{
	".pdf": true, ".docx": true, ".doc": true, ".txt": true,
	".xlsx": true, ".xls": true, ".csv": true, ".md": true,
}

// MinioEventEnvelope is the standard object-storage event envelope §6
// names: `{Records: [{eventName, s3: {bucket: {name}, object: {key}}}]}`.
type MinioEventEnvelope struct {
	Records []MinioRecord `json:"Records"`
}

// MinioRecord is one record within a MinioEventEnvelope.
type MinioRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// IngestTrigger is the decoded, validated event this package publishes
// to Kafka, decoupling webhook receipt from ingestion start (§6).
type IngestTrigger struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// KafkaProducer is the narrow interface WebhookIngress depends on,
// grounded on manifold's internal/tools/kafka.Writer.
type KafkaProducer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// WebhookIngress decodes minio-events webhook payloads and publishes
// one IngestTrigger per processable s3:ObjectCreated: record onto a
// Kafka topic (§6 "POST /webhook/minio-events").
type WebhookIngress struct {
	producer KafkaProducer
	topic    string
}

// NewWebhookIngress constructs a WebhookIngress writing to topic via
// producer (a *kafka.Writer satisfies KafkaProducer).
func NewWebhookIngress(producer KafkaProducer, topic string) *WebhookIngress {
	return &WebhookIngress{producer: producer, topic: topic}
}

// Accept decodes env and publishes one Kafka message per processable
// record. It returns the number of records published.
func (w *WebhookIngress) Accept(ctx context.Context, env MinioEventEnvelope) (int, error) {
	var msgs []kafka.Message
	for _, rec := range env.Records {
		if !strings.HasPrefix(rec.EventName, "s3:ObjectCreated:") {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			key = rec.S3.Object.Key
		}
		if !documentExtensions[strings.ToLower(filepath.Ext(key))] {
			continue
		}
		trigger := IngestTrigger{Bucket: rec.S3.Bucket.Name, Key: key}
		payload, err := marshalTrigger(trigger)
		if err != nil {
			continue
		}
		msgs = append(msgs, kafka.Message{
			Topic: w.topic,
			Key:   []byte(trigger.Bucket + "/" + trigger.Key),
			Value: payload,
		})
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := w.producer.WriteMessages(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("ingest: publish minio event triggers: %w", err)
	}
	return len(msgs), nil
}

func marshalTrigger(t IngestTrigger) ([]byte, error) {
	return json.Marshal(t)
}

func unmarshalTrigger(b []byte) (IngestTrigger, error) {
	var t IngestTrigger
	err := json.Unmarshal(b, &t)
	return t, err
}

// NewKafkaProducer builds a *kafka.Writer for the given comma-separated
// broker list, matching manifold's NewProducerFromBrokers.
func NewKafkaProducer(brokers, topic string) (*kafka.Writer, error) {
	brokers = strings.TrimSpace(brokers)
	if brokers == "" {
		return nil, fmt.Errorf("ingest: kafka brokers cannot be empty")
	}
	list := strings.Split(brokers, ",")
	for i, b := range list {
		list[i] = strings.TrimSpace(b)
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(list...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}, nil
}

// ConsumeTriggers runs the batch ingestion driver's Kafka consumer
// loop: every IngestTrigger read from brokers/groupID/topic is handed
// to handle (typically wrapping Orchestrator.IngestDocument). It
// blocks until ctx is canceled.
func ConsumeTriggers(ctx context.Context, brokers, groupID, topic string, handle func(context.Context, IngestTrigger) error) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(brokers, ","),
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest: fetch kafka message: %w", err)
		}
		trigger, err := unmarshalTrigger(msg.Value)
		if err == nil {
			if err := handle(ctx, trigger); err != nil {
				// A failed trigger is not retried inline; the Status
				// Tracker records the failed ingestion the same as any
				// other failed IngestDocument call would.
				_ = err
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("ingest: commit kafka offset: %w", err)
		}
	}
}
