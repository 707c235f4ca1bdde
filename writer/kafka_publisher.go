package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	"positionwatch/config"
	"positionwatch/logger"
	"positionwatch/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every summary it receives to a Kafka topic as JSON,
// keyed by the position key so one position stays on one partition.
type KafkaPublisher struct {
	summaries <-chan models.SummaryEvent
	writer    messageWriter
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	log       *logger.Log
}

func NewKafkaPublisher(cfg config.KafkaConfig, summaries <-chan models.SummaryEvent) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kp := newKafkaPublisher(&kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}, summaries)
	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka publisher initialized")
	return kp, nil
}

func newKafkaPublisher(w messageWriter, summaries <-chan models.SummaryEvent) *KafkaPublisher {
	return &KafkaPublisher{summaries: summaries, writer: w, log: logger.GetLogger()}
}

// Start consumes summaries until the channel is closed.
func (kp *KafkaPublisher) Start(ctx context.Context) error {
	kp.mu.Lock()
	if kp.running {
		kp.mu.Unlock()
		return fmt.Errorf("kafka publisher already running")
	}
	kp.running = true
	kp.mu.Unlock()

	kp.wg.Add(1)
	go kp.run(ctx)
	return nil
}

func (kp *KafkaPublisher) run(ctx context.Context) {
	defer kp.wg.Done()
	log := kp.log.WithComponent("kafka_publisher")

	for summary := range kp.summaries {
		data, err := json.Marshal(summary)
		if err != nil {
			log.WithError(err).Warn("failed to marshal summary")
			continue
		}
		msg := kafka.Message{Key: []byte(summary.Key.String()), Value: data}
		if err := kp.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
			log.WithError(err).WithField("key", summary.Key.String()).Warn("failed to write summary")
			continue
		}
		log.WithFields(logger.Fields{
			"key":      summary.Key.String(),
			"net_kind": summary.NetKind,
		}).Debug("summary written to kafka")
	}
}

// Stop waits for the summary channel to drain and closes the writer. The
// channel must be closed by its owner first.
func (kp *KafkaPublisher) Stop() {
	kp.mu.Lock()
	kp.running = false
	kp.mu.Unlock()

	kp.wg.Wait()
	if err := kp.writer.Close(); err != nil {
		kp.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to close kafka writer")
	}
	kp.log.WithComponent("kafka_publisher").Debug("kafka publisher stopped")
}
