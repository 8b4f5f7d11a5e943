package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// jobMessage is the Kafka payload: only the job key travels.
type jobMessage struct {
	LedgerEntryID string `json:"ledger_entry_id"`
}

type KafkaPublisher struct {
	writer  *kgo.Writer
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireAll,
	}
	return &KafkaPublisher{writer: w, timeout: 3 * time.Second}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string) error {
	b, err := json.Marshal(jobMessage{LedgerEntryID: key})
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// KafkaSource reads job keys from a consumer group with manual commits.
type KafkaSource struct {
	reader *kgo.Reader
}

func NewKafkaSource(brokers []string, topic, groupID string) (*KafkaSource, error) {
	if len(brokers) == 0 || topic == "" || groupID == "" {
		return nil, errors.New("kafka source: brokers, topic and group are required")
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return &KafkaSource{reader: r}, nil
}

func (s *KafkaSource) Next(ctx context.Context) (Delivery, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Delivery{}, err
	}
	var msg jobMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil || msg.LedgerEntryID == "" {
		// commit bad messages so the partition does not stall on them
		_ = s.reader.CommitMessages(ctx, m)
		if err == nil {
			err = errors.New("missing ledger_entry_id")
		}
		return Delivery{}, fmt.Errorf("invalid payout message at offset %d: %w", m.Offset, err)
	}
	return Delivery{
		Key: msg.LedgerEntryID,
		Ack: func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			return s.reader.CommitMessages(cctx, m)
		},
	}, nil
}

func (s *KafkaSource) Close() error { return s.reader.Close() }

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
