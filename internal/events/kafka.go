package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"market-autopilot/internal/market"
)

// PricePayload is the wire form of one price point.
type PricePayload struct {
	Timestamp time.Time `json:"ts"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    int64     `json:"volume"`
}

// PriceBatch is published once per refreshed instrument.
type PriceBatch struct {
	InstrumentID string         `json:"instrument_id"`
	Source       string         `json:"source"`
	Points       []PricePayload `json:"points"`
	PublishedAt  time.Time      `json:"published_at"`
}

// KafkaOptions configure the publisher.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes price batches keyed by instrument so one instrument stays on one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewKafkaPublisher creates a synchronous, hash-balanced writer.
func NewKafkaPublisher(opts KafkaOptions) (*KafkaPublisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: opts.WriteTimeout,
		BatchTimeout: 100 * time.Millisecond,
	}
	return newKafkaPublisher(writer, opts.Topic), nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, now: time.Now}
}

// PublishPrices sends one message holding every point of the batch.
func (p *KafkaPublisher) PublishPrices(ctx context.Context, instrumentID, source string, points []market.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	batch := PriceBatch{
		InstrumentID: instrumentID,
		Source:       source,
		Points:       make([]PricePayload, 0, len(points)),
		PublishedAt:  p.now().UTC(),
	}
	for _, pt := range points {
		batch.Points = append(batch.Points, PricePayload{
			Timestamp: pt.Timestamp.UTC(),
			Open:      pt.Open.String(),
			High:      pt.High.String(),
			Low:       pt.Low.String(),
			Close:     pt.Close.String(),
			Volume:    pt.Volume,
		})
	}

	value, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal price batch: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(instrumentID),
		Value: value,
		Time:  batch.PublishedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish price batch to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
