package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Delivery is the Kafka record published for one fanout.
// Exactly one of Room and Conns is set.
type Delivery struct {
	Room  string          `json:"room,omitempty"`
	Conns []string        `json:"conns,omitempty"`
	Frame json.RawMessage `json:"frame"`
}

// KafkaConfig configures the bus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Instance must be unique per gateway process: each instance consumes every record.
	Instance string
}

// Kafka publishes deliveries to a topic and, when Run is called, delivers the
// records it consumes to the local hub.
type Kafka struct {
	writer *kafka.Writer
	cfg    KafkaConfig
	hub    Deliverer
	logger zerolog.Logger
}

// NewKafka creates a publisher. hub may be nil for publish-only processes.
func NewKafka(cfg KafkaConfig, hub Deliverer, logger zerolog.Logger) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{}, // one partition per room keeps a conversation ordered
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 5 * time.Millisecond,
		},
		cfg:    cfg,
		hub:    hub,
		logger: logger.With().Str("component", "fanout").Logger(),
	}
}

func (k *Kafka) ToRoom(ctx context.Context, roomID string, frame []byte) error {
	return k.publish(ctx, roomID, Delivery{Room: roomID, Frame: frame})
}

func (k *Kafka) ToConnections(ctx context.Context, connIDs []string, frame []byte) error {
	if len(connIDs) == 0 {
		return nil
	}
	return k.publish(ctx, connIDs[0], Delivery{Conns: connIDs, Frame: frame})
}

func (k *Kafka) publish(ctx context.Context, key string, d Delivery) error {
	value, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	return nil
}

// Run consumes deliveries and hands them to the local hub until ctx is done.
func (k *Kafka) Run(ctx context.Context) error {
	if k.hub == nil {
		return errors.New("fanout: Run needs a hub")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		Topic:       k.cfg.Topic,
		GroupID:     "gateway-" + k.cfg.Instance,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     100 * time.Millisecond,
	})
	defer reader.Close()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Error().Err(err).Msg("fanout consumer error, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		k.dispatch(m.Value)
	}
}

func (k *Kafka) dispatch(value []byte) {
	var d Delivery
	if err := json.Unmarshal(value, &d); err != nil {
		k.logger.Warn().Err(err).Msg("dropping malformed delivery")
		return
	}
	switch {
	case d.Room != "":
		k.hub.DeliverRoom(d.Room, d.Frame)
	case len(d.Conns) > 0:
		k.hub.Deliver(d.Conns, d.Frame)
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
