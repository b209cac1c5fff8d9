package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-core/internal/models"
)

type riderLocationRecord struct {
	UserID    string  `json:"userId"`
	RideID    string  `json:"rideId,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

// KafkaPublisher mirrors rider location updates to a telemetry topic for
// analytics. Entirely optional; the ride flow never depends on it.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) PublishRiderLocation(userID, rideID string, pos models.LatLng, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(riderLocationRecord{
		UserID:    userID,
		RideID:    rideID,
		Latitude:  pos.Lat,
		Longitude: pos.Lng,
		Timestamp: at.UnixMilli(),
	})
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(userID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
