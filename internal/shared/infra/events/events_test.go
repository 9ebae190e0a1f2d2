package events

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/fleetguard/shared/platform/bus"
)

func TestInMemoryEventBus_FanOut(t *testing.T) {
	bus := NewInMemoryEventBus()
	a := bus.Subscribe(2)
	b := bus.Subscribe(1)

	msg := sharedBus.Message{Topic: "fleetguard.device", Key: "QC-001", Value: []byte(`{}`)}
	require.NoError(t, bus.Publish(context.Background(), msg))
	require.NoError(t, bus.Publish(context.Background(), msg))

	assert.Len(t, a, 2)
	// b tenía hueco para uno; el segundo se descarta sin bloquear.
	assert.Len(t, b, 1)
	assert.Equal(t, 2, bus.Published())
}

func TestInMemoryEventBus_CancelledContext(t *testing.T) {
	bus := NewInMemoryEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Publish(ctx, sharedBus.Message{}), context.Canceled)
	assert.Zero(t, bus.Published())
}

func TestToKafkaMessage(t *testing.T) {
	km := toKafkaMessage(sharedBus.Message{
		Topic:   "fleetguard.device",
		Key:     "QC-001",
		Value:   []byte(`{"a":1}`),
		Headers: map[string]string{"event-type": "device.alarm.triggered", "delivery-path": "cdc"},
	})
	assert.Equal(t, "fleetguard.device", km.Topic)
	assert.Equal(t, []byte("QC-001"), km.Key)
	require.Len(t, km.Headers, 2)
	assert.Equal(t, "delivery-path", km.Headers[0].Key)
	assert.Equal(t, "cdc", string(km.Headers[0].Value))
}

// Requiere Kafka: KAFKA_BROKERS=localhost:9092
func TestKafkaPublisher_Integration(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	writer := NewKafkaWriter(strings.Split(brokers, ","))
	p := NewKafkaPublisher(writer, zap.NewNop())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := p.Publish(ctx, sharedBus.Message{Topic: "fleetguard.test", Key: "k", Value: []byte(`{}`)})
	assert.NoError(t, err)
}
