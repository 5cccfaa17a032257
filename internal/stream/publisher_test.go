package stream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupPublisher(t *testing.T) (*Publisher, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewPublisher(client, "shimmer:data:stream", zap.NewNop()), mr, client
}

func TestPublishSample_StandardEnvelope(t *testing.T) {
	p, _, client := setupPublisher(t)

	p.PublishSample(context.Background(), Sample{
		DeviceID:  "phone-01",
		Values:    map[string]float64{"gsr": 0.42},
		SessionID: "s1",
		Timestamp: 1700000000.5,
	})

	entries, err := client.XRange(context.Background(), "shimmer:data:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The envelope is serialized into the data field, wisefido stream style
	raw, ok := entries[0].Values["data"].(string)
	require.True(t, ok)

	var sample Sample
	require.NoError(t, json.Unmarshal([]byte(raw), &sample))
	assert.Equal(t, "phone-01", sample.DeviceID)
	assert.Equal(t, "Shimmer", sample.DeviceType) // default device type
	assert.Equal(t, 0.42, sample.Values["gsr"])
	assert.Equal(t, "s1", sample.SessionID)
	assert.Equal(t, 1700000000.5, sample.Timestamp)
}

func TestPublishSample_FailureIsNonFatal(t *testing.T) {
	p, mr, _ := setupPublisher(t)
	mr.Close()

	// Must not panic, the error is only logged
	p.PublishSample(context.Background(), Sample{DeviceID: "phone-01"})
}
