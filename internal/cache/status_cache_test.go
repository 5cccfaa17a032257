package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/registry"
)

func setupCache(t *testing.T) (*StatusCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewStatusCache(client, 2*time.Minute, zap.NewNop()), mr
}

func TestStatusCache_UpdateAndGet(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	c.UpdateDevice(ctx, registry.Device{
		DeviceID:      "phone-01",
		Capabilities:  []string{"camera", "gsr"},
		Status:        map[string]any{"battery": 80.0},
		LastHeartbeat: time.Now(),
	})

	device, found, err := c.GetDevice(ctx, "phone-01")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "phone-01", device.DeviceID)
	assert.Equal(t, []string{"camera", "gsr"}, device.Capabilities)
	assert.Equal(t, 80.0, device.Status["battery"])

	// TTL guards against stale entries when the hub dies
	ttl := mr.TTL("sensor-hub:device:phone-01:status")
	assert.Equal(t, 2*time.Minute, ttl)
}

func TestStatusCache_RemoveDevice(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	c.UpdateDevice(ctx, registry.Device{DeviceID: "phone-01"})
	c.RemoveDevice(ctx, "phone-01")

	_, found, err := c.GetDevice(ctx, "phone-01")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStatusCache_GetMiss(t *testing.T) {
	c, _ := setupCache(t)

	_, found, err := c.GetDevice(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, found)
}
