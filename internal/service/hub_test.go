package service

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/session"
)

func startTestHub(t *testing.T) *HubService {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Port = 0 // ephemeral
	cfg.Server.MaxMessageBytes = 1 << 20
	cfg.Server.IdleReadTimeout = 2 * time.Second
	cfg.Heartbeat.Interval = time.Minute
	cfg.Heartbeat.Timeout = time.Minute
	cfg.Output.Dir = t.TempDir()

	hub, err := NewHubService(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = hub.Stop(ctx)
	})

	return hub
}

// testClient a scripted device connection
type testClient struct {
	t    *testing.T
	sock net.Conn
}

func connectDevice(t *testing.T, hub *HubService, deviceID string, capabilities []string) *testClient {
	t.Helper()

	sock, err := net.Dial("tcp", hub.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })

	c := &testClient{t: t, sock: sock}
	c.send(protocol.NewHello(deviceID, capabilities))

	require.Eventually(t, func() bool {
		_, ok := hub.GetConnectedDevices()[deviceID]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	return c
}

func (c *testClient) send(msg *protocol.Message) {
	c.t.Helper()
	frame, err := protocol.EncodeFrame(msg, protocol.DefaultMaxMessageSize)
	require.NoError(c.t, err)
	_, err = c.sock.Write(frame)
	require.NoError(c.t, err)
}

func (c *testClient) receive(within time.Duration) *protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.sock.SetReadDeadline(time.Now().Add(within)))
	body, err := protocol.ReadFrame(c.sock, protocol.DefaultMaxMessageSize)
	require.NoError(c.t, err)
	msg, err := protocol.DecodeMessage(body)
	require.NoError(c.t, err)
	return msg
}

// Full scenario: register A and B, run a session, B streams sensor data,
// stop and inspect the aggregate.
func TestHub_BasicSessionScenario(t *testing.T) {
	hub := startTestHub(t)

	clientA := connectDevice(t, hub, "A", []string{"camera"})
	clientB := connectDevice(t, hub, "B", []string{"gsr"})

	count, ok := hub.StartSessionCount("s1", session.Options{RecordVideo: true})
	require.True(t, ok)
	assert.Equal(t, 2, count)

	// Both devices receive the start command
	startA := clientA.receive(2 * time.Second)
	assert.Equal(t, protocol.TypeStartRecord, startA.Type)
	assert.Equal(t, "s1", startA.SessionID)
	assert.True(t, startA.RecordVideo)
	clientB.receive(2 * time.Second)

	// Second start is rejected while a session is active
	assert.False(t, hub.StartSession("s2", session.Options{}))

	clientB.send(protocol.NewSensorData(map[string]float64{"gsr": 0.42}))
	require.Eventually(t, func() bool {
		current := hub.GetCurrentSession()
		return current != nil && current.DataSampleCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	info := hub.StopSession()
	require.NotNil(t, info)
	assert.Equal(t, "s1", info.SessionID)
	assert.Equal(t, []string{"A", "B"}, info.Devices)
	assert.Equal(t, int64(1), info.DataSampleCount)

	// Both devices receive the stop command
	assert.Equal(t, protocol.TypeStopRecord, clientA.receive(2*time.Second).Type)
	assert.Equal(t, protocol.TypeStopRecord, clientB.receive(2*time.Second).Type)

	// Stop without an active session yields nil
	assert.Nil(t, hub.StopSession())

	history := hub.GetSessionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "s1", history[0].SessionID)
}

func TestHub_SendAndBroadcast(t *testing.T) {
	hub := startTestHub(t)

	clientA := connectDevice(t, hub, "A", nil)
	clientB := connectDevice(t, hub, "B", nil)

	require.True(t, hub.SendMessage("A", protocol.NewFlashSync(100, "")))
	assert.Equal(t, protocol.TypeFlashSync, clientA.receive(2*time.Second).Type)

	assert.False(t, hub.SendMessage("missing", protocol.NewFlashSync(100, "")))

	sent := hub.TriggerBeepSync(880, 150, 0.5)
	assert.Equal(t, 2, sent)
	beepA := clientA.receive(2 * time.Second)
	beepB := clientB.receive(2 * time.Second)
	assert.Equal(t, protocol.TypeBeepSync, beepA.Type)
	assert.Equal(t, 880.0, beepB.FrequencyHz)
	assert.NotEmpty(t, beepA.SyncID)
	assert.Equal(t, beepA.SyncID, beepB.SyncID)
}

func TestHub_ExternalSubscribers(t *testing.T) {
	hub := startTestHub(t)

	received := make(chan *protocol.Message, 1)
	hub.OnMessage(func(deviceID string, msg *protocol.Message) {
		if msg.Type == "custom_x" {
			received <- msg
		}
	})
	disconnected := make(chan string, 1)
	hub.OnDeviceDisconnected(func(deviceID string, reason string) {
		disconnected <- deviceID
	})

	client := connectDevice(t, hub, "A", nil)
	client.send(protocol.NewGeneric("custom_x", map[string]any{"foo": 1}))

	select {
	case msg := <-received:
		assert.Equal(t, float64(1), msg.Extra["foo"])
	case <-time.After(2 * time.Second):
		t.Fatal("unknown-type message not delivered to subscriber")
	}

	require.NoError(t, client.sock.Close())
	select {
	case deviceID := <-disconnected:
		assert.Equal(t, "A", deviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect event not delivered")
	}
}
