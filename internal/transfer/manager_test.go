package transfer

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/session"
)

// fakeRecorder scripted SessionRecorder
type fakeRecorder struct {
	sessionID string
	active    bool
	files     map[string][]session.FileRecord
}

func (f *fakeRecorder) ActiveSessionID() (string, bool) {
	return f.sessionID, f.active
}

func (f *fakeRecorder) RecordFile(deviceID string, file session.FileRecord) {
	if f.files == nil {
		f.files = make(map[string][]session.FileRecord)
	}
	f.files[deviceID] = append(f.files[deviceID], file)
}

func chunkOf(seq int, content string) *protocol.Message {
	return protocol.NewFileChunk(seq, base64.StdEncoding.EncodeToString([]byte(content)))
}

func TestTransfer_CompleteFile(t *testing.T) {
	dir := t.TempDir()
	recorder := &fakeRecorder{sessionID: "s1", active: true}
	m := NewManager(dir, recorder, zap.NewNop())

	m.HandleMessage("phone-01", protocol.NewFileInfo("gsr_log.csv", 11))
	m.HandleMessage("phone-01", chunkOf(0, "hello "))
	m.HandleMessage("phone-01", chunkOf(1, "world"))
	m.HandleMessage("phone-01", protocol.NewFileEnd("gsr_log.csv"))

	path := filepath.Join(dir, "s1", "phone-01", "gsr_log.csv")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
	assert.Equal(t, 0, m.PendingCount())

	// Completed file lands in the session manifest
	require.Len(t, recorder.files["phone-01"], 1)
	assert.Equal(t, "gsr_log.csv", recorder.files["phone-01"][0].Name)
	assert.Equal(t, int64(11), recorder.files["phone-01"][0].Size)
}

// Chunks may arrive out of order; assembly follows seq order.
func TestTransfer_OutOfOrderChunks(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil, zap.NewNop())

	m.HandleMessage("phone-01", protocol.NewFileInfo("clip.bin", 0))
	m.HandleMessage("phone-01", chunkOf(2, "c"))
	m.HandleMessage("phone-01", chunkOf(0, "a"))
	m.HandleMessage("phone-01", chunkOf(1, "b"))
	m.HandleMessage("phone-01", protocol.NewFileEnd("clip.bin"))

	content, err := os.ReadFile(filepath.Join(dir, "unassigned", "phone-01", "clip.bin"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(content))
}

func TestTransfer_DuplicateChunkCountedOnce(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil, zap.NewNop())

	m.HandleMessage("phone-01", protocol.NewFileInfo("dup.bin", 2))
	m.HandleMessage("phone-01", chunkOf(0, "x"))
	m.HandleMessage("phone-01", chunkOf(0, "y")) // retransmit overwrites
	m.HandleMessage("phone-01", chunkOf(1, "z"))
	m.HandleMessage("phone-01", protocol.NewFileEnd("dup.bin"))

	content, err := os.ReadFile(filepath.Join(dir, "unassigned", "phone-01", "dup.bin"))
	require.NoError(t, err)
	assert.Equal(t, "yz", string(content))
}

// A file_end with no matching transfer is a logged anomaly, not an error.
func TestTransfer_OrphanEnd(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil, zap.NewNop())

	m.HandleMessage("phone-01", protocol.NewFileEnd("never_started.bin"))
	assert.Equal(t, 0, m.PendingCount())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransfer_OrphanChunk(t *testing.T) {
	m := NewManager(t.TempDir(), nil, zap.NewNop())
	m.HandleMessage("phone-01", chunkOf(0, "stray"))
	assert.Equal(t, 0, m.PendingCount())
}

func TestTransfer_DropDevice(t *testing.T) {
	m := NewManager(t.TempDir(), nil, zap.NewNop())

	m.HandleMessage("phone-01", protocol.NewFileInfo("a.bin", 0))
	m.HandleMessage("phone-02", protocol.NewFileInfo("b.bin", 0))
	assert.Equal(t, 2, m.PendingCount())

	m.DropDevice("phone-01")
	assert.Equal(t, 1, m.PendingCount())

	// The survivor still completes
	m.HandleMessage("phone-02", chunkOf(0, "ok"))
	m.HandleMessage("phone-02", protocol.NewFileEnd("b.bin"))
	assert.Equal(t, 0, m.PendingCount())
}

// A device file name with path separators must not escape the output dir.
func TestTransfer_PathTraversalStripped(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil, zap.NewNop())

	m.HandleMessage("phone-01", protocol.NewFileInfo("../../evil.bin", 0))
	m.HandleMessage("phone-01", chunkOf(0, "x"))
	m.HandleMessage("phone-01", protocol.NewFileEnd("../../evil.bin"))

	_, err := os.ReadFile(filepath.Join(dir, "unassigned", "phone-01", "evil.bin"))
	assert.NoError(t, err)
}
