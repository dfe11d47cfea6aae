package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerSavePacketThenLoadRoundTrips(t *testing.T) {
	backend := NewMemoryBackend()
	w := NewWorker(backend, nil)
	defer w.Close()

	w.SavePacket(PacketRecord{ID: 1, Timestamp: time.Unix(10, 0), From: "A"}, 100)
	w.SavePacket(PacketRecord{ID: 2, Timestamp: time.Unix(5, 0), From: "B"}, 100)

	res := <-w.LoadPackets(10)
	require.NoError(t, res.Err)
	require.Len(t, res.Packets, 2)
	assert.Equal(t, "B", res.Packets[0].From, "ascending timestamp order")
	assert.Equal(t, "A", res.Packets[1].From)
}

func TestPruneKeepsNewestAndPinned(t *testing.T) {
	backend := NewMemoryBackend()
	w := NewWorker(backend, nil)
	defer w.Close()

	for i := uint64(1); i <= 5; i++ {
		w.SavePacket(PacketRecord{ID: i, Timestamp: time.Unix(int64(i), 0)}, 1000)
	}
	w.SetPinned(1, true)
	w.PrunePackets(2)

	res := <-w.LoadPackets(10)
	require.NoError(t, res.Err)
	var ids []uint64
	for _, p := range res.Packets {
		ids = append(ids, p.ID)
	}
	assert.Contains(t, ids, uint64(1), "pinned packets survive pruning")
	assert.LessOrEqual(t, len(ids), 3)
}

func TestWorkerReportsBackendErrors(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	var got *Error
	w := NewWorker(backend, func(e *Error) { got = e })
	defer w.Close()

	w.SavePacket(PacketRecord{ID: 1}, 10)
	<-w.LoadPackets(1) // forces a sync point so the SavePacket command has drained

	require.NotNil(t, got)
	assert.Equal(t, ErrWriteFailed, got.Kind)
}

type failingBackend struct {
	*MemoryBackend
}

func (f *failingBackend) SavePacket(PacketRecord) error {
	return assert.AnError
}

func TestAggregateAnalyticsBucketsPackets(t *testing.T) {
	backend := NewMemoryBackend()
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	backend.now = func() time.Time { return fixed }
	w := NewWorker(backend, nil)
	defer w.Close()

	w.SavePacket(PacketRecord{ID: 1, CreatedAt: fixed.Add(-90 * time.Second), FrameType: "UI", Raw: make([]byte, 30)}, 100)
	w.SavePacket(PacketRecord{ID: 2, CreatedAt: fixed.Add(-80 * time.Second), FrameType: "UI", Raw: make([]byte, 40)}, 100)
	w.SavePacket(PacketRecord{ID: 3, CreatedAt: fixed.Add(-10 * time.Second), FrameType: "I", Raw: make([]byte, 50)}, 100)
	w.SavePacket(PacketRecord{ID: 4, CreatedAt: fixed.Add(-2 * time.Hour), FrameType: "UI", Raw: make([]byte, 60)}, 100)

	res := <-w.AggregateAnalytics(time.Hour, time.Minute, AnalyticsOptions{})
	require.NoError(t, res.Err)
	require.Len(t, res.Buckets, 2, "packets outside the timeframe are excluded")
	assert.Equal(t, 2, res.Buckets[0].PacketCount)
	assert.Equal(t, 70, res.Buckets[0].ByteCount)
	assert.Equal(t, 1, res.Buckets[1].PacketCount)

	res = <-w.AggregateAnalytics(time.Hour, time.Minute, AnalyticsOptions{FrameType: "I"})
	require.NoError(t, res.Err)
	require.Len(t, res.Buckets, 1)
	assert.Equal(t, 1, res.Buckets[0].PacketCount)
}

func TestFileNameFormatsDailyRotation(t *testing.T) {
	name, err := FileName("axterm-%Y%m%d.log", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "axterm-20260305.log", name)
}

// PruneNetrom must weigh a snapshot's age against wall-clock retention, not
// against the snapshot's own timestamp (which is always exactly as old as
// itself and so could never trip the cutoff).
func TestPruneNetromDropsOnlyPastRetention(t *testing.T) {
	backend := NewMemoryBackend()
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	backend.now = func() time.Time { return fixed }

	backend.snapshot = &NetromSnapshot{SnapshotTimestamp: fixed.AddDate(0, 0, -10)}
	require.NoError(t, backend.PruneNetrom(7))
	_, err := backend.LoadNetromSnapshot()
	assert.Error(t, err, "snapshot older than retention must be dropped")

	backend.snapshot = &NetromSnapshot{SnapshotTimestamp: fixed.AddDate(0, 0, -3)}
	require.NoError(t, backend.PruneNetrom(7))
	_, err = backend.LoadNetromSnapshot()
	assert.NoError(t, err, "snapshot within retention must survive")
}
