package lockstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledRegistryRecordsNothing(t *testing.T) {
	r := NewRegistry()
	r.RecordWait(Table, time.Millisecond)
	r.RecordHold(WAL, time.Millisecond)
	require.Empty(t, r.Snapshot())
}

func TestTrackRecordsWaitAndHold(t *testing.T) {
	r := NewRegistry()
	r.SetEnabled(true)

	release := r.Track(Table, time.Now())
	release()

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	require.Equal(t, Table, snaps[0].Name)
	require.EqualValues(t, 1, snaps[0].WaitCount)
	require.EqualValues(t, 1, snaps[0].HoldCount)
}

func TestResetClearsCounters(t *testing.T) {
	r := NewRegistry()
	r.SetEnabled(true)
	r.RecordWait(MVCCShard, time.Millisecond)
	require.Len(t, r.Snapshot(), 1)

	r.Reset()
	require.Empty(t, r.Snapshot())
}
