package telemetry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isgasho/wosim/internal/channel"
	"github.com/isgasho/wosim/internal/session"
	"github.com/isgasho/wosim/internal/transport"
)

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)

	id := uuid.New()
	at := time.UnixMicro(1700000000123456)
	j.RecordTransition(id, session.Transition{From: session.Connecting, To: session.Handshaking, At: at})
	j.RecordTransition(id, session.Transition{From: session.Handshaking, To: session.Failed, Cause: errors.New("boom"), At: at.Add(time.Second)})
	j.RecordTransition(uuid.New(), session.Transition{From: session.Connecting, To: session.Closed, At: at})
	j.RecordSample(id, session.Stats{
		RTT:          42 * time.Millisecond,
		DecodeErrors: 1,
		Channel:      channel.Stats{Retransmits: 3, Stale: 2},
		Transport:    transport.Stats{DatagramsTx: 10, DatagramsRx: 9},
	}, at)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	assert.Zero(t, j.Dropped())

	// Reopen to read what the writer flushed on close.
	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	rows, err := j.Transitions(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "connecting", rows[0].From)
	assert.Equal(t, "handshaking", rows[0].To)
	assert.True(t, at.Equal(rows[0].At))
	assert.Equal(t, "failed", rows[1].To)
	assert.Equal(t, "boom", rows[1].Cause)

	samples, err := j.Samples(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 42*time.Millisecond, samples[0].RTT)
	assert.Equal(t, uint64(10), samples[0].DatagramsTx)
	assert.Equal(t, uint64(9), samples[0].DatagramsRx)
	assert.Equal(t, uint64(3), samples[0].Retransmits)
	assert.Equal(t, uint64(2), samples[0].Stale)
	assert.Equal(t, uint64(1), samples[0].DecodeErrors)
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j.RecordTransition(uuid.New(), session.Transition{})
	assert.Equal(t, uint64(1), j.Dropped())
}

func TestCloseDuringRecordingLosesNothingUncounted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)

	const writers, each = 4, 100
	id := uuid.New()
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range each {
				j.RecordTransition(id, session.Transition{From: session.Active, To: session.Disconnecting})
			}
		}()
	}
	close(start)
	require.NoError(t, j.Close())
	wg.Wait()

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()
	rows, err := j2.Transitions(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, writers*each, len(rows)+int(j.Dropped()))
}

func TestNilJournalIsInert(t *testing.T) {
	j, err := Open("")
	require.NoError(t, err)
	require.Nil(t, j)

	j.RecordTransition(uuid.New(), session.Transition{})
	j.RecordSample(uuid.New(), session.Stats{}, time.Now())
	assert.Zero(t, j.Dropped())
	assert.NoError(t, j.Close())

	rows, err := j.Transitions(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Empty(t, rows)
}
