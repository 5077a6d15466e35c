package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isgasho/wosim/internal/protocol"
	"github.com/isgasho/wosim/internal/transport"
	"github.com/isgasho/wosim/internal/world"
)

var t0 = time.Unix(1700000000, 0)

// collect drains every datagram queued on p.
func collect(p transport.Transport) [][]byte {
	var out [][]byte
	for {
		d, err := p.Receive()
		if err != nil {
			return out
		}
		out = append(out, d)
	}
}

func TestReliableExactlyOnceInOrderUnderImpairment(t *testing.T) {
	for _, seed := range []uint64{1, 2, 3, 42} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			pa, pb := transport.NewPipe(transport.Impairment{Loss: 0.2, Duplicate: 0.2, Reorder: 0.2, Seed: seed})
			cfg := Config{RetransmitInitial: 50 * time.Millisecond, RetransmitMax: 200 * time.Millisecond, MaxRetries: 100}
			a := New(cfg, nil)
			b := New(cfg, nil)

			const n = 40
			now := t0
			for i := 0; i < n; i++ {
				require.NoError(t, a.Send(&protocol.Disconnect{Reason: fmt.Sprint(i)}, now))
			}

			var got []string
			for step := 0; step < 2000 && (len(got) < n || a.Pending() > 0); step++ {
				now = now.Add(25 * time.Millisecond)
				require.NoError(t, a.Poll(now))
				require.NoError(t, a.Drain(pa))
				pa.Flush()

				for _, d := range collect(pb) {
					msgs, err := b.Ingest(d)
					require.NoError(t, err)
					for _, m := range msgs {
						got = append(got, m.(*protocol.Disconnect).Reason)
					}
				}
				require.NoError(t, b.Drain(pb))
				pb.Flush()

				for _, d := range collect(pa) {
					_, err := a.Ingest(d)
					require.NoError(t, err)
				}
			}

			want := make([]string, n)
			for i := range want {
				want[i] = fmt.Sprint(i)
			}
			assert.Equal(t, want, got)
			assert.Zero(t, a.Pending())
			assert.Equal(t, uint64(n), b.Stats().Delivered)
		})
	}
}

func TestUnreliableMonotonicPerStream(t *testing.T) {
	c := New(Config{}, nil)
	codec := protocol.DefaultCodec()

	var delivered []world.Tick
	for _, tick := range []world.Tick{5, 3, 7, 7, 6, 9, 1} {
		frame, err := codec.Encode(&protocol.Snapshot{Tick: tick}, 0)
		require.NoError(t, err)
		msgs, err := c.Ingest(frame)
		require.NoError(t, err)
		for _, m := range msgs {
			delivered = append(delivered, m.(*protocol.Snapshot).Tick)
		}
	}
	assert.Equal(t, []world.Tick{5, 7, 9}, delivered)
	assert.Equal(t, uint64(4), c.Stats().Stale)

	// Streams are independent: an input at tick 1 is still accepted.
	frame, err := codec.Encode(&protocol.InputCommand{Tick: 1}, 0)
	require.NoError(t, err)
	msgs, err := c.Ingest(frame)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRetryBudgetReportsLinkLost(t *testing.T) {
	pa, pb := transport.NewPipe(transport.Impairment{})
	c := New(Config{RetransmitInitial: 100 * time.Millisecond, RetransmitMax: time.Second, MaxRetries: 3}, nil)

	require.NoError(t, c.Send(&protocol.Handshake{Token: "t"}, t0))

	// Backoff doubles without jitter: 100, 200, 400, 800 ms.
	for _, at := range []time.Duration{100, 300, 700} {
		require.NoError(t, c.Poll(t0.Add(at*time.Millisecond-time.Millisecond)))
		require.NoError(t, c.Poll(t0.Add(at*time.Millisecond)))
	}
	assert.Equal(t, uint64(3), c.Stats().Retransmits)
	require.NoError(t, c.Poll(t0.Add(1499*time.Millisecond)))

	err := c.Poll(t0.Add(1500 * time.Millisecond))
	require.ErrorIs(t, err, ErrLinkLost)
	assert.ErrorIs(t, c.Err(), ErrLinkLost)
	assert.ErrorIs(t, c.Send(&protocol.Disconnect{}, t0), ErrLinkLost)

	require.NoError(t, c.Drain(pa))
	assert.Len(t, collect(pb), 4)
}

func TestSelectiveAck(t *testing.T) {
	pa, pb := transport.NewPipe(transport.Impairment{})
	a := New(Config{}, nil)
	b := New(Config{}, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(&protocol.Disconnect{Reason: fmt.Sprint(i)}, t0))
	}
	require.NoError(t, a.Drain(pa))
	frames := collect(pb)
	require.Len(t, frames, 3)

	// 2 is lost: 1 is delivered, 3 is held.
	msgs, err := b.Ingest(frames[0])
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	msgs, err = b.Ingest(frames[2])
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, b.Drain(pb))
	for _, d := range collect(pa) {
		_, err := a.Ingest(d)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, a.Pending())
	assert.True(t, a.IsAcked(1))
	assert.False(t, a.IsAcked(2))
	assert.True(t, a.IsAcked(3))

	// The retransmitted 2 releases 3 behind it.
	msgs, err = b.Ingest(frames[1])
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].(*protocol.Disconnect).Reason)
	assert.Equal(t, "2", msgs[1].(*protocol.Disconnect).Reason)

	// A late duplicate is dropped but acknowledged again.
	msgs, err = b.Ingest(frames[0])
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, uint64(1), b.Stats().Duplicates)
}

func TestIngestReportsDecodeErrors(t *testing.T) {
	c := New(Config{}, nil)
	frame, err := protocol.NewCodec(2).Encode(&protocol.Ping{ID: 1}, 0)
	require.NoError(t, err)

	msgs, err := c.Ingest(frame)
	assert.Empty(t, msgs)
	assert.ErrorIs(t, err, protocol.ErrIncompatibleVersion)
}

func TestPumpStopsOnClose(t *testing.T) {
	pa, pb := transport.NewPipe(transport.Impairment{})
	c := New(Config{}, nil)

	done := make(chan error, 1)
	go func() { done <- c.Pump(context.Background(), pa) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Send(&protocol.Ping{ID: uint64(i + 1)}, t0))
	}
	c.Close()
	c.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
	assert.Len(t, collect(pb), 3)
	assert.ErrorIs(t, c.Send(&protocol.Ping{ID: 9}, t0), ErrClosed)
}

func TestPumpStopsOnCancel(t *testing.T) {
	pa, _ := transport.NewPipe(transport.Impairment{})
	c := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Pump(ctx, pa), context.Canceled)
}

func TestPumpSurfacesTransportError(t *testing.T) {
	pa, _ := transport.NewPipe(transport.Impairment{})
	require.NoError(t, pa.Close())
	c := New(Config{}, nil)
	require.NoError(t, c.Send(&protocol.Ping{ID: 1}, t0))
	assert.ErrorIs(t, c.Drain(pa), transport.ErrClosed)
}

// narrowLink refuses datagrams longer than limit the way a QUIC path does.
type narrowLink struct {
	transport.Transport
	limit int
}

func (l narrowLink) Send(d []byte) error {
	if len(d) > l.limit {
		return &transport.Error{Op: "send", Err: transport.ErrTooLarge}
	}
	return l.Transport.Send(d)
}

func TestOversizedFramesAreSkipped(t *testing.T) {
	pa, pb := transport.NewPipe(transport.Impairment{})
	c := New(Config{}, nil)

	crowd := make(world.World)
	for i := 1; i <= 50; i++ {
		crowd[world.EntityID(i)] = world.EntityState{Kind: world.KindNPC, Orientation: world.IdentityQuat}
	}
	require.NoError(t, c.Send(&protocol.Snapshot{Tick: 1, Entities: crowd}, t0))
	require.NoError(t, c.Send(&protocol.Ping{ID: 1, SentAt: 1}, t0))

	require.NoError(t, c.Drain(narrowLink{Transport: pa, limit: 200}))
	assert.Len(t, collect(pb), 1)
	assert.Equal(t, uint64(1), c.Stats().Oversized)
}
