package snapshot

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isgasho/wosim/internal/world"
)

func snap(tick world.Tick, x float64) world.Snapshot {
	return world.Snapshot{Tick: tick, Entities: world.World{
		1: {Kind: world.KindNPC, Position: world.Vec3{X: x}, Orientation: world.IdentityQuat},
	}}
}

func filled(t *testing.T, capacity int, ticks ...world.Tick) *Buffer {
	t.Helper()
	b := NewBuffer(capacity)
	for _, tick := range ticks {
		require.NoError(t, b.Insert(snap(tick, float64(tick))))
	}
	return b
}

func TestQueryOlderThanWindowIsNotAvailable(t *testing.T) {
	b := filled(t, 16, 100, 102, 104, 106, 108, 110)

	_, err := b.At(50)
	assert.ErrorIs(t, err, ErrNotAvailable)
	_, err = b.Sample(99.5)
	assert.ErrorIs(t, err, ErrNotAvailable)

	_, err = NewBuffer(4).At(1)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestAtShapes(t *testing.T) {
	b := filled(t, 16, 100, 104, 110)

	q, err := b.At(104)
	require.NoError(t, err)
	assert.True(t, q.Exact())
	assert.Equal(t, world.Tick(104), q.From.Tick)

	q, err = b.At(101)
	require.NoError(t, err)
	require.NotNil(t, q.To)
	assert.Equal(t, world.Tick(100), q.From.Tick)
	assert.Equal(t, world.Tick(104), q.To.Tick)
	assert.InDelta(t, 0.25, q.Alpha, 1e-12)

	q, err = b.At(110)
	require.NoError(t, err)
	assert.True(t, q.Exact())

	q, err = b.At(120)
	require.NoError(t, err)
	assert.True(t, q.Hold)
	assert.Equal(t, world.Tick(110), q.From.Tick)
}

func TestInsertRejectsSupersededAndDuplicate(t *testing.T) {
	b := filled(t, 3, 10, 11, 12, 13)
	assert.Equal(t, 3, b.Len())

	oldest, ok := b.Oldest()
	require.True(t, ok)
	assert.Equal(t, world.Tick(11), oldest.Tick)

	assert.ErrorIs(t, b.Insert(snap(10, 0)), ErrSuperseded)
	assert.ErrorIs(t, b.Insert(snap(12, 0)), ErrDuplicate)

	// Out of order but inside the window is fine.
	b = filled(t, 8, 10, 14)
	require.NoError(t, b.Insert(snap(12, 12)))
	got, ok := b.Get(12)
	require.True(t, ok)
	assert.Equal(t, 12.0, got.Entities[1].Position.X)

	newest, _ := b.Newest()
	assert.Equal(t, world.Tick(14), newest.Tick)
}

func TestEvictBefore(t *testing.T) {
	b := filled(t, 8, 10, 11, 12, 13)
	assert.Equal(t, 2, b.EvictBefore(12))
	oldest, _ := b.Oldest()
	assert.Equal(t, world.Tick(12), oldest.Tick)
	assert.Zero(t, b.EvictBefore(5))

	b.Reset()
	assert.Zero(t, b.Len())
	_, ok := b.Newest()
	assert.False(t, ok)
}

func TestSampleInterpolates(t *testing.T) {
	b := NewBuffer(8)
	from := world.Snapshot{Tick: 10, Entities: world.World{
		1: {Position: world.Vec3{X: 0}, Orientation: world.IdentityQuat, Fields: map[string]float64{"hp": 100}},
		2: {Position: world.Vec3{Y: 5}, Orientation: world.IdentityQuat},
	}}
	to := world.Snapshot{Tick: 12, Entities: world.World{
		1: {Position: world.Vec3{X: 10}, Orientation: world.QuatFromEuler(0, 0, math.Pi/2), Fields: map[string]float64{"hp": 50}},
		3: {Position: world.Vec3{Z: 1}, Orientation: world.IdentityQuat},
	}}
	require.NoError(t, b.Insert(from))
	require.NoError(t, b.Insert(to))

	w, err := b.Sample(10.5)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, w[1].Position.X, 1e-9)
	assert.InDelta(t, 87.5, w[1].Fields["hp"], 1e-9)
	assert.Contains(t, w, world.EntityID(2))
	assert.NotContains(t, w, world.EntityID(3))

	mid := world.QuatFromEuler(0, 0, math.Pi/8)
	got := w[1].Orientation
	assert.InDelta(t, mid.Y, got.Y, 1e-9)
	assert.InDelta(t, mid.W, got.W, 1e-9)

	w, err = b.Sample(11.5)
	require.NoError(t, err)
	assert.NotContains(t, w, world.EntityID(2))
	assert.Contains(t, w, world.EntityID(3))
}

func TestSampleDoesNotAliasSnapshots(t *testing.T) {
	b := filled(t, 4, 1)
	w, err := b.Sample(1)
	require.NoError(t, err)
	w[1] = world.EntityState{Position: world.Vec3{X: 99}}

	s, _ := b.Get(1)
	assert.Equal(t, 1.0, s.Entities[1].Position.X)
}
