// Package snapshot keeps the most recent authoritative snapshots and answers
// interpolation queries over them.
package snapshot

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/isgasho/wosim/internal/world"
)

var (
	// ErrNotAvailable means the requested tick is older than the retention
	// window, or nothing is buffered yet. The caller needs a larger buffer or
	// a fresh baseline.
	ErrNotAvailable = errors.New("snapshot not available")
	ErrSuperseded   = errors.New("snapshot older than retention window")
	ErrDuplicate    = errors.New("snapshot already buffered")
)

// DefaultCapacity covers a little over a second at 20 Hz.
const DefaultCapacity = 32

// Query is the answer to At. Exactly one of three shapes is returned: an
// exact match (From only, Alpha 0), a bracketing pair (From and To, Alpha in
// (0, 1)), or a hold on the newest snapshot (From only, Hold true).
type Query struct {
	From  world.Snapshot
	To    *world.Snapshot
	Alpha float64
	Hold  bool
}

// Exact reports whether From is an exact match for the queried tick.
func (q Query) Exact() bool { return q.To == nil && !q.Hold }

// Buffer is a bounded, tick-ordered snapshot store. It is not safe for
// concurrent use; the tick goroutine owns it.
type Buffer struct {
	capacity int
	snaps    []world.Snapshot // ascending by tick
}

// NewBuffer returns an empty buffer holding at most capacity snapshots.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, snaps: make([]world.Snapshot, 0, capacity)}
}

// Len returns the number of buffered snapshots.
func (b *Buffer) Len() int { return len(b.snaps) }

// Oldest returns the oldest buffered snapshot.
func (b *Buffer) Oldest() (world.Snapshot, bool) {
	if len(b.snaps) == 0 {
		return world.Snapshot{}, false
	}
	return b.snaps[0], true
}

// Newest returns the newest buffered snapshot.
func (b *Buffer) Newest() (world.Snapshot, bool) {
	if len(b.snaps) == 0 {
		return world.Snapshot{}, false
	}
	return b.snaps[len(b.snaps)-1], true
}

// Get returns the snapshot at exactly tick.
func (b *Buffer) Get(tick world.Tick) (world.Snapshot, bool) {
	i, ok := b.search(tick)
	if !ok {
		return world.Snapshot{}, false
	}
	return b.snaps[i], true
}

func (b *Buffer) search(tick world.Tick) (int, bool) {
	i := sort.Search(len(b.snaps), func(i int) bool { return b.snaps[i].Tick >= tick })
	return i, i < len(b.snaps) && b.snaps[i].Tick == tick
}

// Insert stores s, evicting the oldest snapshot when full. Snapshots are
// stored by reference and must not be mutated afterwards.
func (b *Buffer) Insert(s world.Snapshot) error {
	if len(b.snaps) > 0 && s.Tick < b.snaps[0].Tick {
		return fmt.Errorf("%w: tick %d, oldest %d", ErrSuperseded, s.Tick, b.snaps[0].Tick)
	}
	i, found := b.search(s.Tick)
	if found {
		return fmt.Errorf("%w: tick %d", ErrDuplicate, s.Tick)
	}
	b.snaps = append(b.snaps, world.Snapshot{})
	copy(b.snaps[i+1:], b.snaps[i:])
	b.snaps[i] = s
	if over := len(b.snaps) - b.capacity; over > 0 {
		b.evict(over)
	}
	return nil
}

// EvictBefore drops every snapshot older than tick and returns how many went.
func (b *Buffer) EvictBefore(tick world.Tick) int {
	n, _ := b.search(tick)
	b.evict(n)
	return n
}

func (b *Buffer) evict(n int) {
	if n <= 0 {
		return
	}
	clear(b.snaps[:n])
	b.snaps = append(b.snaps[:0], b.snaps[n:]...)
}

// Reset drops everything. Used when a new baseline replaces the old stream.
func (b *Buffer) Reset() {
	b.evict(len(b.snaps))
}

// At answers a query for tick.
func (b *Buffer) At(tick world.Tick) (Query, error) {
	return b.at(float64(tick))
}

func (b *Buffer) at(t float64) (Query, error) {
	if len(b.snaps) == 0 {
		return Query{}, ErrNotAvailable
	}
	oldest, newest := b.snaps[0], b.snaps[len(b.snaps)-1]
	if t < float64(oldest.Tick) {
		return Query{}, fmt.Errorf("%w: tick %g, oldest %d", ErrNotAvailable, t, oldest.Tick)
	}
	if t >= float64(newest.Tick) {
		if t == float64(newest.Tick) {
			return Query{From: newest}, nil
		}
		return Query{From: newest, Hold: true}, nil
	}
	whole := world.Tick(math.Floor(t))
	i := sort.Search(len(b.snaps), func(i int) bool { return b.snaps[i].Tick > whole })
	from := b.snaps[i-1]
	if float64(from.Tick) == t {
		return Query{From: from}, nil
	}
	to := b.snaps[i]
	alpha := (t - float64(from.Tick)) / float64(to.Tick-from.Tick)
	return Query{From: from, To: &to, Alpha: alpha}, nil
}

// Sample returns the world at fractional tick t: exact snapshots are cloned,
// bracketed ticks are interpolated, ticks past the newest hold it.
func (b *Buffer) Sample(t float64) (world.World, error) {
	q, err := b.at(t)
	if err != nil {
		return nil, err
	}
	if q.To == nil {
		return q.From.Entities.Clone(), nil
	}
	return Interpolate(q.From.Entities, q.To.Entities, q.Alpha), nil
}

// Interpolate blends two worlds. Positions, velocities and extra fields are
// lerped, orientations slerped. An entity present on one side only takes
// that side's state when alpha is on its side of one half.
func Interpolate(from, to world.World, alpha float64) world.World {
	out := make(world.World, max(len(from), len(to)))
	for id, a := range from {
		bs, ok := to[id]
		if !ok {
			if alpha < 0.5 {
				out[id] = a.Clone()
			}
			continue
		}
		out[id] = interpolateState(a, bs, alpha)
	}
	for id, bs := range to {
		if _, ok := from[id]; !ok && alpha >= 0.5 {
			out[id] = bs.Clone()
		}
	}
	return out
}

func interpolateState(a, b world.EntityState, alpha float64) world.EntityState {
	s := world.EntityState{
		Kind:        b.Kind,
		Position:    a.Position.Lerp(b.Position, alpha),
		Velocity:    a.Velocity.Lerp(b.Velocity, alpha),
		Orientation: a.Orientation.Slerp(b.Orientation, alpha),
	}
	if len(a.Fields) > 0 || len(b.Fields) > 0 {
		s.Fields = make(map[string]float64, len(b.Fields))
		for k, bv := range b.Fields {
			if av, ok := a.Fields[k]; ok {
				s.Fields[k] = world.Lerp(av, bv, alpha)
			} else {
				s.Fields[k] = bv
			}
		}
	}
	return s
}
