// Package world holds the data model shared by every layer of the client core:
// ticks, entity state, local input and server snapshots.
package world

import (
	"maps"
	"slices"
)

// Tick identifies one discrete simulation step.
type Tick uint64

// EntityID identifies an entity across snapshots.
type EntityID uint64

// Kind distinguishes server-driven characters from player characters.
type Kind uint8

const (
	KindNPC Kind = iota
	KindPC
)

func (k Kind) String() string {
	switch k {
	case KindNPC:
		return "npc"
	case KindPC:
		return "pc"
	default:
		return "unknown"
	}
}

// EntityState is the physical state needed to resume simulation of one entity
type EntityState struct {
	Kind        Kind               `msgpack:"k"`
	Position    Vec3               `msgpack:"p"`
	Velocity    Vec3               `msgpack:"v"`
	Orientation Quat               `msgpack:"o"`
	Fields      map[string]float64 `msgpack:"f,omitempty"` // domain-specific extras
}

// Clone returns a deep copy of the state.
func (s EntityState) Clone() EntityState {
	if s.Fields != nil {
		s.Fields = maps.Clone(s.Fields)
	}
	return s
}

// Equal reports exact equality, including the extra fields.
func (s EntityState) Equal(o EntityState) bool {
	if s.Kind != o.Kind || s.Position != o.Position || s.Velocity != o.Velocity || s.Orientation != o.Orientation {
		return false
	}
	return maps.Equal(s.Fields, o.Fields)
}

// World maps every known entity to its state at one tick.
type World map[EntityID]EntityState

// Clone returns a deep copy. A nil world clones to an empty one.
func (w World) Clone() World {
	out := make(World, len(w))
	for id, s := range w {
		out[id] = s.Clone()
	}
	return out
}

// Equal reports whether both worlds hold the same entities in the same state.
func (w World) Equal(o World) bool {
	if len(w) != len(o) {
		return false
	}
	for id, s := range w {
		other, ok := o[id]
		if !ok || !s.Equal(other) {
			return false
		}
	}
	return true
}

// IDs returns entity ids in ascending order. Step functions iterate in this
// order so that replays are deterministic.
func (w World) IDs() []EntityID {
	ids := make([]EntityID, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// MaxDisplacement returns the largest positional distance between entities
// present in both worlds. Entities present in only one world count as zero.
func (w World) MaxDisplacement(o World) float64 {
	var max float64
	for id, s := range w {
		other, ok := o[id]
		if !ok {
			continue
		}
		if d := s.Position.Distance(other.Position); d > max {
			max = d
		}
	}
	return max
}

// Snapshot is the authoritative world published by the server for one tick.
// Snapshots are never mutated after decoding; consumers clone what they keep.
type Snapshot struct {
	Tick     Tick  `msgpack:"t"`
	Entities World `msgpack:"e"`
}
