package predict

import (
	"math"
	"time"

	"github.com/isgasho/wosim/internal/world"
)

const (
	Accel    = 30.0 // m/s²
	MaxSpeed = 12.0 // m/s
	FastMul  = 2.0  // speed and acceleration multiplier while fast is held
	Friction = 0.90 // velocity multiplier per tick with no input
	MaxPitch = math.Pi / 2
)

// KinematicStep returns a deterministic reference step function. The entity
// selfID is driven by the command: its orientation follows yaw and pitch, held
// buttons accelerate it along the view direction, and friction slows it when
// no button is held. Every other entity is dead-reckoned along its velocity.
func KinematicStep(selfID world.EntityID, tickDelta time.Duration) StepFunc {
	return func(prior world.World, cmd world.InputCommand) world.World {
		return StepEntities(prior, map[world.EntityID]world.Input{selfID: cmd.Input}, tickDelta)
	}
}

// StepEntities advances prior by one tick, steering each entity that has an
// entry in inputs. The authoritative loopback server steps every connected
// client through it, so a client predicting with KinematicStep reproduces the
// server exactly when no input is lost.
func StepEntities(prior world.World, inputs map[world.EntityID]world.Input, tickDelta time.Duration) world.World {
	dt := tickDelta.Seconds()
	next := make(world.World, len(prior))
	for _, id := range prior.IDs() {
		s := prior[id].Clone()
		if in, ok := inputs[id]; ok {
			s = steer(s, in, dt)
		}
		s.Position = s.Position.Add(s.Velocity.Scale(dt))
		next[id] = s
	}
	return next
}

func steer(s world.EntityState, in world.Input, dt float64) world.EntityState {
	yaw := world.NormalizeAngle(in.Yaw)
	pitch := world.Clamp(in.Pitch, -MaxPitch, MaxPitch)
	s.Orientation = world.QuatFromEuler(0, pitch, yaw)

	var dir world.Vec3
	if in.Buttons.Has(world.ButtonForward) {
		dir = dir.Add(world.Vec3{Z: -1})
	}
	if in.Buttons.Has(world.ButtonBackward) {
		dir = dir.Add(world.Vec3{Z: 1})
	}
	if in.Buttons.Has(world.ButtonLeft) {
		dir = dir.Add(world.Vec3{X: -1})
	}
	if in.Buttons.Has(world.ButtonRight) {
		dir = dir.Add(world.Vec3{X: 1})
	}

	accel, maxSpeed := Accel*dt, MaxSpeed
	if in.Buttons.Has(world.ButtonFast) {
		accel *= FastMul
		maxSpeed *= FastMul
	}
	if l := dir.Length(); l > 0 {
		dir = s.Orientation.Rotate(dir.Scale(1 / l))
		s.Velocity = s.Velocity.Add(dir.Scale(accel))
	} else {
		s.Velocity = s.Velocity.Scale(Friction)
	}

	if speed := s.Velocity.Length(); speed > maxSpeed {
		s.Velocity = s.Velocity.Scale(maxSpeed / speed)
	}
	return s
}
