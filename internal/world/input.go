package world

// Buttons is the held-key bitmask sampled once per tick.
type Buttons uint8

const (
	ButtonForward Buttons = 1 << iota
	ButtonBackward
	ButtonLeft
	ButtonRight
	ButtonFast
)

// Has reports whether every button in b2 is held.
func (b Buttons) Has(b2 Buttons) bool {
	return b&b2 == b2
}

// Input is the local control state for one tick
type Input struct {
	Buttons Buttons `msgpack:"b"`
	Yaw     float64 `msgpack:"y"` // radians
	Pitch   float64 `msgpack:"p"` // radians, clamped to [-pi/2, pi/2]
}

// InputCommand is an input tagged with the tick it drives.
// The client owns it until the server confirms that tick.
type InputCommand struct {
	Tick  Tick  `msgpack:"t"`
	Input Input `msgpack:"i"`
}
