// Package protocol encodes and decodes wosim frames.
//
// Every frame is length-prefixed and starts with a fixed header. All integers
// are big endian:
//
//	offset  size  field
//	0       4     length of everything after this field (11 + payload)
//	4       2     protocol major version
//	6       1     message tag
//	7       8     sequence number (reliable class) or tick (unreliable class)
//	15      n     payload, msgpack encoded
//
// The length field never exceeds 65503, so a frame with its prefix fits one
// UDP datagram. A datagram may carry several frames back to back. A frame whose major
// version is not in the codec's supported set is rejected with
// ErrIncompatibleVersion before the tag or payload is looked at. Minor
// versions are negotiated inside the Handshake payload and never affect
// framing.
//
// Tags:
//
//	1 Handshake    reliable
//	2 InputCommand unreliable, header carries newest command tick
//	3 Snapshot     unreliable, header carries snapshot tick
//	4 Ack          control, header carries cumulative sequence
//	5 Ping         unreliable, header carries ping id
//	6 Pong         unreliable, header carries echoed ping id
//	7 Disconnect   reliable
package protocol
