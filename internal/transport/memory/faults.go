package memory

import "github.com/danmuck/gspctl/internal/protocol"

// Faults configures deterministic misbehaviour of a simulated device.
type Faults struct {
	// ConnectErrors are returned by successive Connect calls, one each.
	ConnectErrors []error
	// Mute swallows every response.
	Mute bool
	// Silent swallows the next N responses to an op.
	Silent map[protocol.Op]int
	// Reject answers an op with the given status and no data.
	Reject map[protocol.Op]uint16
	// Filter rewrites the notifications produced by one write. Index 0 is
	// the command response.
	Filter func([][]byte) [][]byte
}

// SwapFrames exchanges the notifications at i and j when both exist.
func SwapFrames(i, j int) func([][]byte) [][]byte {
	return func(in [][]byte) [][]byte {
		if i >= len(in) || j >= len(in) {
			return in
		}
		out := append([][]byte(nil), in...)
		out[i], out[j] = out[j], out[i]
		return out
	}
}

// DropFrame removes the notification at i.
func DropFrame(i int) func([][]byte) [][]byte {
	return func(in [][]byte) [][]byte {
		if i >= len(in) {
			return in
		}
		out := append([][]byte(nil), in[:i]...)
		return append(out, in[i+1:]...)
	}
}

// PrependFrames emits frames before the real notifications.
func PrependFrames(frames ...[]byte) func([][]byte) [][]byte {
	return func(in [][]byte) [][]byte {
		out := append([][]byte(nil), frames...)
		return append(out, in...)
	}
}
