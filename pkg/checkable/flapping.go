package checkable

import "math/bits"

const flapWindow = 20

// flapBuffer is a ring of the last 20 check outcomes, one bit per result:
// 1 when the raw state changed, 0 when it stayed. The flap percentage is the
// popcount over the window.
type flapBuffer struct {
	bits  uint32
	index int
}

func (f *flapBuffer) record(changed bool) {
	mask := uint32(1) << uint(f.index)
	if changed {
		f.bits |= mask
	} else {
		f.bits &^= mask
	}
	f.index = (f.index + 1) % flapWindow
}

func (f *flapBuffer) percent() float64 {
	return float64(bits.OnesCount32(f.bits&0xFFFFF)) / flapWindow * 100
}
