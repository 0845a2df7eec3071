// Package lipread holds the stateful sequence-prediction core: mouth-region
// frames, the bounded frame window, the vocabulary and the decoding policy that
// turns per-step model scores into text.
package lipread

import "fmt"

const (
	FrameSize     = 96
	FrameChannels = 3
	FrameLen      = FrameSize * FrameSize * FrameChannels
)

// Frame is one normalized mouth crop laid out HWC in RGB order with values in
// [0,1]. The zero value is the empty frame. A Frame is never mutated after
// construction.
type Frame struct {
	pix []float32
}

// NewFrame copies pix into a new Frame. Values outside [0,1] are clamped.
func NewFrame(pix []float32) (Frame, error) {
	if len(pix) != FrameLen {
		return Frame{}, fmt.Errorf("frame has %d values, want %d", len(pix), FrameLen)
	}
	cp := make([]float32, FrameLen)
	for i, v := range pix {
		switch {
		case v < 0:
			v = 0
		case v > 1:
			v = 1
		}
		cp[i] = v
	}
	return Frame{pix: cp}, nil
}

// IsEmpty reports whether the frame carries no pixels.
func (f Frame) IsEmpty() bool {
	return len(f.pix) == 0
}

// At returns the value at row y, column x, channel c.
func (f Frame) At(y, x, c int) float32 {
	return f.pix[(y*FrameSize+x)*FrameChannels+c]
}

// Pixels returns a copy of the HWC pixel data.
func (f Frame) Pixels() []float32 {
	return append([]float32(nil), f.pix...)
}

// AppendPixels appends the HWC pixel data to dst without an intermediate copy.
func (f Frame) AppendPixels(dst []float32) []float32 {
	return append(dst, f.pix...)
}
