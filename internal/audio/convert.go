package audio

import (
	"encoding/binary"
	"math"
)

// Converter downmixes interleaved S16LE audio to mono and linearly resamples
// it to the target rate. It keeps the tail of the previous buffer so that
// consecutive calls produce a continuous signal. Not safe for concurrent use.
type Converter struct {
	inRate   int
	outRate  int
	channels int

	pos     float64
	last    int16
	hasLast bool
}

func NewConverter(in Format, outRate int) *Converter {
	channels := int(in.Channels)
	if channels <= 0 {
		channels = 1
	}
	inRate := int(in.SampleRate)
	if inRate <= 0 {
		inRate = outRate
	}
	return &Converter{inRate: inRate, outRate: outRate, channels: channels}
}

// Convert returns the mono samples at the output rate for one input buffer.
func (c *Converter) Convert(data []byte) []int16 {
	mono := downmix(data, c.channels)
	if c.inRate == c.outRate || len(mono) == 0 {
		return mono
	}

	buf := make([]int16, 0, len(mono)+1)
	if c.hasLast {
		buf = append(buf, c.last)
	}
	buf = append(buf, mono...)

	step := float64(c.inRate) / float64(c.outRate)
	out := make([]int16, 0, int(float64(len(buf))/step)+1)
	for c.pos+1 < float64(len(buf)) {
		i := int(c.pos)
		frac := c.pos - float64(i)
		s := float64(buf[i])*(1-frac) + float64(buf[i+1])*frac
		out = append(out, clamp16(math.Round(s)))
		c.pos += step
	}
	c.pos -= float64(len(buf) - 1)
	c.last = buf[len(buf)-1]
	c.hasLast = true
	return out
}

func downmix(data []byte, channels int) []int16 {
	frameBytes := 2 * channels
	frames := len(data) / frameBytes
	out := make([]int16, frames)
	for f := 0; f < frames; f++ {
		var sum int32
		base := f * frameBytes
		for ch := 0; ch < channels; ch++ {
			sum += int32(int16(binary.LittleEndian.Uint16(data[base+ch*2:])))
		}
		out[f] = int16(sum / int32(channels))
	}
	return out
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Framer cuts a sample stream into fixed-size PCM16 frames and hands each
// complete frame to the sink as soon as it fills.
type Framer struct {
	frameSamples int
	pending      []int16
	sink         func([]byte) bool
}

func NewFramer(frameSamples int, sink func([]byte) bool) *Framer {
	return &Framer{
		frameSamples: frameSamples,
		pending:      make([]int16, 0, frameSamples),
		sink:         sink,
	}
}

// Write buffers samples and returns the number of frames emitted.
func (f *Framer) Write(samples []int16) int {
	emitted := 0
	for len(samples) > 0 {
		need := f.frameSamples - len(f.pending)
		n := min(need, len(samples))
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]
		if len(f.pending) == f.frameSamples {
			frame := make([]byte, f.frameSamples*2)
			for i, s := range f.pending {
				binary.LittleEndian.PutUint16(frame[i*2:], uint16(s))
			}
			f.pending = f.pending[:0]
			f.sink(frame)
			emitted++
		}
	}
	return emitted
}

// Pending reports buffered samples not yet emitted.
func (f *Framer) Pending() int { return len(f.pending) }
