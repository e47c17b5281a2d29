package audio

import (
	"math"
	"time"
)

// Int16ToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16 converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// RMS returns the root-mean-square amplitude of 16-bit PCM normalised to
// [0, 1]. Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Framer cuts a byte stream of PCM into fixed-duration frames with
// contiguous timestamps. Synthesis output arrives in arbitrarily sized chunks;
// the outbound bus expects uniform frames.
type Framer struct {
	format Format
	size   int
	next   time.Duration
	dur    time.Duration
	buf    []byte
}

// NewFramer returns a Framer emitting frames of duration d in format f,
// starting at timestamp start.
func NewFramer(f Format, d time.Duration, start time.Duration) *Framer {
	return &Framer{
		format: f,
		size:   f.FrameBytes(d),
		next:   start,
		dur:    d,
	}
}

// Write appends chunk and returns every complete frame now available.
func (fr *Framer) Write(chunk []byte) []Frame {
	fr.buf = append(fr.buf, chunk...)
	if fr.size <= 0 {
		return nil
	}
	var out []Frame
	for len(fr.buf) >= fr.size {
		data := make([]byte, fr.size)
		copy(data, fr.buf[:fr.size])
		fr.buf = fr.buf[fr.size:]
		out = append(out, fr.frame(data))
	}
	return out
}

// Flush returns the buffered remainder as a final frame padded with silence,
// or false when nothing is buffered.
func (fr *Framer) Flush() (Frame, bool) {
	if len(fr.buf) == 0 || fr.size <= 0 {
		return Frame{}, false
	}
	data := make([]byte, fr.size)
	copy(data, fr.buf)
	fr.buf = fr.buf[:0]
	return fr.frame(data), true
}

// Next returns the timestamp the next emitted frame will carry.
func (fr *Framer) Next() time.Duration { return fr.next }

func (fr *Framer) frame(data []byte) Frame {
	f := Frame{
		Data:       data,
		SampleRate: fr.format.SampleRate,
		Channels:   fr.format.Channels,
		Timestamp:  fr.next,
	}
	fr.next += fr.dur
	return f
}
