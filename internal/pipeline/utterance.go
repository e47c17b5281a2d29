package pipeline

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Utterance is one closed segment of user speech. It is immutable once
// emitted by the [Segmenter].
type Utterance struct {
	// Start is the stream timestamp of the first speech frame.
	Start time.Duration

	// End is the stream timestamp of the first frame after speech.
	End time.Duration

	// Frames hold the speech audio in order.
	Frames []audio.Frame

	// ClosedAt is the wall-clock time the segmenter detected the end of
	// speech.
	ClosedAt time.Time
}

// Duration returns End - Start.
func (u Utterance) Duration() time.Duration { return u.End - u.Start }

// PCM concatenates the frame payloads.
func (u Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// Format returns the audio format of the first frame, or the zero Format for
// an empty utterance.
func (u Utterance) Format() audio.Format {
	if len(u.Frames) == 0 {
		return audio.Format{}
	}
	return audio.Format{SampleRate: u.Frames[0].SampleRate, Channels: u.Frames[0].Channels}
}
