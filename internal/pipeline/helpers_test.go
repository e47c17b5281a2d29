package pipeline

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	testRate  = 16000
	testFrame = 20 * time.Millisecond
)

var testFormat = audio.Format{SampleRate: testRate, Channels: 1}

// pcmFrame returns one 20 ms mono frame at ts filled with a constant sample.
func pcmFrame(ts time.Duration, sample int16) audio.Frame {
	n := testFormat.FrameBytes(testFrame) / 2
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = sample
	}
	return audio.Frame{
		Data:       audio.Int16ToBytes(pcm),
		SampleRate: testRate,
		Channels:   1,
		Timestamp:  ts,
	}
}

// speech returns frames covering [from, to) that are loud when loud is set
// and silent otherwise.
func speech(from, to time.Duration, loud bool) []audio.Frame {
	var sample int16
	if loud {
		sample = 8000
	}
	var out []audio.Frame
	for ts := from; ts < to; ts += testFrame {
		out = append(out, pcmFrame(ts, sample))
	}
	return out
}

func testDetector(t *testing.T) *vad.Detector {
	t.Helper()
	d, err := vad.NewDetector(vad.Config{
		EnterThreshold: 0.5,
		ExitThreshold:  0.3,
		MinSpeech:      60 * time.Millisecond,
		MinSilence:     200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return d
}

func testUtterance(d time.Duration) Utterance {
	frames := speech(0, d, true)
	return Utterance{Start: 0, End: d, Frames: frames, ClosedAt: time.Now()}
}

func fastRetrier(attempts int) *resilience.Retrier {
	return resilience.NewRetrier(resilience.RetryPolicy{
		MaxAttempts:    attempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	})
}
