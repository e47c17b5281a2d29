// Package vad implements frame-level Voice Activity Detection.
//
// A [Detector] turns each fixed-duration frame into a speech probability via
// a [Scorer] and runs a hysteresis state machine over it: separate thresholds
// for entering and leaving speech plus minimum dwell times, so that noise
// hovering around a single threshold does not chatter between states.
//
// Process is synchronous and never blocks, making it suitable for the hot
// path that gates transcription input. A Detector holds per-stream state and
// must not be shared between goroutines; create one per session.
package vad

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// EventType enumerates speech boundary events.
type EventType int

const (
	// SpeechStart marks the beginning of sustained speech.
	SpeechStart EventType = iota

	// SpeechEnd marks the end of a speech segment.
	SpeechEnd
)

// String returns "speech_start" or "speech_end".
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a speech boundary.
type Event struct {
	Type EventType

	// At is the stream timestamp of the boundary: the first frame of the
	// speech run for SpeechStart, the first quiet frame for SpeechEnd.
	At time.Duration

	// Probability is the score of the frame that completed the dwell time.
	Probability float64
}

// Scorer maps a frame to a speech probability in [0, 1].
type Scorer interface {
	Score(f audio.Frame) float64
}

// Config holds the detection parameters.
type Config struct {
	// EnterThreshold is the probability at or above which a frame counts
	// towards speech onset. Range (0, 1].
	EnterThreshold float64

	// ExitThreshold is the probability below which a frame counts towards
	// speech end. Must be lower than EnterThreshold.
	ExitThreshold float64

	// MinSpeech is how long the probability must stay at or above
	// EnterThreshold before SpeechStart fires.
	MinSpeech time.Duration

	// MinSilence is how long the probability must stay below ExitThreshold
	// before SpeechEnd fires.
	MinSilence time.Duration
}

// Validate reports whether c describes a usable hysteresis band.
func (c Config) Validate() error {
	var errs []error
	if c.EnterThreshold <= 0 || c.EnterThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: enter threshold %v out of range (0, 1]", c.EnterThreshold))
	}
	if c.ExitThreshold < 0 || c.ExitThreshold >= c.EnterThreshold {
		errs = append(errs, fmt.Errorf("vad: exit threshold %v must be in [0, enter threshold %v)", c.ExitThreshold, c.EnterThreshold))
	}
	if c.MinSpeech < 0 || c.MinSilence < 0 {
		errs = append(errs, errors.New("vad: dwell times must not be negative"))
	}
	return errors.Join(errs...)
}

// Detector is a hysteresis speech detector for one audio stream.
type Detector struct {
	cfg    Config
	scorer Scorer

	speaking bool

	// run tracks the current candidate run: frames above EnterThreshold while
	// silent, or below ExitThreshold while speaking.
	runActive bool
	runStart  time.Duration
	runDur    time.Duration
}

// Option configures a [Detector].
type Option func(*Detector)

// WithScorer replaces the default [EnergyScorer].
func WithScorer(s Scorer) Option {
	return func(d *Detector) {
		d.scorer = s
	}
}

// NewDetector validates cfg and returns a Detector in the silent state.
func NewDetector(cfg Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg, scorer: DefaultEnergyScorer()}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Process scores f and advances the state machine. It returns an event when
// f completes a speech onset or a speech end.
func (d *Detector) Process(f audio.Frame) (Event, bool) {
	p := d.scorer.Score(f)

	var counts bool
	if d.speaking {
		counts = p < d.cfg.ExitThreshold
	} else {
		counts = p >= d.cfg.EnterThreshold
	}
	if !counts {
		d.runActive = false
		d.runDur = 0
		return Event{}, false
	}

	if !d.runActive {
		d.runActive = true
		d.runStart = f.Timestamp
		d.runDur = 0
	}
	d.runDur += f.Duration()

	if !d.speaking && d.runDur >= d.cfg.MinSpeech {
		d.speaking = true
		d.runActive = false
		return Event{Type: SpeechStart, At: d.runStart, Probability: p}, true
	}
	if d.speaking && d.runDur >= d.cfg.MinSilence {
		d.speaking = false
		d.runActive = false
		return Event{Type: SpeechEnd, At: d.runStart, Probability: p}, true
	}
	return Event{}, false
}

// Speaking reports whether the detector is inside a speech segment.
func (d *Detector) Speaking() bool { return d.speaking }

// Onset returns the timestamp of the first frame of a pending speech onset,
// and false when no onset is being accumulated.
func (d *Detector) Onset() (time.Duration, bool) {
	if d.speaking || !d.runActive {
		return 0, false
	}
	return d.runStart, true
}

// Reset returns the detector to the silent state.
func (d *Detector) Reset() {
	d.speaking = false
	d.runActive = false
	d.runDur = 0
}

// Events returns a lazy sequence of the boundary events produced by feeding
// frames through d. The sequence ends when frames ends or the consumer stops.
func (d *Detector) Events(frames iter.Seq[audio.Frame]) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for f := range frames {
			if ev, ok := d.Process(f); ok {
				if !yield(ev) {
					return
				}
			}
		}
	}
}

// EnergyScorer maps RMS energy linearly onto [0, 1] between Floor (scores 0)
// and Ceiling (scores 1). Both are normalised RMS values.
type EnergyScorer struct {
	Floor   float64
	Ceiling float64
}

// DefaultEnergyScorer suits close-talking browser microphones:
// -46 dBFS and quieter scores 0, -26 dBFS and louder scores 1.
func DefaultEnergyScorer() EnergyScorer {
	return EnergyScorer{Floor: 0.005, Ceiling: 0.05}
}

// Score implements [Scorer].
func (s EnergyScorer) Score(f audio.Frame) float64 {
	rms := audio.RMS(f.Data)
	if s.Ceiling <= s.Floor {
		if rms > s.Floor {
			return 1
		}
		return 0
	}
	p := (rms - s.Floor) / (s.Ceiling - s.Floor)
	return min(max(p, 0), 1)
}
