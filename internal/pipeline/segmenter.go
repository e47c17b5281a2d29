package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Segmenter reads frames from the inbound bus, runs them through a
// [vad.Detector] and emits each closed [Utterance] on a bounded channel.
//
// Only the frames of a pending speech onset and of the active utterance are
// buffered; everything else is discarded once scored. When the utterance
// channel is full Run blocks, and the inbound bus starts dropping its oldest
// frames.
type Segmenter struct {
	in  *audio.Bus
	det *vad.Detector
	out chan Utterance
	log *slog.Logger
	now func() time.Time

	pending []audio.Frame
	active  []audio.Frame
	start   time.Duration
}

// SegmenterOption configures a [Segmenter].
type SegmenterOption func(*Segmenter)

// WithSegmenterLogger sets the logger. Default: slog.Default().
func WithSegmenterLogger(l *slog.Logger) SegmenterOption {
	return func(s *Segmenter) { s.log = l }
}

// NewSegmenter returns a Segmenter reading from in. queue bounds how many
// closed utterances may wait for the turn loop; values below 1 are raised
// to 1.
func NewSegmenter(in *audio.Bus, det *vad.Detector, queue int, opts ...SegmenterOption) *Segmenter {
	if queue < 1 {
		queue = 1
	}
	s := &Segmenter{
		in:  in,
		det: det,
		out: make(chan Utterance, queue),
		log: slog.Default(),
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Utterances returns the channel of closed utterances. It is closed when
// [Segmenter.Run] returns.
func (s *Segmenter) Utterances() <-chan Utterance { return s.out }

// Run consumes the inbound bus until it is closed or ctx ends, returning the
// error that stopped it. Speech still open at that point is discarded.
func (s *Segmenter) Run(ctx context.Context) error {
	defer close(s.out)
	for {
		f, err := s.in.Pop(ctx)
		if err != nil {
			return err
		}
		u, ok := s.feed(f)
		if !ok {
			continue
		}
		select {
		case s.out <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// feed advances segmentation by one frame and returns an utterance when f
// completes one.
func (s *Segmenter) feed(f audio.Frame) (Utterance, bool) {
	wasSpeaking := s.det.Speaking()
	ev, fired := s.det.Process(f)

	switch {
	case fired && ev.Type == vad.SpeechStart:
		s.active = s.active[:0]
		for _, p := range s.pending {
			if p.Timestamp >= ev.At {
				s.active = append(s.active, p)
			}
		}
		s.active = append(s.active, f)
		s.pending = s.pending[:0]
		s.start = ev.At
		s.log.Debug("speech started", "at", ev.At)
		return Utterance{}, false

	case fired && ev.Type == vad.SpeechEnd:
		frames := make([]audio.Frame, 0, len(s.active))
		for _, a := range s.active {
			if a.Timestamp < ev.At {
				frames = append(frames, a)
			}
		}
		s.active = s.active[:0]
		u := Utterance{Start: s.start, End: ev.At, Frames: frames, ClosedAt: s.now()}
		s.log.Debug("speech ended", "at", ev.At, "duration", u.Duration())
		return u, true

	case wasSpeaking:
		s.active = append(s.active, f)
		return Utterance{}, false
	}

	onset, ok := s.det.Onset()
	if !ok {
		s.pending = s.pending[:0]
		return Utterance{}, false
	}
	if onset == f.Timestamp {
		s.pending = s.pending[:0]
	}
	s.pending = append(s.pending, f)
	return Utterance{}, false
}
