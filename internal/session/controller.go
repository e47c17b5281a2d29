// Package session runs voice conversations. A [Controller] owns everything
// one connected client needs (conversation context, inbound and outbound
// audio buses, pipeline stages) and drives them through an explicit state
// machine ([State], [Transition]). The [Registry] is the only structure shared
// between sessions and bounds how many run at once.
//
// All exported methods of Controller and Registry are safe for concurrent use.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/transport"
)

// ErrConfiguration wraps every reason [Create] rejects its inputs. No
// resources are allocated when it is returned.
var ErrConfiguration = errors.New("session: invalid configuration")

// errShutdown is the end reason of a session stopped by [Controller.Shutdown].
var errShutdown = errors.New("session: shut down")

const defaultPlaybackLead = 200 * time.Millisecond

// Deps bundles the inputs of a session. Config is copied; later changes by
// the caller do not reach a running session.
type Deps struct {
	Config config.Session
	Agent  config.AgentConfig

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Registry admits the session. Required.
	Registry Tracker

	// Events receives lifecycle events. Nil discards them.
	Events EventSink

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Scorer replaces the VAD's energy scorer.
	Scorer vad.Scorer

	// PlaybackLead is how far ahead of real time reply frames are handed to
	// the transport. Zero means 200ms.
	PlaybackLead time.Duration

	// OnStateChange observes every state change. It must not block.
	OnStateChange func(id string, from, to State)

	Logger *slog.Logger
}

// Controller is one voice session.
type Controller struct {
	id        string
	createdAt time.Time
	cfg       config.Session
	agent     config.AgentConfig
	conn      transport.Connection
	tracker   Tracker
	events    EventSink
	metrics   *observe.Metrics
	onState   func(id string, from, to State)
	lead      time.Duration
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	convo       *conversation.Context
	in          *audio.Bus
	out         *audio.Bus
	seg         *pipeline.Segmenter
	transcriber *pipeline.Transcriber
	generator   *pipeline.Generator
	synth       *pipeline.Synthesizer

	mu     sync.Mutex
	state  State
	reason error

	listening chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	unregOnce sync.Once

	playMu   sync.Mutex
	played   time.Duration
	playedCh chan struct{}
}

// Create builds a session for conn, registers it and starts its turn loop in
// the background. It fails with [ErrConfiguration] for invalid inputs and
// with [ErrCapacityExceeded] when the registry is full; the caller then
// refuses conn. ctx only supplies values such as the trace; the session
// outlives it.
func Create(ctx context.Context, deps Deps, conn transport.Connection) (*Controller, error) {
	if err := validate(deps, conn); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	cfg := deps.Config

	var vadOpts []vad.Option
	if deps.Scorer != nil {
		vadOpts = append(vadOpts, vad.WithScorer(deps.Scorer))
	}
	det, err := vad.NewDetector(vad.Config{
		EnterThreshold: cfg.VADEnterThreshold,
		ExitThreshold:  cfg.VADExitThreshold,
		MinSpeech:      cfg.VADMinSpeech(),
		MinSilence:     cfg.VADMinSilence(),
	}, vadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	events := deps.Events
	if events == nil {
		events = nopSink{}
	}
	log := cmp.Or(deps.Logger, slog.Default()).With("session_id", conn.ID())
	agent := deps.Agent
	agent.FallbackGreeting = cmp.Or(agent.FallbackGreeting, config.DefaultFallbackGreeting)
	agent.FallbackReply = cmp.Or(agent.FallbackReply, config.DefaultFallbackReply)
	agent.GreetingInstruction = cmp.Or(agent.GreetingInstruction, config.DefaultGreetingInstruction)

	sctx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), conn.ID()))
	c := &Controller{
		id:        conn.ID(),
		createdAt: time.Now(),
		cfg:       cfg,
		agent:     agent,
		conn:      conn,
		tracker:   deps.Registry,
		events:    events,
		metrics:   metrics,
		onState:   deps.OnStateChange,
		lead:      cmp.Or(deps.PlaybackLead, defaultPlaybackLead),
		log:       log,
		ctx:       sctx,
		cancel:    cancel,
		convo:     conversation.New(),
		state:     StateInitializing,
		listening: make(chan struct{}),
		done:      make(chan struct{}),
		playedCh:  make(chan struct{}),
	}

	c.in = audio.NewBus(cfg.InboundBufferFrames, audio.DropOldest, audio.WithOnDrop(func(audio.Frame) {
		metrics.InboundFramesDropped.Add(sctx, 1)
	}))
	c.out = audio.NewBus(cfg.OutboundBufferFrames, audio.Block)

	retrier := resilience.NewRetrier(resilience.RetryPolicy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay(),
		MaxDelay:       cfg.RetryMaxDelay(),
		AttemptTimeout: cfg.StageTimeout(),
	}, resilience.WithRetryNotify(c.onRetry))

	c.seg = pipeline.NewSegmenter(c.in, det, cfg.UtteranceQueue, pipeline.WithSegmenterLogger(log))
	c.transcriber = pipeline.NewTranscriber(pipeline.TranscriberConfig{
		Provider:     deps.STT,
		Context:      c.convo,
		Retrier:      retrier,
		MinUtterance: cfg.MinUtterance(),
		Language:     agent.Language,
		Metrics:      metrics,
	})
	c.generator = pipeline.NewGenerator(pipeline.GeneratorConfig{
		Provider:            deps.LLM,
		Context:             c.convo,
		Retrier:             retrier,
		SystemPrompt:        agent.SystemPrompt,
		GreetingInstruction: agent.GreetingInstruction,
		Window:              cfg.ContextWindowTurns,
		Temperature:         agent.Temperature,
		MaxTokens:           agent.MaxTokens,
		Metrics:             metrics,
	})
	c.synth = pipeline.NewSynthesizer(pipeline.SynthesizerConfig{
		Provider:      deps.TTS,
		Voice:         tts.Voice{ID: agent.Voice.ID, Speed: agent.Voice.Speed},
		Out:           c.out,
		Format:        audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
		FrameDuration: cfg.FrameDuration(),
		Retrier:       retrier,
		Metrics:       metrics,
	})

	if err := deps.Registry.Register(c); err != nil {
		cancel()
		reason := "duplicate"
		if errors.Is(err, ErrCapacityExceeded) {
			reason = "capacity"
		}
		metrics.RecordRejected(ctx, reason)
		log.Warn("session refused", "reason", reason, "error", err)
		return nil, err
	}

	go c.run()
	return c, nil
}

func validate(deps Deps, conn transport.Connection) error {
	var errs []error
	if err := config.ValidateSession(deps.Config); err != nil {
		errs = append(errs, err)
	}
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil {
		errs = append(errs, errors.New("stt, llm and tts providers are required"))
	}
	if deps.Registry == nil {
		errs = append(errs, errors.New("registry is required"))
	}
	if conn == nil {
		errs = append(errs, errors.New("connection is required"))
	}
	return errors.Join(errs...)
}

// ID returns the session id, which is the connection id.
func (c *Controller) ID() string { return c.id }

// CreatedAt returns when the session was created.
func (c *Controller) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the session ended: nil for a disconnect, the fatal error
// otherwise. Only meaningful after Done is closed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Turns returns a snapshot of the committed turns.
func (c *Controller) Turns() []conversation.Turn { return c.convo.Snapshot() }

// Info returns the session's metadata.
func (c *Controller) Info() Info {
	return Info{
		ID:        c.id,
		State:     c.State().String(),
		CreatedAt: c.createdAt,
		Turns:     c.convo.Len(),
	}
}

// Listening is closed once the greeting has played and microphone audio is
// being segmented.
func (c *Controller) Listening() <-chan struct{} { return c.listening }

// Done is closed once the session is terminated and its goroutines have
// exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Wait blocks until the session is done or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleDisconnect starts draining the session: in-flight provider calls are
// cancelled and blocked bus operations released. The session reaches
// Terminated once its goroutines have exited. Safe to call any number of
// times.
func (c *Controller) HandleDisconnect() {
	if _, err := c.fire(TriggerDisconnect); err != nil {
		return
	}
	c.stop()
}

// Shutdown terminates the session immediately without waiting for in-flight
// stages. Use [Controller.Wait] to await the release of its resources.
func (c *Controller) Shutdown() {
	if _, err := c.fire(TriggerShutdown); err != nil {
		return
	}
	c.setReason(errShutdown)
	c.stop()
	if err := c.conn.Close(); err != nil {
		c.log.Debug("close connection", "error", err)
	}
	c.unregister()
}

func (c *Controller) fail(err error) {
	c.setReason(err)
	if _, terr := c.fire(TriggerFatal); terr != nil {
		return
	}
	c.log.Error("session failed", "error", err)
	c.stop()
}

func (c *Controller) setReason(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == nil {
		c.reason = err
	}
}

// fire applies t under the state lock.
func (c *Controller) fire(t Trigger) (State, error) {
	c.mu.Lock()
	from := c.state
	to, err := Transition(from, t)
	if err != nil {
		c.mu.Unlock()
		return from, err
	}
	c.state = to
	c.mu.Unlock()

	if to != from {
		c.log.Info("session state", "from", from.String(), "to", to.String(), "trigger", t.String())
		if c.onState != nil {
			c.onState(c.id, from, to)
		}
	}
	return to, nil
}

// stop cancels the session context and closes both buses, which discards
// queued audio and releases every blocked producer and consumer.
func (c *Controller) stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.in.Close()
		c.out.Close()
	})
}

func (c *Controller) unregister() {
	c.unregOnce.Do(func() {
		c.tracker.Unregister(c.id)
	})
}

func (c *Controller) run() {
	var wg sync.WaitGroup
	wg.Go(c.pump)
	wg.Go(c.playback)
	wg.Go(c.watch)

	if err := c.converse(&wg); err != nil && c.ctx.Err() == nil {
		c.fail(err)
	} else {
		c.HandleDisconnect()
	}
	c.stop()
	wg.Wait()
	c.finish()
}

func (c *Controller) finish() {
	if _, err := c.fire(TriggerDrained); err != nil && !errors.Is(err, ErrTerminated) {
		c.log.Warn("unexpected state at drain", "error", err)
	}
	if err := c.conn.Close(); err != nil {
		c.log.Debug("close connection", "error", err)
	}
	c.unregister()

	e := Event{Type: EventSessionEnded, Latency: time.Since(c.createdAt)}
	if err := c.Err(); err != nil {
		e.Reason = err.Error()
	}
	c.emit(e)
	c.log.Info("session ended", "turns", c.convo.Len(), "duration", e.Latency)
	close(c.done)
}

// converse waits for the transport to open, plays the greeting, then runs
// turns until the session stops.
func (c *Controller) converse(wg *sync.WaitGroup) error {
	select {
	case <-c.conn.Ready():
	case <-c.ctx.Done():
		return nil
	}
	if _, err := c.fire(TriggerChannelOpen); err != nil {
		return nil
	}
	c.emit(Event{Type: EventSessionStarted})

	if err := c.greet(); err != nil {
		return err
	}
	// Anything heard while the greeting played is discarded.
	if n := c.in.Flush(); n > 0 {
		c.log.Debug("discarded audio captured during greeting", "frames", n)
	}
	close(c.listening)

	wg.Go(func() {
		if err := c.seg.Run(c.ctx); err != nil && c.ctx.Err() == nil && !errors.Is(err, audio.ErrBusClosed) {
			c.log.Warn("segmenter stopped", "error", err)
		}
	})
	return c.turnLoop()
}

func (c *Controller) greet() error {
	var (
		turn conversation.Turn
		err  error
	)
	if c.agent.Greeting != "" {
		turn, err = c.convo.Append(conversation.RoleAssistant, c.agent.Greeting)
	} else {
		turn, err = c.generator.GenerateGreeting(c.ctx)
		if err != nil {
			if err := c.absorb(err); err != nil {
				return err
			}
			turn, err = c.convo.Append(conversation.RoleAssistant, c.agent.FallbackGreeting)
		}
	}
	if err != nil {
		return fmt.Errorf("session: greeting: %w", err)
	}
	c.committed(turn, time.Time{})

	if err := c.speak(c.ctx, turn.Content, time.Time{}); err != nil {
		return err
	}
	return c.awaitPlayback(c.synth.Playhead())
}

// turnLoop consumes utterances one at a time. Utterances closed while a turn
// is in flight wait in the segmenter's queue.
func (c *Controller) turnLoop() error {
	utterances := c.seg.Utterances()
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case u, ok := <-utterances:
			if !ok {
				return nil
			}
			if err := c.turn(u); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) turn(u pipeline.Utterance) error {
	ctx, span := observe.StartSpan(c.ctx, "session.turn")
	defer span.End()

	user, err := c.transcriber.Transcribe(ctx, u)
	switch {
	case errors.Is(err, pipeline.ErrTooShort), errors.Is(err, pipeline.ErrNoSpeech):
		observe.SpanLogger(ctx, c.log).Debug("utterance discarded", "duration", u.Duration(), "reason", err)
		return nil
	case err != nil:
		return c.fallback(ctx, err)
	}
	c.committed(user, time.Time{})

	reply, err := c.generator.Generate(ctx)
	if err != nil {
		return c.fallback(ctx, err)
	}
	c.committed(reply, u.ClosedAt)
	return c.speak(ctx, reply.Content, u.ClosedAt)
}

// fallback answers a failed stage with the fallback reply. Errors that end the
// session are returned.
func (c *Controller) fallback(ctx context.Context, err error) error {
	if err := c.absorb(err); err != nil {
		return err
	}
	turn, err := c.convo.Append(conversation.RoleAssistant, c.agent.FallbackReply)
	if err != nil {
		return fmt.Errorf("session: fallback reply: %w", err)
	}
	c.committed(turn, time.Time{})
	return c.speak(ctx, turn.Content, time.Time{})
}

// speak synthesises text onto the outbound bus. A failed synthesis is logged
// and the turn stands; the conversation carries on.
func (c *Controller) speak(ctx context.Context, text string, speechEnd time.Time) error {
	err := c.synth.SynthesizeTurn(ctx, text, speechEnd)
	if err == nil {
		return nil
	}
	return c.absorb(err)
}

// absorb reports a recoverable stage failure and returns nil, or returns err
// unchanged when it must end the turn loop.
func (c *Controller) absorb(err error) error {
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	var se *pipeline.StageError
	if !errors.As(err, &se) || isFatal(err) {
		return err
	}
	c.log.Warn("stage failed",
		"stage", string(se.Stage),
		"kind", se.Kind.String(),
		"attempts", se.Attempts,
		"error", se.Err,
	)
	c.emit(Event{
		Type:     EventStageError,
		Stage:    string(se.Stage),
		Kind:     se.Kind.String(),
		Attempts: se.Attempts,
		Reason:   se.Err.Error(),
	})
	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, transport.ErrTransportLost) || errors.Is(err, audio.ErrBusClosed)
}

func (c *Controller) committed(turn conversation.Turn, speechEnd time.Time) {
	c.metrics.RecordTurn(c.ctx, string(turn.Role))
	e := Event{Type: EventTurnCompleted, Seq: turn.Seq, Role: string(turn.Role)}
	if !speechEnd.IsZero() {
		e.Latency = turn.At.Sub(speechEnd)
	}
	c.emit(e)
	if turn.Role == conversation.RoleAssistant {
		_, _ = c.fire(TriggerTurnCompleted)
	}
}

func (c *Controller) emit(e Event) {
	e.SessionID = c.id
	if e.At.IsZero() {
		e.At = time.Now()
	}
	c.events.Emit(context.WithoutCancel(c.ctx), e)
}

func (c *Controller) onRetry(stage string, attempt int, err error, wait time.Duration) {
	c.log.Warn("retrying provider call",
		"stage", stage,
		"attempt", attempt,
		"wait", wait,
		"error", err,
	)
	c.metrics.RecordRetry(c.ctx, stage)
}

// pump moves microphone frames from the transport onto the inbound bus,
// which drops the oldest frame when full.
func (c *Controller) pump() {
	inbound := c.conn.Inbound()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f, ok := <-inbound:
			if !ok {
				return
			}
			if err := c.in.Push(c.ctx, f); err != nil {
				if errors.Is(err, audio.ErrOutOfOrder) {
					c.log.Debug("dropping out-of-order frame", "timestamp", f.Timestamp)
					continue
				}
				return
			}
		}
	}
}

// watch turns the end of the transport into a disconnect or a fatal error.
func (c *Controller) watch() {
	select {
	case <-c.conn.Done():
		if err := c.conn.Err(); err != nil {
			c.fail(err)
			return
		}
		c.HandleDisconnect()
	case <-c.ctx.Done():
	}
}

// playback paces reply frames to the transport in real time, running at most
// lead ahead. The clock re-anchors whenever playback falls behind, which is
// the case at the start of every reply.
func (c *Controller) playback() {
	var (
		anchor   time.Time
		anchorTS time.Duration
	)
	for {
		f, err := c.out.Pop(c.ctx)
		if err != nil {
			return
		}

		now := time.Now()
		due := anchor.Add(f.Timestamp - anchorTS)
		if anchor.IsZero() || due.Before(now) {
			anchor, anchorTS, due = now, f.Timestamp, now
		}
		if wait := due.Sub(now) - c.lead; wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-c.ctx.Done():
				t.Stop()
				return
			}
		}

		if err := c.conn.Send(c.ctx, f); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, transport.ErrTransportLost) {
				err = fmt.Errorf("%w: %w", transport.ErrTransportLost, err)
			}
			c.fail(fmt.Errorf("session: send: %w", err))
			return
		}
		c.markPlayed(f.End())
	}
}

func (c *Controller) markPlayed(end time.Duration) {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.played = end
	close(c.playedCh)
	c.playedCh = make(chan struct{})
}

// awaitPlayback blocks until every frame up to target has been sent.
func (c *Controller) awaitPlayback(target time.Duration) error {
	for {
		c.playMu.Lock()
		played, ch := c.played, c.playedCh
		c.playMu.Unlock()
		if played >= target {
			return nil
		}
		select {
		case <-ch:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}
