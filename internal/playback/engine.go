// Package playback holds the single playback session and reconstructs its
// progress from wall-clock time instead of a running timer.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/errs"
	"github.com/loqalabs/loqa-audiobook/internal/synth"
)

// PlayRequest starts a new session. BookID and ChapterID are opaque.
type PlayRequest struct {
	Text      string
	BookID    *string
	ChapterID *string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.log = logger.With(slog.String("component", "playback")) }
}

// Engine serializes play/pause/resume and answers state queries.
type Engine struct {
	synth synth.Synthesizer
	clock func() time.Time
	log   *slog.Logger

	mu    sync.Mutex
	state state
}

// NewEngine returns an idle engine rendering through s.
func NewEngine(s synth.Synthesizer, opts ...Option) *Engine {
	e := &Engine{
		synth: s,
		clock: time.Now,
		log:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Play synthesizes req.Text and starts a fresh session, discarding any previous one.
func (e *Engine) Play(ctx context.Context, req PlayRequest) (Snapshot, error) {
	text := synth.TrimSpace(req.Text)
	if text == "" {
		return Snapshot{}, fmt.Errorf("play: text is required: %w", errs.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	artifact, err := e.synth.Render(ctx, text)
	if err != nil {
		return Snapshot{}, fmt.Errorf("play: %w", err)
	}
	if artifact.DurationSeconds <= 0 {
		return Snapshot{}, fmt.Errorf("play: synthesized duration %v is not positive", artifact.DurationSeconds)
	}

	now := e.clock()
	e.state = state{
		status:        StatusPlaying,
		audioLocation: artifact.Location,
		text:          text,
		metadata:      &Metadata{BookID: req.BookID, ChapterID: req.ChapterID},
		duration:      artifact.DurationSeconds,
		startedAt:     now,
	}
	e.log.Info("playback started",
		slog.String("audio", artifact.Location),
		slog.Float64("duration_seconds", artifact.DurationSeconds))
	return e.state.snapshot(now), nil
}

// Pause freezes live progress. It fails unless a session is playing.
func (e *Engine) Pause() (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.status != StatusPlaying {
		return Snapshot{}, fmt.Errorf("pause: nothing is playing: %w", errs.ErrInvalidState)
	}
	now := e.clock()
	e.state.progress = e.state.liveProgress(now)
	e.state.startedAt = time.Time{}
	e.state.status = StatusPaused
	e.log.Info("playback paused", slog.Float64("progress_seconds", e.state.progress))
	return e.state.snapshot(now), nil
}

// Resume restarts the clock from the frozen progress. It fails unless paused.
func (e *Engine) Resume() (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.status != StatusPaused {
		return Snapshot{}, fmt.Errorf("resume: nothing to resume: %w", errs.ErrInvalidState)
	}
	now := e.clock()
	e.state.status = StatusPlaying
	e.state.startedAt = now
	e.log.Info("playback resumed", slog.Float64("progress_seconds", e.state.progress))
	return e.state.snapshot(now), nil
}

// State returns the current snapshot with live progress projected to now.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot(e.clock())
}
