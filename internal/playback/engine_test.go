package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/errs"
	"github.com/loqalabs/loqa-audiobook/internal/synth"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubSynth struct {
	duration float64
	err      error
	calls    int
}

func (s *stubSynth) Render(_ context.Context, text string) (synth.Artifact, error) {
	s.calls++
	if s.err != nil {
		return synth.Artifact{}, s.err
	}
	return synth.Artifact{Location: fmt.Sprintf("/tmp/%d.wav", s.calls), DurationSeconds: s.duration}, nil
}

func newTestEngine(duration float64) (*Engine, *fakeClock, *stubSynth) {
	clock := newFakeClock()
	stub := &stubSynth{duration: duration}
	return NewEngine(stub, WithClock(clock.Now)), clock, stub
}

func strPtr(s string) *string { return &s }

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestStateIdleBeforePlay(t *testing.T) {
	e, _, _ := newTestEngine(10)
	snap := e.State()
	if snap.Status != StatusIdle || snap.ProgressSeconds != 0 || snap.AudioLocation != "" || snap.Metadata != nil {
		t.Fatalf("unexpected idle snapshot: %+v", snap)
	}
}

func TestPlayStartsFreshSession(t *testing.T) {
	e, _, _ := newTestEngine(10)
	snap, err := e.Play(context.Background(), PlayRequest{Text: "  hello  ", BookID: strPtr("book"), ChapterID: nil})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if snap.Status != StatusPlaying || snap.ProgressSeconds != 0 || snap.EstimatedDurationSeconds != 10 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Text != "hello" {
		t.Fatalf("expected trimmed text, got %q", snap.Text)
	}
	if snap.Metadata == nil || *snap.Metadata.BookID != "book" || snap.Metadata.ChapterID != nil {
		t.Fatalf("expected metadata echoed verbatim, got %+v", snap.Metadata)
	}
}

func TestPlayRejectsBlankText(t *testing.T) {
	e, _, stub := newTestEngine(10)
	for _, text := range []string{"", "   ", "\n\t", "\uFEFF\u00a0"} {
		if _, err := e.Play(context.Background(), PlayRequest{Text: text}); !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("%q: expected invalid argument, got %v", text, err)
		}
	}
	if stub.calls != 0 {
		t.Fatalf("synthesizer should not run for blank text")
	}
	if e.State().Status != StatusIdle {
		t.Fatalf("failed play must not change state")
	}
}

func TestPlayTrimsNarrationWhitespace(t *testing.T) {
	e, _, _ := newTestEngine(10)
	snap, err := e.Play(context.Background(), PlayRequest{Text: "\uFEFF hi \uFEFF"})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if snap.Text != "hi" {
		t.Fatalf("expected byte order marks trimmed, got %q", snap.Text)
	}
	snap, err = e.Play(context.Background(), PlayRequest{Text: "\u0085"})
	if err != nil {
		t.Fatalf("NEL alone is narrated text: %v", err)
	}
	if snap.Text != "\u0085" {
		t.Fatalf("expected NEL kept, got %q", snap.Text)
	}
}

func TestPauseAndResumeRequireMatchingState(t *testing.T) {
	e, _, _ := newTestEngine(10)
	if _, err := e.Pause(); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected invalid state on idle pause, got %v", err)
	}
	if _, err := e.Resume(); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected invalid state on idle resume, got %v", err)
	}
	if _, err := e.Play(context.Background(), PlayRequest{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resume(); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected invalid state on resume while playing, got %v", err)
	}
	if _, err := e.Pause(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Pause(); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected invalid state on double pause, got %v", err)
	}
}

func TestProgressFollowsClockAcrossPauseResume(t *testing.T) {
	e, clock, _ := newTestEngine(10)
	if _, err := e.Play(context.Background(), PlayRequest{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(600 * time.Millisecond)
	paused, err := e.Pause()
	if err != nil {
		t.Fatal(err)
	}
	if !almost(paused.ProgressSeconds, 0.6) || paused.Status != StatusPaused {
		t.Fatalf("expected 0.6s paused, got %+v", paused)
	}

	clock.Advance(5 * time.Second)
	if got := e.State().ProgressSeconds; !almost(got, 0.6) {
		t.Fatalf("paused progress must stay frozen, got %v", got)
	}

	if _, err := e.Resume(); err != nil {
		t.Fatal(err)
	}
	clock.Advance(400 * time.Millisecond)
	snap := e.State()
	if snap.Status != StatusPlaying || !almost(snap.ProgressSeconds, 1.0) {
		t.Fatalf("expected 1.0s after resume, got %+v", snap)
	}
}

func TestStateDoesNotMutateStoredProgress(t *testing.T) {
	e, clock, _ := newTestEngine(10)
	if _, err := e.Play(context.Background(), PlayRequest{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	_ = e.State()
	_ = e.State()
	clock.Advance(time.Second)
	if got := e.State().ProgressSeconds; !almost(got, 2) {
		t.Fatalf("expected 2s, got %v", got)
	}
}

func TestProgressCapsAtDuration(t *testing.T) {
	e, clock, _ := newTestEngine(0.44)
	if _, err := e.Play(context.Background(), PlayRequest{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(72 * time.Hour)
	if got := e.State().ProgressSeconds; got != 0.44 {
		t.Fatalf("expected progress capped at 0.44, got %v", got)
	}
	paused, err := e.Pause()
	if err != nil {
		t.Fatal(err)
	}
	if paused.ProgressSeconds != 0.44 {
		t.Fatalf("expected frozen progress capped, got %v", paused.ProgressSeconds)
	}
	if _, err := e.Resume(); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	if got := e.State().ProgressSeconds; got != 0.44 {
		t.Fatalf("expected progress capped after resume, got %v", got)
	}
}

func TestClockGoingBackwardsNeverReducesProgress(t *testing.T) {
	e, clock, _ := newTestEngine(10)
	if _, err := e.Play(context.Background(), PlayRequest{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(-time.Minute)
	if got := e.State().ProgressSeconds; got != 0 {
		t.Fatalf("expected 0 for negative elapsed, got %v", got)
	}
}

func TestSecondPlayDiscardsPreviousProgress(t *testing.T) {
	e, clock, _ := newTestEngine(10)
	first, err := e.Play(context.Background(), PlayRequest{Text: "first"})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(3 * time.Second)
	second, err := e.Play(context.Background(), PlayRequest{Text: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if second.AudioLocation == first.AudioLocation {
		t.Fatalf("expected a new artifact location")
	}
	if got := e.State().ProgressSeconds; got != 0 {
		t.Fatalf("expected fresh progress, got %v", got)
	}
}

func TestPlayFromPausedRestarts(t *testing.T) {
	e, clock, _ := newTestEngine(10)
	if _, err := e.Play(context.Background(), PlayRequest{Text: "a"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)
	if _, err := e.Pause(); err != nil {
		t.Fatal(err)
	}
	snap, err := e.Play(context.Background(), PlayRequest{Text: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusPlaying || snap.ProgressSeconds != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestFailedPlayLeavesStateUnchanged(t *testing.T) {
	e, clock, stub := newTestEngine(10)
	if _, err := e.Play(context.Background(), PlayRequest{Text: "keep", BookID: strPtr("b1")}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	before := e.State()

	stub.err = fmt.Errorf("%w: disk full", errs.ErrIO)
	if _, err := e.Play(context.Background(), PlayRequest{Text: "replace"}); !errors.Is(err, errs.ErrIO) {
		t.Fatalf("expected io failure, got %v", err)
	}
	after := e.State()
	if after.Text != before.Text || after.AudioLocation != before.AudioLocation || after.ProgressSeconds != before.ProgressSeconds {
		t.Fatalf("state changed after failed play: before %+v after %+v", before, after)
	}

	stub.err = nil
	stub.duration = 0
	if _, err := e.Play(context.Background(), PlayRequest{Text: "zero"}); err == nil {
		t.Fatal("expected zero duration to be rejected")
	}
	if e.State().Text != "keep" {
		t.Fatalf("state changed after zero-duration play")
	}
}

func TestConcurrentOperationsStayConsistent(t *testing.T) {
	e, clock, _ := newTestEngine(5)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch (i + j) % 4 {
				case 0:
					_, _ = e.Play(context.Background(), PlayRequest{Text: "x"})
				case 1:
					_, _ = e.Pause()
				case 2:
					_, _ = e.Resume()
				default:
					clock.Advance(100 * time.Millisecond)
				}
				snap := e.State()
				if snap.ProgressSeconds < 0 || snap.ProgressSeconds > 5 {
					t.Errorf("progress out of range: %v", snap.ProgressSeconds)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestSnapshotJSONShape(t *testing.T) {
	e, _, _ := newTestEngine(2)
	idle, err := json.Marshal(e.State())
	if err != nil {
		t.Fatal(err)
	}
	if string(idle) != `{"status":"idle","progressSeconds":0}` {
		t.Fatalf("unexpected idle json: %s", idle)
	}

	snap, err := e.Play(context.Background(), PlayRequest{Text: "hi", BookID: strPtr("b")})
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["status"] != "playing" {
		t.Fatalf("unexpected status %v", decoded["status"])
	}
	if _, ok := decoded["startedAt"]; ok {
		t.Fatal("internal anchor must not be exposed")
	}
	md := decoded["metadata"].(map[string]any)
	if md["bookId"] != "b" || md["chapterId"] != nil {
		t.Fatalf("unexpected metadata %v", md)
	}

	var back Snapshot
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if back.Status != StatusPlaying {
		t.Fatalf("expected playing after decode, got %v", back.Status)
	}
}

func TestEngineWithToneSynth(t *testing.T) {
	sink, err := synth.NewFileSink(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	ts, err := synth.NewToneSynth(synth.DefaultFormat(), sink)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(ts)
	snap, err := e.Play(context.Background(), PlayRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !almost(snap.EstimatedDurationSeconds, 0.44) {
		t.Fatalf("expected 0.44s duration, got %v", snap.EstimatedDurationSeconds)
	}
	if got := e.State().ProgressSeconds; got < 0 || got > 0.2 {
		t.Fatalf("expected near-zero progress right after play, got %v", got)
	}
}

func TestWallClockPauseResumeWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real sleeps")
	}
	stub := &stubSynth{duration: 60}
	e := NewEngine(stub)
	if _, err := e.Play(context.Background(), PlayRequest{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	paused, err := e.Pause()
	if err != nil {
		t.Fatal(err)
	}
	if paused.ProgressSeconds <= 0.5 || paused.ProgressSeconds >= 0.8 {
		t.Fatalf("expected paused progress in (0.5, 0.8), got %v", paused.ProgressSeconds)
	}
	if _, err := e.Resume(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	delta := e.State().ProgressSeconds - paused.ProgressSeconds
	if delta < 0.35 || delta > 0.7 {
		t.Fatalf("expected roughly 0.4s more progress, got %v", delta)
	}
}
