package playback

import (
	"fmt"
	"time"
)

// Status is the playback lifecycle position.
type Status int

const (
	StatusIdle Status = iota
	StatusPlaying
	StatusPaused
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its wire name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a wire name produced by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StatusIdle
	case "playing":
		*s = StatusPlaying
	case "paused":
		*s = StatusPaused
	default:
		return fmt.Errorf("unknown playback status %q", text)
	}
	return nil
}

// Metadata is caller-supplied book context echoed back verbatim.
type Metadata struct {
	BookID    *string `json:"bookId"`
	ChapterID *string `json:"chapterId"`
}

// Snapshot is the public view of the playback state.
type Snapshot struct {
	Status                   Status    `json:"status"`
	AudioLocation            string    `json:"audioLocation,omitempty"`
	Text                     string    `json:"text,omitempty"`
	ProgressSeconds          float64   `json:"progressSeconds"`
	Metadata                 *Metadata `json:"metadata,omitempty"`
	EstimatedDurationSeconds float64   `json:"estimatedDurationSeconds,omitempty"`
}

// state is the single mutable session owned by Engine.
type state struct {
	status        Status
	audioLocation string
	text          string
	metadata      *Metadata
	duration      float64
	// progress is the frozen base; live progress adds time since startedAt.
	progress  float64
	startedAt time.Time
}

func (s state) liveProgress(now time.Time) float64 {
	progress := s.progress
	if s.status == StatusPlaying && !s.startedAt.IsZero() {
		if elapsed := now.Sub(s.startedAt).Seconds(); elapsed > 0 {
			progress += elapsed
		}
	}
	if progress > s.duration {
		progress = s.duration
	}
	if progress < 0 {
		progress = 0
	}
	return progress
}

func (s state) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Status:                   s.status,
		AudioLocation:            s.audioLocation,
		Text:                     s.text,
		ProgressSeconds:          s.progress,
		EstimatedDurationSeconds: s.duration,
	}
	if s.metadata != nil {
		md := *s.metadata
		snap.Metadata = &md
	}
	if s.status == StatusPlaying {
		snap.ProgressSeconds = s.liveProgress(now)
	}
	return snap
}
