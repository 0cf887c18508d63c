package synth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-audiobook/internal/errs"
)

// ToneSynth renders text with Synthesize and stores the WAVE container in a Sink.
type ToneSynth struct {
	format Format
	sink   Sink
	clock  func() time.Time
	newID  func() string
}

// NewToneSynth validates format and binds the output sink.
func NewToneSynth(format Format, sink Sink) (*ToneSynth, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("tone synth requires a sink")
	}
	return &ToneSynth{format: format, sink: sink, clock: time.Now, newID: uuid.NewString}, nil
}

// Format returns the container layout this synth produces.
func (s *ToneSynth) Format() Format { return s.format }

// Render synthesizes text, encodes it and writes a uniquely named artifact.
func (s *ToneSynth) Render(ctx context.Context, text string) (Artifact, error) {
	if TrimSpace(text) == "" {
		return Artifact{}, fmt.Errorf("%w: text is required", errs.ErrInvalidArgument)
	}
	track := Synthesize(text, s.format.SampleRate)
	data, err := EncodeWAV(track.Samples, s.format)
	if err != nil {
		return Artifact{}, err
	}

	name := fmt.Sprintf("%d-%s.wav", s.clock().UnixMilli(), s.newID())
	location, err := s.sink.Put(ctx, name, data)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Location:        location,
		DurationSeconds: track.DurationSeconds,
		SampleCount:     len(track.Samples),
		Size:            len(data),
	}, nil
}
