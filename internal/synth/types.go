package synth

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-audiobook/internal/errs"
)

const (
	// DefaultSampleRate is the container sample rate used when none is configured.
	DefaultSampleRate = 22050
	// Channels is fixed at mono.
	Channels = 1
	// BitDepth is fixed at 16-bit linear PCM.
	BitDepth = 16
	// BytesPerSample is the payload width of one mono sample.
	BytesPerSample = BitDepth / 8
	// MaxSampleRate bounds the rate so every header field fits its width.
	MaxSampleRate = 192000
)

// Format describes the PCM layout of a rendered container.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat returns mono 16-bit PCM at DefaultSampleRate.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: Channels, BitDepth: BitDepth}
}

// BlockAlign is the byte width of one frame across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

// ByteRate is the number of payload bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Validate rejects layouts the encoder cannot produce.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate must be in 1..%d, got %d", errs.ErrInvalidArgument, MaxSampleRate, f.SampleRate)
	}
	if f.Channels != Channels {
		return fmt.Errorf("%w: only mono output is supported, got %d channels", errs.ErrInvalidArgument, f.Channels)
	}
	if f.BitDepth != BitDepth {
		return fmt.Errorf("%w: only 16-bit output is supported, got %d bits", errs.ErrInvalidArgument, f.BitDepth)
	}
	return nil
}

// Track is the synthesized waveform for one text.
type Track struct {
	Samples []float64
	// DurationSeconds is the sum of nominal segment durations, which may exceed
	// len(Samples)/SampleRate by less than one sample period per segment.
	DurationSeconds float64
}

// Artifact describes a container written to a Sink.
type Artifact struct {
	Location        string
	DurationSeconds float64
	SampleCount     int
	Size            int
}

// Synthesizer renders text into a stored audio artifact.
type Synthesizer interface {
	Render(ctx context.Context, text string) (Artifact, error)
}
