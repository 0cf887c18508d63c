package synth

import (
	"math"
	"strings"
	"unicode"
)

const (
	newlineSilence = 0.30
	spaceSilence   = 0.18
	toneDuration   = 0.18
	toneGap        = 0.04
	minSilence     = 0.2

	baseFrequency = 440.0
	frequencyStep = 12.0
	peakAmplitude = 0.6
)

// Synthesize maps text to a deterministic tone sequence at the given sample rate.
// Each rune becomes one segment: newlines and other whitespace are silence, every
// other rune is an enveloped tone followed by a short gap.
func Synthesize(text string, sampleRate int) Track {
	var (
		samples  []float64
		duration float64
	)
	for _, r := range text {
		switch {
		case r == '\n':
			samples = appendSilence(samples, newlineSilence, sampleRate)
			duration += newlineSilence
		case IsSpace(r):
			samples = appendSilence(samples, spaceSilence, sampleRate)
			duration += spaceSilence
		default:
			samples = appendTone(samples, Frequency(r), toneDuration, sampleRate)
			duration += toneDuration
			samples = appendSilence(samples, toneGap, sampleRate)
			duration += toneGap
		}
	}
	if len(samples) == 0 {
		samples = appendSilence(samples, minSilence, sampleRate)
		duration += minSilence
	}
	return Track{Samples: samples, DurationSeconds: duration}
}

// IsSpace reports whether r narrates as a pause. It is the Unicode White_Space
// set without NEL (U+0085), plus the byte order mark (U+FEFF).
func IsSpace(r rune) bool {
	switch r {
	case '\u0085':
		return false
	case '\uFEFF':
		return true
	}
	return unicode.IsSpace(r)
}

// TrimSpace strips leading and trailing runes for which IsSpace is true.
func TrimSpace(text string) string {
	return strings.TrimFunc(text, IsSpace)
}

// Frequency is the tone pitch in Hz assigned to a non-space rune.
func Frequency(r rune) float64 {
	code := unicode.ToLower(r)
	return baseFrequency + float64(code%32)*frequencyStep
}

func segmentSamples(seconds float64, sampleRate int) int {
	return int(math.Floor(seconds * float64(sampleRate)))
}

func appendTone(samples []float64, frequency, seconds float64, sampleRate int) []float64 {
	n := segmentSamples(seconds, sampleRate)
	rate := float64(sampleRate)
	for i := 0; i < n; i++ {
		t := float64(i) / rate
		envelope := math.Sin(math.Pi * math.Min(t/seconds, 1))
		samples = append(samples, math.Sin(2*math.Pi*frequency*t)*envelope*peakAmplitude)
	}
	return samples
}

func appendSilence(samples []float64, seconds float64, sampleRate int) []float64 {
	n := segmentSamples(seconds, sampleRate)
	for i := 0; i < n; i++ {
		samples = append(samples, 0)
	}
	return samples
}
