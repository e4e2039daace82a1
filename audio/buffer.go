// Package audio holds the in-memory PCM representation shared by the
// analyzer and the enhancer, plus WAV/MP3 codecs.
package audio

import (
	"math"
	"time"
)

// SpeechSampleRate is the rate required by downstream transcription.
const SpeechSampleRate = 16000

// Buffer is interleaved PCM with samples scaled to [-1, 1].
type Buffer struct {
	Samples    []float64
	Channels   int
	SampleRate int
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(b.Frames()) / float64(b.SampleRate) * float64(time.Second))
}

// Mono down-mixes all channels by averaging.
func (b Buffer) Mono() Buffer {
	if b.Channels <= 1 {
		out := make([]float64, len(b.Samples))
		copy(out, b.Samples)
		return Buffer{Samples: out, Channels: 1, SampleRate: b.SampleRate}
	}

	frames := b.Frames()
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < b.Channels; c++ {
			sum += b.Samples[i*b.Channels+c]
		}
		out[i] = sum / float64(b.Channels)
	}
	return Buffer{Samples: out, Channels: 1, SampleRate: b.SampleRate}
}

// Resample converts a buffer to mono at rate using linear interpolation.
// There is no anti-alias filter: downsampling folds content above the new
// Nyquist frequency back into the band. Prefer ffmpeg for rate conversion
// and keep this for input that is already band-limited.
func (b Buffer) Resample(rate int) Buffer {
	if b.SampleRate == rate || len(b.Samples) == 0 || b.SampleRate <= 0 {
		out := make([]float64, len(b.Samples))
		copy(out, b.Samples)
		return Buffer{Samples: out, Channels: b.Channels, SampleRate: rate}
	}

	src := b
	if src.Channels > 1 {
		src = src.Mono()
	}
	ratio := float64(src.SampleRate) / float64(rate)
	n := int(math.Ceil(float64(len(src.Samples)) / ratio))
	out := make([]float64, n)
	last := len(src.Samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = src.Samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = src.Samples[j]*(1-frac) + src.Samples[j+1]*frac
	}
	return Buffer{Samples: out, Channels: 1, SampleRate: rate}
}

// Peak returns the largest absolute sample value.
func (b Buffer) Peak() float64 {
	var peak float64
	for _, s := range b.Samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return peak
}

// RMS returns the root mean square over all samples.
func (b Buffer) RMS() float64 {
	return RMS(b.Samples)
}

// Gain returns a copy amplified by db decibels, clipped to [-1, 1].
func (b Buffer) Gain(db float64) Buffer {
	factor := DBToAmplitude(db)
	out := make([]float64, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = Clip(s * factor)
	}
	return Buffer{Samples: out, Channels: b.Channels, SampleRate: b.SampleRate}
}

// Silence returns a mono buffer of zeros lasting d.
func Silence(d time.Duration, rate int) Buffer {
	n := int(d.Seconds() * float64(rate))
	return Buffer{Samples: make([]float64, n), Channels: 1, SampleRate: rate}
}

// RMS of a sample slice; 0 for an empty slice.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts a linear level relative to full scale into decibels.
// Zero maps to -Inf.
func DBFS(level float64) float64 {
	if level <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(level)
}

// DBToAmplitude converts decibels into a linear factor.
func DBToAmplitude(db float64) float64 {
	return math.Pow(10, db/20)
}

// Clip limits s to [-1, 1].
func Clip(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
