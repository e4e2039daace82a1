package enhance

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"longaudio/analyzer"
	"longaudio/audio"
)

type mockDenoiser struct {
	DenoiseFunc func(ctx context.Context, in, out string, p analyzer.Parameters) error
	calls       int
}

func (m *mockDenoiser) Denoise(ctx context.Context, in, out string, p analyzer.Parameters) error {
	m.calls++
	return m.DenoiseFunc(ctx, in, out, p)
}

type mockConverter struct {
	ConvertFunc func(ctx context.Context, in, out string) error
}

func (m *mockConverter) ConvertWAV(ctx context.Context, in, out string) error {
	return m.ConvertFunc(ctx, in, out)
}

type fixedParams analyzer.Parameters

func (f fixedParams) Analyze(audio.Buffer) analyzer.Parameters { return analyzer.Parameters(f) }

func copyFile(_ context.Context, in, out string, _ analyzer.Parameters) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func tone(seconds float64, rate, channels int, amp float64) audio.Buffer {
	frames := int(seconds * float64(rate))
	samples := make([]float64, frames*channels)
	for i := 0; i < frames; i++ {
		v := amp * math.Sin(2*math.Pi*220*float64(i)/float64(rate))
		for c := 0; c < channels; c++ {
			samples[i*channels+c] = v
		}
	}
	return audio.Buffer{Samples: samples, Channels: channels, SampleRate: rate}
}

func TestEnhanceAlwaysStandardizes(t *testing.T) {
	e := New(nil, nil, nil, t.TempDir())

	out := e.Enhance(context.Background(), tone(1, 44100, 2, 0.3), Options{})
	assert.Equal(t, 1, out.Channels)
	assert.Equal(t, audio.SpeechSampleRate, out.SampleRate)
	assert.InDelta(t, time.Second.Seconds(), out.Duration().Seconds(), 0.001)
}

func TestEnhanceUsesAdaptiveParameters(t *testing.T) {
	want := analyzer.Parameters{NoiseReductionLevel: 0.9, NoiseFloorDB: -12, FFTWindow: 4096, AttackTime: 0.002, DecayTime: 0.05}
	var got analyzer.Parameters
	d := &mockDenoiser{DenoiseFunc: func(ctx context.Context, in, out string, p analyzer.Parameters) error {
		got = p
		return copyFile(ctx, in, out, p)
	}}
	e := New(fixedParams(want), d, nil, t.TempDir())

	out := e.Enhance(context.Background(), tone(0.5, 16000, 1, 0.3), Options{Denoise: true, Adaptive: true})
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, want, got)
	assert.Equal(t, 8000, out.Frames())
}

func TestEnhanceStaticParametersFallBackWhenInvalid(t *testing.T) {
	var got analyzer.Parameters
	d := &mockDenoiser{DenoiseFunc: func(ctx context.Context, in, out string, p analyzer.Parameters) error {
		got = p
		return copyFile(ctx, in, out, p)
	}}
	e := New(nil, d, nil, t.TempDir())

	e.Enhance(context.Background(), tone(0.2, 16000, 1, 0.3), Options{Denoise: true, Static: analyzer.Parameters{FFTWindow: 3}})
	assert.Equal(t, analyzer.DefaultParameters(), got)
}

func TestEnhanceStageFailuresPassThrough(t *testing.T) {
	in := tone(0.5, 16000, 1, 0.3)

	tests := []struct {
		name    string
		denoise func(ctx context.Context, in, out string, p analyzer.Parameters) error
	}{
		{"error", func(context.Context, string, string, analyzer.Parameters) error { return errors.New("ffmpeg exited 1") }},
		{"no output", func(context.Context, string, string, analyzer.Parameters) error { return nil }},
		{"panic", func(context.Context, string, string, analyzer.Parameters) error { panic("boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(nil, &mockDenoiser{DenoiseFunc: tt.denoise}, nil, t.TempDir())
			var out audio.Buffer
			require.NotPanics(t, func() {
				out = e.Enhance(context.Background(), in, Options{Denoise: true, Static: analyzer.DefaultParameters()})
			})
			assert.Equal(t, in.Samples, out.Samples)
		})
	}
}

func TestEnhanceFileConvertsUnsupportedInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "voice.ogg")
	require.NoError(t, os.WriteFile(src, []byte("OggS"), 0o644))

	conv := &mockConverter{ConvertFunc: func(_ context.Context, _, out string) error {
		return audio.WriteWAV(out, tone(1, 48000, 2, 0.2))
	}}
	e := New(nil, nil, conv, dir)

	dst := filepath.Join(dir, "voice_enhanced.wav")
	require.NoError(t, e.EnhanceFile(context.Background(), src, dst, Options{Normalize: true}))

	out, err := audio.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Channels)
	assert.Equal(t, audio.SpeechSampleRate, out.SampleRate)
	assert.InDelta(t, 1.0, out.Duration().Seconds(), 0.01)
}

func TestEnhanceFileResamplesThroughConverter(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "voice.wav")
	require.NoError(t, audio.WriteWAV(src, tone(1, 48000, 1, 0.2)))

	var converted []string
	conv := &mockConverter{ConvertFunc: func(_ context.Context, in, out string) error {
		converted = append(converted, in)
		return audio.WriteWAV(out, tone(1, audio.SpeechSampleRate, 1, 0.2))
	}}
	e := New(nil, nil, conv, dir)

	dst := filepath.Join(dir, "voice_enhanced.wav")
	require.NoError(t, e.EnhanceFile(context.Background(), src, dst, Options{}))
	assert.Equal(t, []string{src}, converted)

	out, err := audio.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, audio.SpeechSampleRate, out.SampleRate)
	assert.InDelta(t, 1.0, out.Duration().Seconds(), 0.01)
}

func TestEnhanceFileSkipsConverterAtSpeechRate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "voice.wav")
	require.NoError(t, audio.WriteWAV(src, tone(1, audio.SpeechSampleRate, 1, 0.2)))

	conv := &mockConverter{ConvertFunc: func(context.Context, string, string) error {
		t.Fatal("converter must not run for input already at the speech rate")
		return nil
	}}
	e := New(nil, nil, conv, dir)
	require.NoError(t, e.EnhanceFile(context.Background(), src, filepath.Join(dir, "out.wav"), Options{}))
}

func TestEnhanceFileResamplesInProcessWhenConverterFails(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "voice.wav")
	require.NoError(t, audio.WriteWAV(src, tone(1, 44100, 2, 0.2)))

	conv := &mockConverter{ConvertFunc: func(context.Context, string, string) error {
		return errors.New("ffmpeg: exit status 1")
	}}
	e := New(nil, nil, conv, dir)

	dst := filepath.Join(dir, "out.wav")
	require.NoError(t, e.EnhanceFile(context.Background(), src, dst, Options{}))

	out, err := audio.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Channels)
	assert.Equal(t, audio.SpeechSampleRate, out.SampleRate)
}

func TestEnhanceFileMissingInput(t *testing.T) {
	e := New(nil, nil, nil, t.TempDir())

	err := e.EnhanceFile(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), filepath.Join(t.TempDir(), "out.wav"), Options{})
	assert.Error(t, err)
}
