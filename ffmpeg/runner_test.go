package ffmpeg

import (
	"context"
	"math"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"longaudio/analyzer"
	"longaudio/audio"
	"longaudio/config"
)

func TestDenoiseFilter(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		f := DenoiseFilter(analyzer.DefaultParameters(), 16000)
		assert.Equal(t,
			"highpass=f=80,lowpass=f=7200,afftdn=nr=19.50:nf=-22.0:nt=w:om=o:tn=1,"+
				"compand=attacks=0.005:decays=0.070:points=-80/-80|-45/-15|-27/-9|0/-7|20/-7,volume=1.0",
			f)
	})

	t.Run("floor clamped to afftdn range", func(t *testing.T) {
		p := analyzer.DefaultParameters()
		p.NoiseFloorDB = -10
		assert.Contains(t, DenoiseFilter(p, 16000), "nf=-20.0")
	})

	t.Run("lowpass capped at 12 kHz", func(t *testing.T) {
		assert.Contains(t, DenoiseFilter(analyzer.DefaultParameters(), 48000), "lowpass=f=12000")
	})

	t.Run("stronger level gives stronger reduction", func(t *testing.T) {
		p := analyzer.DefaultParameters()
		p.NoiseReductionLevel = 1.0
		assert.Contains(t, DenoiseFilter(p, 16000), "nr=30.00")
	})
}

func TestParseDuration(t *testing.T) {
	header := `Input #0, ogg, from 'voice.ogg':
  Duration: 00:07:00.52, start: 0.000000, bitrate: 31 kb/s
  Stream #0:0: Audio: opus, 48000 Hz, mono, fltp`

	d, err := parseDuration(header, durationRe)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Minute+520*time.Millisecond, d)

	progress := "size=N/A time=00:00:10.00 bitrate=N/A\rsize=N/A time=00:01:02.5 bitrate=N/A\n"
	d, err = parseDuration(progress, progressRe)
	require.NoError(t, err)
	assert.Equal(t, time.Minute+2500*time.Millisecond, d)

	_, err = parseDuration("Duration: N/A, bitrate: N/A", durationRe)
	assert.ErrorIs(t, err, ErrNoDuration)
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "00:00:00.000", formatTime(0))
	assert.Equal(t, "00:04:57.000", formatTime(297*time.Second))
	assert.Equal(t, "01:02:03.045", formatTime(time.Hour+2*time.Minute+3*time.Second+45*time.Millisecond))
}

func TestExtractArgs(t *testing.T) {
	args := extractArgs("in.ogg", "out.wav", 297*time.Second, 420*time.Second)
	assert.Equal(t, []string{
		"-y", "-hide_banner", "-nostdin",
		"-ss", "00:04:57.000",
		"-i", "in.ogg",
		"-t", "00:02:03.000",
		"-vn", "-c:a", "pcm_s16le", "-f", "wav",
		"out.wav",
	}, args)
}

func TestNewRunnerMissingBinary(t *testing.T) {
	_, err := NewRunner(&config.Config{FFBin: "definitely-not-ffmpeg-binary", WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg binary not found")
}

func TestRunnerWithFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	dir := t.TempDir()
	r, err := NewRunner(&config.Config{FFBin: "ffmpeg", WorkDir: dir, FFTimeout: time.Minute})
	require.NoError(t, err)

	src := filepath.Join(dir, "tone.wav")
	b := audio.Buffer{Samples: make([]float64, 3*44100), Channels: 1, SampleRate: 44100}
	for i := range b.Samples {
		b.Samples[i] = 0.3 * math.Sin(2*math.Pi*440*float64(i)/44100)
	}
	require.NoError(t, audio.WriteWAV(src, b))

	ctx := context.Background()
	d, err := r.Duration(ctx, src)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, d.Seconds(), 0.05)

	clip := filepath.Join(dir, "clip.wav")
	require.NoError(t, r.Extract(ctx, src, clip, time.Second, 2500*time.Millisecond))
	cb, err := audio.ReadFile(clip)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, cb.Duration().Seconds(), 0.05)

	conv := filepath.Join(dir, "conv.wav")
	require.NoError(t, r.ConvertWAV(ctx, src, conv))
	vb, err := audio.ReadFile(conv)
	require.NoError(t, err)
	assert.Equal(t, audio.SpeechSampleRate, vb.SampleRate)
	assert.Equal(t, 1, vb.Channels)
}
