// Package ffmpeg wraps the ffmpeg binary for probing, slicing, converting
// and denoising recordings.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"longaudio/analyzer"
	"longaudio/audio"
	"longaudio/config"
	"longaudio/logging"
)

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+)\.(\d+)`)
	progressRe = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)

	// ErrNoDuration is returned when ffmpeg output carries no usable length.
	ErrNoDuration = errors.New("could not determine media duration")
)

type Runner struct {
	cfg *config.Config
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	// Ensure ffmpeg binary is executable
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create work directory: %w", err)
	}
	return &Runner{cfg: cfg}, nil
}

// run executes ffmpeg with args and returns its combined output.
func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	if r.cfg.FFTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.FFTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.cfg.FFBin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	logging.Debug(logging.CategoryFFmpeg, "executing", "cmd", cmd.Path+" "+strings.Join(args, " "))
	err := cmd.Run()
	return outputBuf.String(), err
}

// Duration reads the container header. When the header has no duration
// (streamed OGG/WebM), the file is decoded to null and the last progress
// timestamp is used.
func (r *Runner) Duration(ctx context.Context, path string) (time.Duration, error) {
	// ffmpeg exits non-zero without an output file; the header is still printed.
	out, _ := r.run(ctx, "-hide_banner", "-i", path)
	if d, err := parseDuration(out, durationRe); err == nil && d > 0 {
		return d, nil
	}

	out, err := r.run(ctx, "-hide_banner", "-nostdin", "-i", path, "-f", "null", "-")
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w: %s", path, err, lastLine(out))
	}
	return parseDuration(out, progressRe)
}

// Extract writes [start, end) of src to dst as 16-bit PCM WAV, keeping the
// source rate and channel layout.
func (r *Runner) Extract(ctx context.Context, src, dst string, start, end time.Duration) error {
	if end <= start {
		return fmt.Errorf("extract: empty range %s-%s", start, end)
	}
	out, err := r.run(ctx, extractArgs(src, dst, start, end)...)
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("extract %s [%s, %s): %w: %s", src, start, end, err, lastLine(out))
	}
	return nil
}

// ConvertWAV decodes any container ffmpeg understands into mono 16 kHz WAV.
func (r *Runner) ConvertWAV(ctx context.Context, in, out string) error {
	output, err := r.run(ctx, "-y", "-hide_banner", "-nostdin", "-i", in,
		"-ac", "1", "-ar", strconv.Itoa(audio.SpeechSampleRate),
		"-c:a", "pcm_s16le", "-f", "wav", out)
	if err != nil {
		os.Remove(out)
		return fmt.Errorf("convert %s: %w: %s", in, err, lastLine(output))
	}
	return nil
}

// Denoise runs the band-pass, FFT denoise and compander chain.
func (r *Runner) Denoise(ctx context.Context, in, out string, p analyzer.Parameters) error {
	output, err := r.run(ctx, "-y", "-hide_banner", "-nostdin", "-i", in,
		"-af", DenoiseFilter(p, audio.SpeechSampleRate),
		"-ac", "1", "-ar", strconv.Itoa(audio.SpeechSampleRate),
		"-c:a", "pcm_s16le", out)
	if err != nil {
		os.Remove(out)
		return fmt.Errorf("denoise %s: %w: %s", in, err, lastLine(output))
	}
	return nil
}

// DenoiseFilter builds the -af graph for p. The noise reduction level maps
// linearly onto afftdn's 0-30 dB range and the floor is clamped to what
// afftdn accepts. afftdn picks its own FFT size, so p.FFTWindow is not
// passed through.
func DenoiseFilter(p analyzer.Parameters, sampleRate int) string {
	nr := math.Max(0.01, math.Min(97, p.NoiseReductionLevel*30))
	nf := math.Max(-80, math.Min(-20, p.NoiseFloorDB))
	lowpass := math.Min(12000, 0.45*float64(sampleRate))

	filters := []string{
		"highpass=f=80",
		fmt.Sprintf("lowpass=f=%.0f", lowpass),
		fmt.Sprintf("afftdn=nr=%.2f:nf=%.1f:nt=w:om=o:tn=1", nr, nf),
		fmt.Sprintf("compand=attacks=%.3f:decays=%.3f:points=-80/-80|-45/-15|-27/-9|0/-7|20/-7", p.AttackTime, p.DecayTime),
		"volume=1.0",
	}
	return strings.Join(filters, ",")
}

func extractArgs(src, dst string, start, end time.Duration) []string {
	return []string{
		"-y", "-hide_banner", "-nostdin",
		"-ss", formatTime(start),
		"-i", src,
		"-t", formatTime(end - start),
		"-vn", "-c:a", "pcm_s16le", "-f", "wav",
		dst,
	}
}

// formatTime renders d as HH:MM:SS.mmm.
func formatTime(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}

// parseDuration returns the last match of re in output.
func parseDuration(output string, re *regexp.Regexp) (time.Duration, error) {
	matches := re.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, ErrNoDuration
	}
	m := matches[len(matches)-1]

	var parts [3]int
	for i := range parts {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoDuration, err)
		}
		parts[i] = v
	}
	frac, err := strconv.ParseFloat("0."+m[4], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoDuration, err)
	}

	return time.Duration(parts[0])*time.Hour +
		time.Duration(parts[1])*time.Minute +
		time.Duration(parts[2])*time.Second +
		time.Duration(frac*float64(time.Second)).Round(time.Millisecond), nil
}

func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return out
}

// CheckResources verifies that the system has enough free resources to
// start a new task.
func (r *Runner) CheckResources() error {
	// CPU
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			logging.Warning(logging.CategoryFFmpeg, "could not get CPU usage", "error", err)
		} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)
		}
	}

	// Memory
	vm, err := mem.VirtualMemory()
	if err != nil {
		logging.Warning(logging.CategoryFFmpeg, "could not get memory usage", "error", err)
	} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
	}

	// Disk
	d, err := disk.Usage(r.cfg.WorkDir)
	if err != nil {
		logging.Warning(logging.CategoryFFmpeg, "could not get disk usage", "dir", r.cfg.WorkDir, "error", err)
	} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
	}
	return nil
}
