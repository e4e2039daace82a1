// Package enhance prepares recordings for speech recognition: mono 16 kHz
// conversion, adaptive denoising, loudness normalization, gentle
// compression and silence trimming.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"longaudio/analyzer"
	"longaudio/audio"
	"longaudio/logging"
	"longaudio/stage"
)

// Options select which optional stages run. Standardization always runs.
type Options struct {
	Denoise     bool
	Normalize   bool
	Compress    bool
	TrimSilence bool

	// Adaptive derives denoise parameters per buffer; otherwise Static is used.
	Adaptive bool
	Static   analyzer.Parameters
}

// Denoiser runs the external noise-reduction filter chain on a WAV file.
type Denoiser interface {
	Denoise(ctx context.Context, in, out string, p analyzer.Parameters) error
}

// Converter turns containers the audio package cannot decode into WAV.
type Converter interface {
	ConvertWAV(ctx context.Context, in, out string) error
}

// ParameterSource produces denoise parameters for one buffer.
type ParameterSource interface {
	Analyze(buf audio.Buffer) analyzer.Parameters
}

type Enhancer struct {
	params    ParameterSource
	denoiser  Denoiser
	converter Converter
	tempDir   string
}

// New builds an Enhancer. denoiser and converter may be nil, in which case
// denoising is skipped and only WAV/MP3 inputs are accepted.
func New(params ParameterSource, denoiser Denoiser, converter Converter, tempDir string) *Enhancer {
	return &Enhancer{
		params:    params,
		denoiser:  denoiser,
		converter: converter,
		tempDir:   tempDir,
	}
}

// Enhance applies the enabled stages in order. It never fails: a stage that
// errors or panics is skipped and its input passed through.
func (e *Enhancer) Enhance(ctx context.Context, buf audio.Buffer, opts Options) audio.Buffer {
	out := apply("standardize", buf, func(b audio.Buffer) (audio.Buffer, error) {
		return Standardize(b), nil
	})

	if opts.Denoise && e.denoiser != nil {
		p := e.parameters(out, opts)
		out = apply("denoise", out, func(b audio.Buffer) (audio.Buffer, error) {
			return e.denoise(ctx, b, p)
		})
	}
	if opts.Normalize {
		out = apply("normalize", out, func(b audio.Buffer) (audio.Buffer, error) {
			return Normalize(b), nil
		})
	}
	if opts.Compress {
		out = apply("compress", out, func(b audio.Buffer) (audio.Buffer, error) {
			return Compress(b), nil
		})
	}
	if opts.TrimSilence {
		out = apply("trim silence", out, func(b audio.Buffer) (audio.Buffer, error) {
			return TrimSilence(b), nil
		})
	}
	return out
}

// EnhanceFile decodes in, enhances it and writes a 16-bit mono WAV to out.
// Errors are returned only when the file cannot be read or written.
func (e *Enhancer) EnhanceFile(ctx context.Context, in, out string, opts Options) error {
	buf, err := e.load(ctx, in)
	if err != nil {
		return stage.Wrap(stage.Enhancement, "read "+filepath.Base(in), err)
	}

	result := e.Enhance(ctx, buf, opts)
	if err := audio.WriteWAV(out, result); err != nil {
		return stage.Wrap(stage.Enhancement, "write "+filepath.Base(out), err)
	}
	logging.Debug(logging.CategoryEnhance, "enhanced file written",
		"input", in,
		"output", out,
		"duration", result.Duration().String(),
	)
	return nil
}

func (e *Enhancer) parameters(buf audio.Buffer, opts Options) analyzer.Parameters {
	if opts.Adaptive && e.params != nil {
		return e.params.Analyze(buf)
	}
	if err := opts.Static.Validate(); err != nil {
		logging.Warning(logging.CategoryEnhance, "static parameters invalid, using defaults", "error", err)
		return analyzer.DefaultParameters()
	}
	return opts.Static
}

// load decodes path. Formats the codec cannot read, and recordings not
// already at the speech rate, go through the converter so resampling is
// band-limited; the in-process resampler is the fallback.
func (e *Enhancer) load(ctx context.Context, path string) (audio.Buffer, error) {
	buf, err := audio.ReadFile(path)
	unsupported := errors.Is(err, audio.ErrUnsupportedFormat)
	if e.converter == nil || (err != nil && !unsupported) || (err == nil && buf.SampleRate == audio.SpeechSampleRate) {
		return buf, err
	}

	converted, cerr := e.convert(ctx, path)
	if cerr == nil {
		return converted, nil
	}
	if unsupported {
		return audio.Buffer{}, cerr
	}
	logging.Warning(logging.CategoryEnhance, "resampling in process", "input", path, "rate", buf.SampleRate, "error", cerr)
	return buf, nil
}

func (e *Enhancer) convert(ctx context.Context, path string) (audio.Buffer, error) {
	dir, err := os.MkdirTemp(e.tempDir, "convert-*")
	if err != nil {
		return audio.Buffer{}, err
	}
	defer os.RemoveAll(dir)

	wav := filepath.Join(dir, "input.wav")
	if err := e.converter.ConvertWAV(ctx, path, wav); err != nil {
		return audio.Buffer{}, fmt.Errorf("convert to wav: %w", err)
	}
	return audio.ReadFile(wav)
}

func (e *Enhancer) denoise(ctx context.Context, buf audio.Buffer, p analyzer.Parameters) (audio.Buffer, error) {
	dir, err := os.MkdirTemp(e.tempDir, "denoise-*")
	if err != nil {
		return buf, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.wav")
	out := filepath.Join(dir, "out.wav")
	if err := audio.WriteWAV(in, buf); err != nil {
		return buf, err
	}
	if err := e.denoiser.Denoise(ctx, in, out, p); err != nil {
		return buf, err
	}

	result, err := audio.ReadFile(out)
	if err != nil {
		return buf, err
	}
	return Standardize(result), nil
}

// apply runs one stage and falls back to its input on error or panic.
func apply(name string, in audio.Buffer, fn func(audio.Buffer) (audio.Buffer, error)) (out audio.Buffer) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warning(logging.CategoryEnhance, "stage panicked, skipping", "stage", name, "panic", r)
			out = in
		}
	}()

	result, err := fn(in)
	if err != nil {
		logging.Warning(logging.CategoryEnhance, "stage failed, skipping",
			"stage", name,
			"error", stage.Wrap(stage.Enhancement, name, err),
		)
		return in
	}
	return result
}
