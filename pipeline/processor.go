// Package pipeline turns one claimed task into its result artifacts:
// segment, transcribe each segment in order, merge, and save.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"longaudio/logging"
	"longaudio/reassemble"
	"longaudio/segment"
	"longaudio/settings"
	"longaudio/stage"
	"longaudio/task"
	"longaudio/transcribe"
)

// Splitter produces transcribable segments from a source recording.
type Splitter interface {
	Segment(ctx context.Context, req segment.Request) (*segment.Result, error)
}

// SettingsSource supplies the processing settings read at task start.
type SettingsSource interface {
	Get(ctx context.Context) settings.Processing
}

type Processor struct {
	splitter     Splitter
	transcriber  transcribe.Transcriber
	settings     SettingsSource
	resultsDir   string
	retainSource bool
	now          func() time.Time
}

func NewProcessor(splitter Splitter, transcriber transcribe.Transcriber, src SettingsSource, resultsDir string, retainSource bool) *Processor {
	return &Processor{
		splitter:     splitter,
		transcriber:  transcriber,
		settings:     src,
		resultsDir:   resultsDir,
		retainSource: retainSource,
		now:          time.Now,
	}
}

// Process runs the whole pipeline for t. Every intermediate file is removed
// before it returns, whatever the outcome. The source is left in place; see
// Finalize.
func (p *Processor) Process(ctx context.Context, t *task.Task) (task.Result, error) {
	cfg := p.settings.Get(ctx)

	res, err := p.splitter.Segment(ctx, segment.Request{
		SourcePath: t.SourcePath,
		ChunkSize:  cfg.ChunkSize,
		Overlap:    cfg.Overlap,
		Preprocess: cfg.Preprocessing,
		Enhance:    cfg.EnhanceOptions(),
	})
	if err != nil {
		return task.Result{}, err
	}
	defer func() {
		if err := segment.Cleanup(res.Artifacts()); err != nil {
			logging.Warning(logging.CategorySegment, "artifact cleanup incomplete", "taskId", t.ID, "error", err)
		}
	}()

	texts, err := p.transcribeAll(ctx, t.ID, res.Segments)
	if err != nil {
		return task.Result{}, err
	}
	text := reassemble.Combine(texts)
	if text == "" {
		logging.Warning(logging.CategoryTranscribe, "no speech recognised", "taskId", t.ID)
	}

	if err := os.MkdirAll(p.resultsDir, 0o755); err != nil {
		return task.Result{}, stage.Wrap(stage.Persistence, "unable to create results directory", err)
	}
	base := resultBase(t, p.now())

	var result task.Result
	result.TranscriptPath = filepath.Join(p.resultsDir, base+"_transcript.txt")
	if err := os.WriteFile(result.TranscriptPath, []byte(text), 0o644); err != nil {
		return task.Result{}, stage.Wrap(stage.Persistence, "unable to save the transcript", err)
	}

	if res.EnhancedPath != "" {
		dst := filepath.Join(p.resultsDir, base+"_enhanced.wav")
		if err := moveFile(res.EnhancedPath, dst); err != nil {
			logging.Warning(logging.CategoryEnhance, "could not keep enhanced audio", "taskId", t.ID, "error", err)
		} else {
			result.EnhancedAudioPath = dst
		}
	}
	return result, nil
}

// Finalize runs once the completion is recorded. It removes the source
// unless sources are retained; a failed task keeps its source for re-enqueue.
func (p *Processor) Finalize(_ context.Context, t *task.Task) {
	if p.retainSource {
		return
	}
	if err := os.Remove(t.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warning(logging.CategoryQueue, "failed to remove source", "taskId", t.ID, "path", t.SourcePath, "error", err)
	}
}

// transcribeAll runs segments strictly in order. One failed segment fails
// the task.
func (p *Processor) transcribeAll(ctx context.Context, taskID string, segs []segment.Segment) ([]string, error) {
	texts := make([]string, 0, len(segs))
	for i, seg := range segs {
		msg := fmt.Sprintf("segment %d of %d", i+1, len(segs))
		if err := ctx.Err(); err != nil {
			return nil, stage.Wrap(stage.Transcription, msg, err)
		}

		started := time.Now()
		text, err := p.transcriber.Transcribe(ctx, seg.Path)
		if err != nil {
			return nil, stage.Wrap(stage.Transcription, msg, err)
		}
		logging.Info(logging.CategoryTranscribe, "segment transcribed",
			"taskId", taskID,
			"segment", i+1,
			"of", len(segs),
			"chars", len([]rune(text)),
			"elapsed", time.Since(started).Round(time.Millisecond).String(),
		)
		texts = append(texts, text)
	}
	return texts, nil
}

var unsafeName = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// resultBase names result files {submitter}_{name}_{YYYYMMDD_HHMMSS}.
func resultBase(t *task.Task, at time.Time) string {
	name := strings.TrimSuffix(t.DisplayName, filepath.Ext(t.DisplayName))
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = "audio"
	}
	if r := []rune(name); len(r) > 64 {
		name = string(r[:64])
	}
	return fmt.Sprintf("%d_%s_%s", t.SubmitterID, name, at.Format("20060102_150405"))
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
