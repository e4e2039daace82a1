// Package segment cuts long recordings into overlapping, independently
// transcribable slices.
package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"longaudio/enhance"
	"longaudio/logging"
	"longaudio/stage"
)

// Span is a half-open [Start, End) range of the source.
type Span struct {
	Start time.Duration
	End   time.Duration
}

// Segment is one slice ready for transcription. Order is chronological.
type Segment struct {
	Index int
	Span
	Path string
}

// Clipper probes and slices media files.
type Clipper interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
	Extract(ctx context.Context, src, dst string, start, end time.Duration) error
}

// FileEnhancer writes an enhanced WAV copy of a file.
type FileEnhancer interface {
	EnhanceFile(ctx context.Context, in, out string, opts enhance.Options) error
}

type Request struct {
	SourcePath string
	ChunkSize  time.Duration
	Overlap    time.Duration
	Preprocess bool
	Enhance    enhance.Options
}

// Result lists the segments plus every file created while producing them.
type Result struct {
	Segments []Segment
	// EnhancedPath is a full-length enhanced copy of the source, empty when
	// preprocessing is off or failed.
	EnhancedPath string

	artifacts []string
	dir       string
}

// Paths returns segment paths in order.
func (r *Result) Paths() []string {
	return lo.Map(r.Segments, func(s Segment, _ int) string { return s.Path })
}

// Artifacts returns every created file, the enhanced copy included, and the
// working directory last. The source file is never included.
func (r *Result) Artifacts() []string {
	out := append([]string(nil), r.artifacts...)
	if r.dir != "" {
		out = append(out, r.dir)
	}
	return out
}

type Segmenter struct {
	clipper  Clipper
	enhancer FileEnhancer
	workDir  string
}

// New builds a Segmenter. enhancer may be nil to disable preprocessing.
func New(clipper Clipper, enhancer FileEnhancer, workDir string) *Segmenter {
	return &Segmenter{clipper: clipper, enhancer: enhancer, workDir: workDir}
}

// Plan computes segment ranges for a recording of length total. Recordings
// no longer than chunk yield one span. Otherwise there are
// ceil(total/(chunk-overlap)) spans starting every chunk-overlap, each
// clipped to the end of the recording.
func Plan(total, chunk, overlap time.Duration) ([]Span, error) {
	if overlap <= 0 || chunk <= overlap {
		return nil, fmt.Errorf("chunk size %s must exceed overlap %s > 0", chunk, overlap)
	}
	if total <= 0 {
		return nil, fmt.Errorf("invalid duration %s", total)
	}
	if total <= chunk {
		return []Span{{Start: 0, End: total}}, nil
	}

	step := chunk - overlap
	n := int((total + step - 1) / step)
	spans := make([]Span, 0, n)
	for i := 0; i < n; i++ {
		start := time.Duration(i) * step
		spans = append(spans, Span{Start: start, End: min(start+chunk, total)})
	}
	return spans, nil
}

// Segment splits req.SourcePath. Failure to produce the enhanced full copy
// or a preprocessed segment is logged and tolerated; failure to read or
// slice the source is a stage.Segmentation error, after which nothing
// created so far is left on disk.
func (s *Segmenter) Segment(ctx context.Context, req Request) (*Result, error) {
	total, err := s.clipper.Duration(ctx, req.SourcePath)
	if err != nil {
		return nil, stage.Wrap(stage.Segmentation, "unable to read the recording length", err)
	}
	spans, err := Plan(total, req.ChunkSize, req.Overlap)
	if err != nil {
		return nil, stage.Wrap(stage.Segmentation, "invalid segmentation settings", err)
	}

	dir := filepath.Join(s.workDir, shortuuid.New())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, stage.Wrap(stage.Segmentation, "unable to create work directory", err)
	}
	res := &Result{dir: dir}
	preprocess := req.Preprocess && s.enhancer != nil
	base := strings.TrimSuffix(filepath.Base(req.SourcePath), filepath.Ext(req.SourcePath))

	if preprocess {
		enhanced := filepath.Join(dir, base+"_enhanced.wav")
		res.artifacts = append(res.artifacts, enhanced)
		if err := s.enhancer.EnhanceFile(ctx, req.SourcePath, enhanced, req.Enhance); err != nil {
			logging.Warning(logging.CategorySegment, "failed to create enhanced copy", "source", req.SourcePath, "error", err)
		} else {
			res.EnhancedPath = enhanced
		}
	}

	if len(spans) == 1 {
		path := req.SourcePath
		if res.EnhancedPath != "" {
			path = res.EnhancedPath
		}
		res.Segments = []Segment{{Index: 0, Span: spans[0], Path: path}}
		logging.Info(logging.CategorySegment, "short recording, not splitting", "source", req.SourcePath, "duration", total.String())
		return res, nil
	}

	for i, span := range spans {
		if err := ctx.Err(); err != nil {
			s.abort(res)
			return nil, stage.Wrap(stage.Segmentation, "interrupted", err)
		}

		chunk := filepath.Join(dir, fmt.Sprintf("%s_chunk_%d.wav", base, i+1))
		res.artifacts = append(res.artifacts, chunk)
		if err := s.clipper.Extract(ctx, req.SourcePath, chunk, span.Start, span.End); err != nil {
			s.abort(res)
			return nil, stage.Wrap(stage.Segmentation, fmt.Sprintf("unable to cut segment %d of %d", i+1, len(spans)), err)
		}

		path := chunk
		if preprocess {
			pre := filepath.Join(dir, fmt.Sprintf("%s_chunk_%d_preprocessed.wav", base, i+1))
			res.artifacts = append(res.artifacts, pre)
			if err := s.enhancer.EnhanceFile(ctx, chunk, pre, req.Enhance); err != nil {
				logging.Warning(logging.CategorySegment, "preprocessing failed, using raw segment", "segment", i+1, "error", err)
			} else {
				path = pre
			}
		}

		res.Segments = append(res.Segments, Segment{Index: i, Span: span, Path: path})
		logging.Debug(logging.CategorySegment, "created segment",
			"segment", i+1,
			"of", len(spans),
			"start", span.Start.String(),
			"end", span.End.String(),
		)
	}

	logging.Info(logging.CategorySegment, "recording split", "source", req.SourcePath, "segments", len(spans), "duration", total.String())
	return res, nil
}

func (s *Segmenter) abort(res *Result) {
	if err := Cleanup(res.Artifacts()); err != nil {
		logging.Warning(logging.CategorySegment, "cleanup after failure incomplete", "error", err)
	}
}

// Cleanup removes paths in order. Missing files are ignored; other
// failures are logged and returned together.
func Cleanup(paths []string) error {
	var errs error
	for _, p := range lo.Uniq(lo.Compact(paths)) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warning(logging.CategorySegment, "failed to remove artifact", "path", p, "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
