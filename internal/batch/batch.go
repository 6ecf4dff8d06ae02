// Package batch runs the label and segment stages over WAV files and writes
// the results as WAV files next to a JSON lines manifest.
//
// Files are processed concurrently, each with its own predictor session. A
// failing file is reported in its [FileResult] and does not stop the others.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/speech"
)

// Mode selects the stage a batch runs.
type Mode string

const (
	ModeLabel   Mode = "label"
	ModeSegment Mode = "segment"
)

// ParseMode returns the Mode named by s.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeLabel, ModeSegment:
		return m, nil
	}
	return "", fmt.Errorf("batch: unknown mode %q; valid modes: label, segment", s)
}

// Options configures [Run].
type Options struct {
	Mode Mode

	// OutDir receives the output files. It is created if missing.
	OutDir string

	// Audio is the format every input is converted to before prediction.
	Audio vad.Config

	Label   speech.LabelConfig
	Segment speech.SegmentConfig

	// Concurrency bounds the number of files processed at once.
	// Default: runtime.NumCPU().
	Concurrency int

	// Backend names the predictor in metrics.
	Backend string

	// Metrics, if set, receives predictor, chunk and segment measurements.
	Metrics *observe.Metrics

	// Manifest, if set, receives one record per file as soon as the file
	// is done.
	Manifest *Manifest
}

func (o Options) validate() error {
	var errs []error
	if _, err := ParseMode(string(o.Mode)); err != nil {
		errs = append(errs, err)
	}
	if err := o.Audio.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch o.Mode {
	case ModeLabel:
		if err := o.Label.Validate(); err != nil {
			errs = append(errs, err)
		}
	case ModeSegment:
		if err := o.Segment.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileResult describes the outcome for one input file.
type FileResult struct {
	Input   string   `json:"input"`
	Mode    Mode     `json:"mode"`
	Outputs []string `json:"outputs,omitempty"`

	// Chunks is the number of chunks the predictor classified.
	Chunks       int `json:"chunks"`
	SpeechChunks int `json:"speech_chunks,omitempty"`
	Segments     int `json:"segments,omitempty"`

	// DurationMs is the input length after conversion; SpeechMs the part of
	// it written as speech.
	DurationMs int64 `json:"duration_ms"`
	SpeechMs   int64 `json:"speech_ms"`

	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

// Summary collects the per-file results of a batch in input order.
type Summary struct {
	Files  []FileResult
	Failed int
}

// Run processes files with engine according to opts. Invalid options are
// reported before any file is touched. The returned error joins every file
// failure, or is ctx's error when the batch was cancelled; the summary is
// complete in either case.
func Run(ctx context.Context, engine vad.Engine, files []string, opts Options) (Summary, error) {
	if engine == nil {
		return Summary{}, errors.New("batch: engine is required")
	}
	if err := opts.validate(); err != nil {
		return Summary{}, err
	}
	if opts.OutDir == "" {
		opts.OutDir = "."
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("batch: create output dir: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}

	results := make([]FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, path := range files {
		g.Go(func() error {
			res := processFile(gctx, engine, path, opts)
			if opts.Manifest != nil {
				if err := opts.Manifest.Append(res); err != nil {
					observe.Logger(gctx).Warn("manifest append failed", "file", path, "err", err)
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Files: results}
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			sum.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", r.Input, r.Err))
		}
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, errors.Join(errs...)
}

func processFile(ctx context.Context, engine vad.Engine, path string, opts Options) (res FileResult) {
	res = FileResult{Input: path, Mode: opts.Mode}
	ctx, span := observe.StartSpan(ctx, "voxgate.batch.file", trace.WithAttributes(
		attribute.String("file", path),
		attribute.String("mode", string(opts.Mode)),
	))
	ctx = observe.WithLogAttrs(ctx, slog.String("file", path))
	log := observe.Logger(ctx)
	start := time.Now()
	defer func() {
		observe.EndSpan(span, res.Err)
		if res.Err != nil {
			res.Error = res.Err.Error()
			log.Warn("file failed", "err", res.Err)
			return
		}
		log.Info("file done",
			"chunks", res.Chunks,
			"outputs", len(res.Outputs),
			"elapsed", time.Since(start),
		)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	samples, err := loadSamples(path, opts.Audio.SampleRate)
	if err != nil {
		res.Err = err
		return res
	}
	res.DurationMs = samplesToMs(len(samples), opts.Audio.SampleRate)

	sess, err := engine.NewSession(opts.Audio)
	if err != nil {
		res.Err = fmt.Errorf("open predictor session: %w", err)
		return res
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("close predictor session", "err", err)
		}
	}()
	sess = observe.InstrumentSession(ctx, sess, opts.Backend, opts.Metrics)

	preds, err := speech.NewPredictions[int16](speech.NewSliceSource(samples), sess, opts.Audio)
	if err != nil {
		res.Err = err
		return res
	}
	base := filepath.Join(opts.OutDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	switch opts.Mode {
	case ModeLabel:
		res.Err = writeLabels(ctx, preds, base, opts, &res)
	case ModeSegment:
		res.Err = writeSegments(ctx, preds, base, opts, &res)
	}
	res.Chunks = preds.Count()
	return res
}

func loadSamples(path string, rate int) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	frame, err := audio.ReadWAV(f)
	if err != nil {
		return nil, err
	}
	conv := audio.FormatConverter{TargetRate: rate}
	samples := audio.BytesToInt16s(conv.Convert(frame).Data)
	return append(samples, audio.BytesToInt16s(conv.Flush().Data)...), nil
}

func samplesToMs(n, rate int) int64 {
	return int64(n) * 1000 / int64(rate)
}

func writeLabels(ctx context.Context, preds *speech.Predictions[int16], base string, opts Options, res *FileResult) (err error) {
	labeler, err := speech.NewLabeler(preds, opts.Label)
	if err != nil {
		return err
	}
	rate := opts.Audio.SampleRate
	outs := map[speech.Label]*wavOutput{
		speech.Speech:    {path: base + ".speech.wav", rate: rate},
		speech.NonSpeech: {path: base + ".nonspeech.wav", rate: rate},
	}
	defer func() {
		for _, l := range []speech.Label{speech.Speech, speech.NonSpeech} {
			o := outs[l]
			if cerr := o.close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			if o.opened() {
				res.Outputs = append(res.Outputs, o.path)
			}
		}
	}()

	speechSamples := 0
	for c, err := range labeler.All() {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Label == speech.Speech {
			res.SpeechChunks++
			speechSamples += len(c.Samples)
		}
		if opts.Metrics != nil {
			opts.Metrics.RecordChunk(ctx, c.Label.String())
		}
		if err := outs[c.Label].write(c.Samples); err != nil {
			return err
		}
	}
	res.SpeechMs = samplesToMs(speechSamples, rate)
	return nil
}

func writeSegments(ctx context.Context, preds *speech.Predictions[int16], base string, opts Options, res *FileResult) error {
	segmenter, err := speech.NewSegmenter(preds, opts.Segment)
	if err != nil {
		return err
	}
	rate := opts.Audio.SampleRate
	speechSamples := 0
	for seg, err := range segmenter.All() {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		path := fmt.Sprintf("%s.segment-%03d.wav", base, seg.Index)
		out := &wavOutput{path: path, rate: rate}
		if err := errors.Join(out.write(seg.Samples), out.close()); err != nil {
			return err
		}
		res.Outputs = append(res.Outputs, path)
		res.Segments++
		speechSamples += len(seg.Samples)
		if opts.Metrics != nil {
			opts.Metrics.RecordSegment(ctx, seg.Duration(rate))
		}
	}
	res.SpeechMs = samplesToMs(speechSamples, rate)
	return nil
}

// wavOutput is a mono WAV file created on the first write, so that empty
// outputs never reach the disk.
type wavOutput struct {
	path string
	rate int

	f *os.File
	w *audio.WAVWriter
}

func (o *wavOutput) opened() bool { return o.w != nil }

func (o *wavOutput) write(samples []int16) error {
	if o.w == nil {
		f, err := os.Create(o.path)
		if err != nil {
			return err
		}
		o.f, o.w = f, audio.NewWAVWriter(f, o.rate)
	}
	return o.w.Write(samples)
}

func (o *wavOutput) close() error {
	if o.w == nil {
		return nil
	}
	return errors.Join(o.w.Close(), o.f.Close())
}
