package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/speech"
)

// Stream modes.
const (
	modeLabel   = "label"
	modeSegment = "segment"
)

// stage adapts a push-driven label or segment stage to stream events. next
// returns speech.ErrNotReady when more audio is needed and io.EOF once the
// source is closed and drained.
type stage interface {
	next() (any, error)
}

// newStage builds a fresh push source and the stage selected by mode on top
// of sess.
func newStage(ctx context.Context, mode string, sess vad.SessionHandle, cfg *config.Config, m *observe.Metrics) (stage, *speech.PushSource[int16], error) {
	src := speech.NewPushSource[int16]()
	preds, err := speech.NewPredictions[int16](src, sess, cfg.Audio.VAD())
	if err != nil {
		return nil, nil, err
	}
	switch mode {
	case modeLabel:
		l, err := speech.NewLabeler(preds, cfg.Label.Speech())
		if err != nil {
			return nil, nil, err
		}
		return &labelStage{ctx: ctx, l: l, chunkSize: cfg.Audio.ChunkSize, metrics: m}, src, nil
	case modeSegment:
		g, err := speech.NewSegmenter(preds, cfg.Segment.Speech())
		if err != nil {
			return nil, nil, err
		}
		return &segmentStage{
			ctx:          ctx,
			g:            g,
			sampleRate:   cfg.Audio.SampleRate,
			includeAudio: cfg.Output.IncludeAudio,
			metrics:      m,
		}, src, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown mode %q", mode)
	}
}

type labelStage struct {
	ctx       context.Context
	l         *speech.Labeler[int16]
	chunkSize int
	metrics   *observe.Metrics
}

func (s *labelStage) next() (any, error) {
	c, err := s.l.Next()
	if err != nil {
		return nil, err
	}
	label := c.Label.String()
	if s.metrics != nil {
		s.metrics.RecordChunk(s.ctx, label)
	}
	return chunkEvent{
		Type:    eventChunk,
		Index:   c.Index,
		Label:   label,
		Start:   c.Index * s.chunkSize,
		Samples: len(c.Samples),
	}, nil
}

type segmentStage struct {
	ctx          context.Context
	g            *speech.Segmenter[int16]
	sampleRate   int
	includeAudio bool
	metrics      *observe.Metrics
}

func (s *segmentStage) next() (any, error) {
	seg, err := s.g.Next()
	if err != nil {
		return nil, err
	}
	d := seg.Duration(s.sampleRate)
	if s.metrics != nil {
		s.metrics.RecordSegment(s.ctx, d)
	}
	ev := segmentEvent{
		Type:       eventSegment,
		Index:      seg.Index,
		Start:      seg.Start,
		Samples:    len(seg.Samples),
		DurationMs: d.Milliseconds(),
	}
	if s.includeAudio {
		ev.Audio = audio.Int16sToBytes(seg.Samples)
	}
	return ev, nil
}
