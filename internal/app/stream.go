package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/speech"
)

const (
	// maxMessageBytes bounds a single inbound websocket message.
	maxMessageBytes = 1 << 20

	// writeTimeout bounds writing one event to a slow client.
	writeTimeout = 5 * time.Second
)

// Inbound encodings.
const (
	encodingPCM16 = "pcm16"
	encodingOpus  = "opus"
)

// streamParams are the per-connection settings taken from the query string.
type streamParams struct {
	Mode       string
	Encoding   string
	SampleRate int
	Channels   int
}

// parseStreamParams reads mode, encoding, sample_rate and channels from q.
// PCM defaults to mono at the configured rate; Opus is always 48 kHz.
func parseStreamParams(q url.Values, cfg *config.Config) (streamParams, error) {
	p := streamParams{
		Mode:       q.Get("mode"),
		Encoding:   q.Get("encoding"),
		SampleRate: cfg.Audio.SampleRate,
		Channels:   1,
	}
	if p.Mode == "" {
		p.Mode = modeLabel
	}
	if p.Mode != modeLabel && p.Mode != modeSegment {
		return p, fmt.Errorf("mode %q is invalid; valid values: label, segment", p.Mode)
	}
	if p.Encoding == "" {
		p.Encoding = encodingPCM16
	}

	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 8 {
			return p, fmt.Errorf("channels %q must be an integer between 1 and 8", v)
		}
		p.Channels = n
	}

	switch p.Encoding {
	case encodingPCM16:
		if v := q.Get("sample_rate"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return p, fmt.Errorf("sample_rate %q must be a positive integer", v)
			}
			p.SampleRate = n
		}
	case encodingOpus:
		if p.Channels > 2 {
			return p, fmt.Errorf("opus supports 1 or 2 channels, got %d", p.Channels)
		}
		p.SampleRate = audio.OpusSampleRate
	default:
		return p, fmt.Errorf("encoding %q is invalid; valid values: pcm16, opus", p.Encoding)
	}
	return p, nil
}

// frameDecoder turns one binary message into an audio frame.
type frameDecoder func(data []byte) (audio.AudioFrame, error)

func newFrameDecoder(p streamParams) (frameDecoder, error) {
	if p.Encoding == encodingOpus {
		dec, err := audio.NewOpusDecoder(p.Channels)
		if err != nil {
			return nil, err
		}
		return dec.Decode, nil
	}
	return func(data []byte) (audio.AudioFrame, error) {
		return audio.AudioFrame{Data: data, SampleRate: p.SampleRate, Channels: p.Channels}, nil
	}, nil
}

// handleStream upgrades the request to a websocket and runs one stream on it.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	cfg := a.Config()
	params, err := parseStreamParams(r.URL.Query(), cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	info, done, err := a.streams.Start(StreamInfo{
		Mode:       params.Mode,
		Encoding:   params.Encoding,
		RemoteAddr: r.RemoteAddr,
	}, cancel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.originPatterns,
	})
	if err != nil {
		observe.Logger(ctx).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	ctx, span := observe.StartSpan(ctx, "voxgate.stream",
		trace.WithAttributes(
			attribute.String("voxgate.stream_id", info.ID),
			attribute.String("voxgate.mode", params.Mode),
			attribute.String("voxgate.encoding", params.Encoding),
		),
	)
	defer a.metrics.StreamOpened(ctx)()

	ctx = observe.WithLogAttrs(ctx, slog.String("stream_id", info.ID))
	log := observe.Logger(ctx)
	log.Info("stream accepted", "mode", params.Mode, "encoding", params.Encoding, "sample_rate", params.SampleRate, "channels", params.Channels)

	err = a.serveStream(ctx, conn, info, params, cfg)
	observe.EndSpan(span, err)

	switch {
	case err == nil:
		log.Info("stream finished")
	case ctx.Err() != nil:
		log.Info("stream cancelled")
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		log.Warn("stream failed", "err", err)
	}
}

// serveStream runs the read loop for one accepted connection. It returns nil
// when the client ends the stream or closes the connection normally.
func (a *App) serveStream(ctx context.Context, conn *websocket.Conn, info StreamInfo, params streamParams, cfg *config.Config) error {
	decode, err := newFrameDecoder(params)
	if err != nil {
		a.sendError(ctx, conn, err)
		conn.Close(websocket.StatusUnsupportedData, "unsupported encoding")
		return err
	}

	sess, err := a.engine.NewSession(cfg.Audio.VAD())
	if err != nil {
		a.sendError(ctx, conn, err)
		conn.Close(websocket.StatusInternalError, "predictor unavailable")
		return fmt.Errorf("app: open predictor session: %w", err)
	}
	sess = observe.InstrumentSession(ctx, sess, cfg.Predictor.Name, a.metrics)
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			observe.Logger(ctx).Warn("predictor session close error", "err", cerr)
		}
	}()

	st, src, err := newStage(ctx, params.Mode, sess, cfg, a.metrics)
	if err != nil {
		a.sendError(ctx, conn, err)
		conn.Close(websocket.StatusInternalError, "invalid stage configuration")
		return err
	}

	ready := readyEvent{
		Type:       eventReady,
		StreamID:   info.ID,
		Mode:       params.Mode,
		SampleRate: cfg.Audio.SampleRate,
		ChunkSize:  cfg.Audio.ChunkSize,
	}
	if err := a.writeEvent(ctx, conn, ready); err != nil {
		return err
	}

	conv := &audio.FormatConverter{TargetRate: cfg.Audio.SampleRate}
	var tally doneEvent

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return err
		}

		switch typ {
		case websocket.MessageBinary:
			frame, err := decode(data)
			if err != nil {
				a.sendError(ctx, conn, err)
				conn.Close(websocket.StatusUnsupportedData, "undecodable audio")
				return err
			}
			frame = conv.Convert(frame)
			src.Push(audio.BytesToInt16s(frame.Data)...)
			if err := a.drain(ctx, conn, st, &tally); err != nil {
				return err
			}

		case websocket.MessageText:
			msg, err := parseControl(data)
			if err != nil {
				a.sendError(ctx, conn, fmt.Errorf("malformed control message: %w", err))
				continue
			}
			switch msg.Type {
			case controlReset:
				sess.Reset()
				conv = &audio.FormatConverter{TargetRate: cfg.Audio.SampleRate}
				if st, src, err = newStage(ctx, params.Mode, sess, cfg, a.metrics); err != nil {
					return err
				}
				if err := a.writeEvent(ctx, conn, ready); err != nil {
					return err
				}
			case controlEnd:
				src.Push(audio.BytesToInt16s(conv.Flush().Data)...)
				src.Close()
				if err := a.drain(ctx, conn, st, &tally); err != nil {
					return err
				}
				tally.Type = eventDone
				if err := a.writeEvent(ctx, conn, tally); err != nil {
					return err
				}
				conn.Close(websocket.StatusNormalClosure, "end of stream")
				return nil
			default:
				a.sendError(ctx, conn, fmt.Errorf("unknown control message type %q", msg.Type))
			}
		}
	}
}

// drain forwards every value the stage can produce without more input. A
// stage failure is sent to the client, the connection is closed and the
// error returned.
func (a *App) drain(ctx context.Context, conn *websocket.Conn, st stage, tally *doneEvent) error {
	for {
		ev, err := st.next()
		switch {
		case err == nil:
			switch ev.(type) {
			case chunkEvent:
				tally.Chunks++
			case segmentEvent:
				tally.Segments++
			}
			if err := a.writeEvent(ctx, conn, ev); err != nil {
				return err
			}
		case errors.Is(err, speech.ErrNotReady), errors.Is(err, io.EOF):
			return nil
		default:
			a.sendError(ctx, conn, err)
			conn.Close(websocket.StatusInternalError, "predictor failed")
			return err
		}
	}
}

func (a *App) sendError(ctx context.Context, conn *websocket.Conn, err error) {
	ev := errorEvent{Type: eventError, Message: err.Error()}
	var pe *speech.PredictError
	if errors.As(err, &pe) {
		ev.Chunk = &pe.Index
	}
	if werr := a.writeEvent(ctx, conn, ev); werr != nil {
		slog.Debug("failed to deliver error event", "err", werr)
	}
}

func (a *App) writeEvent(ctx context.Context, conn *websocket.Conn, ev any) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("app: marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
