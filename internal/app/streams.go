package app

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTooManyStreams is returned by [StreamManager.Start] when the configured
// stream limit has been reached.
var ErrTooManyStreams = errors.New("app: too many concurrent streams")

// StreamInfo holds metadata about an active stream.
type StreamInfo struct {
	// ID uniquely identifies the stream for its lifetime.
	ID string `json:"id"`

	// Mode is "label" or "segment".
	Mode string `json:"mode"`

	// Encoding is the inbound audio encoding ("pcm16" or "opus").
	Encoding string `json:"encoding"`

	// RemoteAddr is the client address as reported by the HTTP server.
	RemoteAddr string `json:"remote_addr"`

	// StartedAt is when the stream was accepted.
	StartedAt time.Time `json:"started_at"`
}

// StreamManager tracks live streams, enforces the concurrent stream limit and
// cancels every stream on shutdown. All exported methods are safe for
// concurrent use.
type StreamManager struct {
	mu      sync.Mutex
	limit   int
	streams map[string]*trackedStream
	closed  bool
	wg      sync.WaitGroup
}

type trackedStream struct {
	info   StreamInfo
	cancel func()
}

// NewStreamManager returns a manager admitting at most limit concurrent
// streams. A limit of zero means unlimited.
func NewStreamManager(limit int) *StreamManager {
	return &StreamManager{
		limit:   limit,
		streams: make(map[string]*trackedStream),
	}
}

// Start registers a new stream. cancel is invoked by [StreamManager.CloseAll].
// The returned function must be called exactly once when the stream ends.
func (sm *StreamManager) Start(info StreamInfo, cancel func()) (StreamInfo, func(), error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return StreamInfo{}, nil, errors.New("app: stream manager is shut down")
	}
	if sm.limit > 0 && len(sm.streams) >= sm.limit {
		return StreamInfo{}, nil, ErrTooManyStreams
	}

	info.ID = uuid.NewString()
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	sm.streams[info.ID] = &trackedStream{info: info, cancel: cancel}
	sm.wg.Add(1)

	slog.Debug("stream started", "stream_id", info.ID, "mode", info.Mode, "remote", info.RemoteAddr)

	var once sync.Once
	done := func() {
		once.Do(func() {
			sm.mu.Lock()
			delete(sm.streams, info.ID)
			sm.mu.Unlock()
			sm.wg.Done()
			slog.Debug("stream ended", "stream_id", info.ID, "duration", time.Since(info.StartedAt))
		})
	}
	return info, done, nil
}

// Count returns the number of live streams.
func (sm *StreamManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.streams)
}

// List returns a snapshot of the live streams ordered by start time.
func (sm *StreamManager) List() []StreamInfo {
	sm.mu.Lock()
	out := make([]StreamInfo, 0, len(sm.streams))
	for _, s := range sm.streams {
		out = append(out, s.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b StreamInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// CloseAll refuses new streams, cancels every live stream and waits until
// they have all ended or timeout elapses. It reports whether every stream
// ended in time.
func (sm *StreamManager) CloseAll(timeout time.Duration) bool {
	sm.mu.Lock()
	sm.closed = true
	cancels := make([]func(), 0, len(sm.streams))
	for _, s := range sm.streams {
		cancels = append(cancels, s.cancel)
	}
	sm.mu.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		slog.Warn("streams still running after shutdown timeout", "remaining", sm.Count())
		return false
	}
}
