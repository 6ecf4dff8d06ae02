package resilience

import (
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// VADFallback is a [vad.Engine] that opens sessions on the first healthy
// backend of a [FallbackGroup]. Failover happens only when a session is
// opened: once a session exists, its prediction errors are returned to the
// caller unchanged.
type VADFallback struct {
	group *FallbackGroup[namedEngine]
}

type namedEngine struct {
	name string
	vad.Engine
}

var (
	_ vad.Engine = (*VADFallback)(nil)
	_ io.Closer  = (*VADFallback)(nil)
)

// NewVADFallback creates a VADFallback with primary as the first backend.
func NewVADFallback(primary vad.Engine, primaryName string, cfg FallbackConfig) *VADFallback {
	return &VADFallback{group: NewFallbackGroup(namedEngine{primaryName, primary}, primaryName, cfg)}
}

// AddFallback registers another backend, tried after all earlier ones.
func (f *VADFallback) AddFallback(name string, e vad.Engine) {
	f.group.AddFallback(name, namedEngine{name, e})
}

// Backends returns the backend names in the order they are tried.
func (f *VADFallback) Backends() []string { return f.group.Names() }

// States returns the breaker state of every backend keyed by name.
func (f *VADFallback) States() map[string]State { return f.group.States() }

// NewSession opens a session on the first backend that accepts it. An invalid
// cfg is rejected up front and counts against no breaker. The returned
// session reports the backend that served it through Backend.
func (f *VADFallback) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sess, err := ExecuteWithResult(f.group, func(e namedEngine) (vad.SessionHandle, error) {
		s, err := e.NewSession(cfg)
		if err != nil {
			return nil, err
		}
		return &backendSession{SessionHandle: s, backend: e.name}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vad: open session: %w", err)
	}
	return sess, nil
}

// Close closes every backend that implements io.Closer.
func (f *VADFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, e namedEngine) {
		if c, ok := e.Engine.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// backendSession tags a session with the backend that opened it.
type backendSession struct {
	vad.SessionHandle
	backend string
}

// Backend returns the name of the backend serving the session.
func (s *backendSession) Backend() string { return s.backend }
