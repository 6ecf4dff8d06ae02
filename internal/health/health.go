// Package health serves the liveness and readiness probes of the voxgate
// server.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// answers 200 only while the server accepts new streams and every [Checker]
// passes. Both reply with a JSON report:
//
//	{"status":"fail","checks":{"predictor":"ok","backends":"fail: ..."}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

const (
	statusOK   = "ok"
	statusFail = "fail"

	// checkTimeout bounds each readiness check.
	checkTimeout = 5 * time.Second
)

// Checker is one named readiness condition.
type Checker struct {
	Name string

	// Check returns nil when the condition holds. It must return promptly
	// once ctx is done.
	Check func(ctx context.Context) error
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probes. Checkers are fixed at construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler running checkers on every readiness probe.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// SetDraining makes readiness fail for good, so load balancers stop sending
// streams while the server shuts down.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, report{Status: statusOK})
}

// Readyz runs all checkers concurrently and reports each outcome.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		respond(w, report{Status: statusFail, Checks: map[string]string{"server": "fail: draining"}})
		return
	}
	respond(w, h.run(r.Context()))
}

func (h *Handler) run(ctx context.Context) report {
	outcomes := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(cctx)
		})
	}
	wg.Wait()

	rep := report{Status: statusOK, Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		if err := outcomes[i]; err != nil {
			rep.Status = statusFail
			rep.Checks[c.Name] = "fail: " + err.Error()
			continue
		}
		rep.Checks[c.Name] = statusOK
	}
	return rep
}

func respond(w http.ResponseWriter, rep report) {
	code := http.StatusOK
	if rep.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

// PredictorCheck is named "predictor". It opens a session on engine, predicts
// one chunk of silence and closes the session.
func PredictorCheck(engine vad.Engine, cfg vad.Config) Checker {
	silence := make([]float32, cfg.ChunkSize)
	return Checker{
		Name: "predictor",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sess, err := engine.NewSession(cfg)
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			_, err = sess.Predict(silence)
			if err != nil {
				err = fmt.Errorf("predict: %w", err)
			}
			if cerr := sess.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close session: %w", cerr))
			}
			return err
		},
	}
}

// BreakerCheck is named "backends". It fails when the circuit breaker of
// every predictor backend is open, meaning no new stream could get a
// session. states is typically [resilience.VADFallback.States].
func BreakerCheck(states func() map[string]resilience.State) Checker {
	return Checker{
		Name: "backends",
		Check: func(context.Context) error {
			st := states()
			var open []string
			for _, name := range slices.Sorted(maps.Keys(st)) {
				if st[name] == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(st) > 0 && len(open) == len(st) {
				return fmt.Errorf("all backends open: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}
