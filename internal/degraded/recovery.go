package degraded

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc checks whether the upstream provider answers again. nil means recovered.
type ProbeFunc func(ctx context.Context) error

// Recoverer probes the upstream on a Fibonacci schedule once the service reports degraded.
// At most one recovery run is active at a time.
type Recoverer struct {
	probe          ProbeFunc
	initial        time.Duration
	max            time.Duration
	attemptTimeout time.Duration
	logger         *zap.Logger
	onRecovered    func()
	onExhausted    func()
	after          func(time.Duration) <-chan time.Time

	notify  chan struct{}
	running atomic.Bool
}

// Option configures a Recoverer.
type Option func(*Recoverer)

// WithOnRecovered sets the callback run after a successful probe.
func WithOnRecovered(fn func()) Option {
	return func(r *Recoverer) { r.onRecovered = fn }
}

// WithOnExhausted sets the callback run when the last scheduled probe fails.
func WithOnExhausted(fn func()) Option {
	return func(r *Recoverer) { r.onExhausted = fn }
}

// WithAttemptTimeout bounds each probe. Default 10s.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Recoverer) { r.attemptTimeout = d }
}

// NewRecoverer creates a Recoverer whose probe delays run initial, 2*initial,
// 3*initial, 5*initial ... up to max.
func NewRecoverer(probe ProbeFunc, initial, max time.Duration, logger *zap.Logger, opts ...Option) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recoverer{
		probe:          probe,
		initial:        initial,
		max:            max,
		attemptTimeout: 10 * time.Second,
		logger:         logger,
		after:          time.After,
		notify:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify requests a recovery run. Non-blocking; ignored while a run is active.
func (r *Recoverer) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Listen starts a recovery run for each Notify until ctx is done. Blocks.
func (r *Recoverer) Listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
			if r.running.Swap(true) {
				continue
			}
			go func() {
				defer r.running.Store(false)
				r.Run(ctx)
			}()
		}
	}
}

// Run waits through the schedule, probing after each delay. Returns true once a probe succeeds.
func (r *Recoverer) Run(ctx context.Context) bool {
	delays := fibDelays(r.initial, r.max)
	if len(delays) == 0 {
		return false
	}
	r.logger.Info("upstream recovery started", zap.Int("attempts", len(delays)))
	for i, d := range delays {
		select {
		case <-ctx.Done():
			return false
		case <-r.after(d):
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		err := r.probe(attemptCtx)
		cancel()
		if err == nil {
			r.logger.Info("upstream recovered", zap.Int("attempt", i+1))
			if r.onRecovered != nil {
				r.onRecovered()
			}
			return true
		}
		r.logger.Warn("upstream recovery probe failed",
			zap.Int("attempt", i+1),
			zap.Duration("delay", d),
			zap.Error(err))
	}
	r.logger.Error("upstream recovery exhausted", zap.Int("attempts", len(delays)))
	if r.onExhausted != nil {
		r.onExhausted()
	}
	return false
}

func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 || max < initial {
		return nil
	}
	var out []time.Duration
	for a, b := int64(1), int64(2); ; a, b = b, a+b {
		d := time.Duration(a) * initial
		if d > max {
			break
		}
		out = append(out, d)
	}
	return out
}
