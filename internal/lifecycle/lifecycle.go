package lifecycle

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/surfwatch/crowd-forecast-service/internal/traffic"
)

// Status is the service health state reported by /health.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusIdle         Status = "idle"
	StatusDegraded     Status = "degraded"
	StatusOverloaded   Status = "overloaded"
	StatusShuttingDown Status = "shutting-down"
)

// HealthConfig holds the thresholds used to derive health from recent traffic.
// A zero window disables the corresponding check.
type HealthConfig struct {
	RateLimitRPS         int
	OverloadWindow       time.Duration
	OverloadThresholdPct int

	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int
}

// Result is one health evaluation.
type Result struct {
	Status     Status
	HTTPStatus int
	Reason     string
}

// Monitor evaluates service health from the traffic tracker, the upstream
// breaker and the shutdown flag.
type Monitor struct {
	cfg     HealthConfig
	tracker *traffic.Tracker
	logger  *zap.Logger
	started time.Time
	now     func() time.Time

	shuttingDown atomic.Bool
	breakerOpen  func() bool
	onDegraded   func()

	mu   sync.Mutex
	prev Status
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBreakerState reports degraded while open returns true.
func WithBreakerState(open func() bool) Option {
	return func(m *Monitor) { m.breakerOpen = open }
}

// WithDegradedHook calls fn each time the status changes to degraded.
func WithDegradedHook(fn func()) Option {
	return func(m *Monitor) { m.onDegraded = fn }
}

// WithClock overrides the wall clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor. Uptime counts from the call.
func NewMonitor(cfg HealthConfig, tracker *traffic.Tracker, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = traffic.New()
	}
	m := &Monitor{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

// SetShuttingDown marks the service as draining. /health reports 503 from then on.
func (m *Monitor) SetShuttingDown(v bool) {
	m.shuttingDown.Store(v)
}

// IsShuttingDown reports whether shutdown has begun.
func (m *Monitor) IsShuttingDown() bool {
	return m.shuttingDown.Load()
}

// Tracker returns the traffic tracker the monitor reads.
func (m *Monitor) Tracker() *traffic.Tracker {
	return m.tracker
}

// Evaluate computes the current status and logs transitions.
// Priority: shutting-down > overloaded > degraded > idle > healthy.
func (m *Monitor) Evaluate() Result {
	res := m.compute()

	m.mu.Lock()
	prev := m.prev
	m.prev = res.Status
	m.mu.Unlock()

	if prev != res.Status {
		if prev != "" {
			m.logger.Info("health status transition",
				zap.String("previous_status", string(prev)),
				zap.String("current_status", string(res.Status)),
				zap.String("reason", res.Reason))
		}
		if res.Status == StatusDegraded && m.onDegraded != nil {
			m.onDegraded()
		}
	}
	return res
}

func (m *Monitor) compute() Result {
	if m.IsShuttingDown() {
		return Result{StatusShuttingDown, http.StatusServiceUnavailable, "signal"}
	}
	if m.overloaded() {
		return Result{StatusOverloaded, http.StatusServiceUnavailable, "overload_threshold"}
	}
	if m.breakerOpen != nil && m.breakerOpen() {
		return Result{StatusDegraded, http.StatusServiceUnavailable, "circuit_open"}
	}
	if m.cfg.DegradedWindow > 0 && m.cfg.DegradedErrorPct > 0 {
		errs, total := m.tracker.ErrorRate(m.cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(m.cfg.DegradedErrorPct) {
			return Result{StatusDegraded, http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	if m.cfg.IdleWindow > 0 && m.cfg.MinimumLifespan > 0 && m.now().Sub(m.started) >= m.cfg.MinimumLifespan {
		if m.tracker.RequestCount(m.cfg.IdleWindow) < m.cfg.IdleThresholdReqPerMin {
			return Result{StatusIdle, http.StatusOK, "low_traffic"}
		}
	}
	return Result{StatusHealthy, http.StatusOK, ""}
}

// overloaded compares requests in the window against a percentage of the rate-limit capacity.
func (m *Monitor) overloaded() bool {
	if m.cfg.OverloadWindow <= 0 || m.cfg.RateLimitRPS <= 0 || m.cfg.OverloadThresholdPct <= 0 {
		return false
	}
	threshold := float64(m.cfg.RateLimitRPS) * m.cfg.OverloadWindow.Seconds() * float64(m.cfg.OverloadThresholdPct) / 100
	return float64(m.tracker.RequestCount(m.cfg.OverloadWindow)) > threshold
}
