package delivery

import (
	"context"
	"sync/atomic"
	"time"
)

// Policy is what the governor does under severe congestion.
type Policy int

const (
	// PolicyDrop drops the message being sent.
	PolicyDrop Policy = iota
	// PolicyDisconnect closes the connection that originated the message.
	PolicyDisconnect
)

func (p Policy) String() string {
	if p == PolicyDisconnect {
		return "disconnect"
	}
	return "drop"
}

// Verdict is the governor's decision for one send.
type Verdict int

const (
	Pass Verdict = iota
	Drop
	Disconnect
)

func (v Verdict) String() string {
	switch v {
	case Drop:
		return "drop"
	case Disconnect:
		return "disconnect"
	}
	return "pass"
}

// GovernorConfig configures the latency governor.
type GovernorConfig struct {
	// Moderate is the latency at which sends are delayed by MaxDelay.
	Moderate time.Duration
	// Severe is the latency at which Policy applies.
	Severe time.Duration
	// Factor multiplies the measured latency below Moderate into a delay.
	Factor float64
	// MaxDelay caps the delay.
	MaxDelay time.Duration
	// Interval between latency samples taken by Run.
	Interval time.Duration
	Policy   Policy
	// Enabled turns the governor on. A disabled governor always passes.
	Enabled bool
}

// DefaultGovernorConfig returns the default governor configuration
// Sends slow down from 10ms of scheduler latency and are dropped from 100ms.
func DefaultGovernorConfig() *GovernorConfig {
	return &GovernorConfig{
		Moderate: 10 * time.Millisecond,
		Severe:   100 * time.Millisecond,
		Factor:   1,
		MaxDelay: 10 * time.Millisecond,
		Interval: 100 * time.Millisecond,
		Policy:   PolicyDrop,
		Enabled:  true,
	}
}

// NoGovernor returns a configuration with the governor disabled
func NoGovernor() *GovernorConfig {
	return &GovernorConfig{Enabled: false}
}

// ProbeFn measures the current scheduler latency.
type ProbeFn func() time.Duration

// SchedulerLatency measures how long a freshly started goroutine waits
// before it runs.
func SchedulerLatency() time.Duration {
	start := time.Now()
	done := make(chan time.Duration, 1)
	go func() {
		done <- time.Since(start)
	}()
	return <-done
}

// Governor throttles outbound sends according to scheduler latency.
type Governor struct {
	cfg     GovernorConfig
	probe   ProbeFn
	latency atomic.Int64
}

// NewGovernor creates a governor. A nil config uses DefaultGovernorConfig
// and a nil probe uses SchedulerLatency.
func NewGovernor(cfg *GovernorConfig, probe ProbeFn) *Governor {
	if cfg == nil {
		cfg = DefaultGovernorConfig()
	}
	if probe == nil {
		probe = SchedulerLatency
	}
	return &Governor{cfg: *cfg, probe: probe}
}

// Run samples latency every Interval until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	if !g.cfg.Enabled {
		return
	}
	interval := g.cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Sample()
		case <-ctx.Done():
			return
		}
	}
}

// Sample takes one latency measurement.
func (g *Governor) Sample() time.Duration {
	d := g.probe()
	g.Observe(d)
	return d
}

// Observe records a latency measurement.
func (g *Governor) Observe(d time.Duration) {
	g.latency.Store(int64(d))
}

// Latency returns the last recorded latency.
func (g *Governor) Latency() time.Duration {
	return time.Duration(g.latency.Load())
}

// Admit returns the decision for the next send and, for Pass, how long to wait first.
func (g *Governor) Admit() (Verdict, time.Duration) {
	if g == nil || !g.cfg.Enabled {
		return Pass, 0
	}

	lat := g.Latency()
	switch {
	case lat >= g.cfg.Severe:
		if g.cfg.Policy == PolicyDisconnect {
			return Disconnect, 0
		}
		return Drop, 0
	case lat >= g.cfg.Moderate:
		return Pass, g.cfg.MaxDelay
	}

	delay := time.Duration(float64(lat) * g.cfg.Factor)
	if delay > g.cfg.MaxDelay {
		delay = g.cfg.MaxDelay
	}
	return Pass, delay
}
