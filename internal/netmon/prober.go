package netmon

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeTarget   = "firestore.googleapis.com:443"
	defaultProbeInterval = 10 * time.Second
	probeTimeout         = 5 * time.Second
)

// Prober derives connectivity signals by periodically dialing the remote
// endpoint and mapping round-trip latency onto a strength hint. It is the
// portable fallback provider; a platform integration with real interface
// and signal data can call Monitor.Update directly instead.
type Prober struct {
	monitor  *Monitor
	target   string
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober. Empty target or zero interval select the
// defaults.
func NewProber(monitor *Monitor, target string, interval time.Duration, logger *zap.Logger) *Prober {
	if target == "" {
		target = defaultProbeTarget
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &Prober{
		monitor:  monitor,
		target:   target,
		interval: interval,
		logger:   logger,
	}
}

// Start probes immediately and then on every interval tick.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.probe(ctx)
		for {
			select {
			case <-ticker.C:
				p.probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the prober and waits for the probe goroutine to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Prober) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.target)
	if err != nil {
		p.logger.Debug("connectivity probe failed", zap.String("target", p.target), zap.Error(err))
		p.monitor.Update(Signal{Reachable: false, Interface: "none"})
		return
	}
	rtt := time.Since(start)
	_ = conn.Close()

	p.monitor.Update(Signal{
		Reachable: true,
		Strength:  strengthFromRTT(rtt),
	})
}

// strengthFromRTT maps dial latency onto the 0..4 strength hint. The
// probe cannot see the interface type, so the tier classifier falls back
// to its unknown-interface path.
func strengthFromRTT(rtt time.Duration) int {
	switch {
	case rtt < 50*time.Millisecond:
		return 4
	case rtt < 150*time.Millisecond:
		return 3
	case rtt < 400*time.Millisecond:
		return 2
	case rtt < time.Second:
		return 1
	default:
		return 0
	}
}
