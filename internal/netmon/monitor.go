package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/bus"
)

// Tier classifies connection quality. It adjusts user-facing messaging and
// widens send timeouts; it never gates whether sends are attempted. Only
// TierOffline blocks sending.
type Tier int

const (
	TierOffline Tier = iota
	TierPoor
	TierFair
	TierGood
	TierExcellent
)

func (t Tier) String() string {
	switch t {
	case TierOffline:
		return "offline"
	case TierPoor:
		return "poor"
	case TierFair:
		return "fair"
	case TierGood:
		return "good"
	case TierExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// TimeoutFactor returns the multiplier applied to per-attempt send
// timeouts under this tier.
func (t Tier) TimeoutFactor() float64 {
	switch t {
	case TierPoor:
		return 3.0
	case TierFair:
		return 1.5
	default:
		return 1.0
	}
}

// Signal is a raw connectivity reading from the platform provider:
// reachability plus interface-type and constraint hints.
type Signal struct {
	Reachable   bool
	Interface   string // "ethernet", "wifi", "cellular", "none"
	Strength    int    // 0..4 bars, interface-specific hint
	Constrained bool   // metered / low-data mode
}

// ClassifyTier maps a raw signal onto a quality tier.
func ClassifyTier(s Signal) Tier {
	if !s.Reachable || s.Interface == "none" {
		return TierOffline
	}
	var t Tier
	switch s.Interface {
	case "ethernet":
		t = TierExcellent
	case "wifi":
		switch {
		case s.Strength >= 3:
			t = TierExcellent
		case s.Strength == 2:
			t = TierGood
		case s.Strength == 1:
			t = TierFair
		default:
			t = TierPoor
		}
	case "cellular":
		switch {
		case s.Strength >= 3:
			t = TierGood
		case s.Strength == 2:
			t = TierFair
		default:
			t = TierPoor
		}
	case "":
		// Probe-derived signal: no interface info, only latency strength.
		switch {
		case s.Strength >= 3:
			t = TierGood
		case s.Strength == 2:
			t = TierFair
		default:
			t = TierPoor
		}
	default:
		t = TierFair
	}
	if s.Constrained && t > TierFair {
		t = TierFair
	}
	return t
}

// Monitor turns raw connectivity signals into tier state and transition
// events. Signals are processed on a single goroutine so connectivity
// flips cannot race the drain triggers they cause. Exactly one
// network.online event is published per offline-to-online transition;
// tier fluctuations while online only produce network.tier_changed.
type Monitor struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.RWMutex
	tier Tier

	signals chan Signal
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a monitor starting in the offline tier.
func New(b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		bus:     b,
		logger:  logger,
		tier:    TierOffline,
		signals: make(chan Signal, 16),
	}
}

// Start begins processing signals.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop stops the monitor and waits for the delivery goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Update feeds a raw connectivity reading into the monitor. Safe to call
// from any goroutine; processing happens on the monitor's own goroutine.
func (m *Monitor) Update(sig Signal) {
	select {
	case m.signals <- sig:
	default:
		// A full buffer means readings are arriving faster than they can
		// be classified; dropping the oldest-pending reading is safe
		// because only the latest state matters.
		select {
		case <-m.signals:
		default:
		}
		m.signals <- sig
	}
}

// Online reports current boolean connectivity.
func (m *Monitor) Online() bool {
	return m.Tier() != TierOffline
}

// Tier returns the current quality tier.
func (m *Monitor) Tier() Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tier
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case sig := <-m.signals:
			m.apply(sig)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) apply(sig Signal) {
	newTier := ClassifyTier(sig)

	m.mu.Lock()
	oldTier := m.tier
	m.tier = newTier
	m.mu.Unlock()

	if newTier == oldTier {
		return
	}

	m.logger.Info("connectivity tier changed",
		zap.String("from", oldTier.String()),
		zap.String("to", newTier.String()))
	m.bus.Publish(bus.Event{
		Kind:      bus.KindNetworkTierChanged,
		Timestamp: time.Now(),
		Payload:   bus.TierChange{From: oldTier.String(), To: newTier.String()},
	})

	switch {
	case oldTier == TierOffline:
		m.bus.Publish(bus.Event{Kind: bus.KindNetworkOnline, Timestamp: time.Now()})
	case newTier == TierOffline:
		m.bus.Publish(bus.Event{Kind: bus.KindNetworkOffline, Timestamp: time.Now()})
	}
}
