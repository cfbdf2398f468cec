package netmon

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"courier/internal/bus"
)

func TestClassifyTier(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
		want Tier
	}{
		{"unreachable", Signal{Reachable: false, Interface: "wifi", Strength: 4}, TierOffline},
		{"no interface", Signal{Reachable: true, Interface: "none"}, TierOffline},
		{"ethernet", Signal{Reachable: true, Interface: "ethernet"}, TierExcellent},
		{"strong wifi", Signal{Reachable: true, Interface: "wifi", Strength: 4}, TierExcellent},
		{"mid wifi", Signal{Reachable: true, Interface: "wifi", Strength: 2}, TierGood},
		{"weak wifi", Signal{Reachable: true, Interface: "wifi", Strength: 0}, TierPoor},
		{"strong cellular", Signal{Reachable: true, Interface: "cellular", Strength: 4}, TierGood},
		{"weak cellular", Signal{Reachable: true, Interface: "cellular", Strength: 1}, TierPoor},
		{"constrained caps quality", Signal{Reachable: true, Interface: "wifi", Strength: 4, Constrained: true}, TierFair},
		{"unknown interface", Signal{Reachable: true, Interface: "vpn0"}, TierFair},
		{"probe fast", Signal{Reachable: true, Strength: 4}, TierGood},
		{"probe slow", Signal{Reachable: true, Strength: 1}, TierPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyTier(tt.sig); got != tt.want {
				t.Errorf("ClassifyTier(%+v) = %v, want %v", tt.sig, got, tt.want)
			}
		})
	}
}

func TestTimeoutFactorWidensOnPoorTiers(t *testing.T) {
	if TierPoor.TimeoutFactor() <= TierGood.TimeoutFactor() {
		t.Error("poor tier should widen timeouts relative to good")
	}
	if TierExcellent.TimeoutFactor() != 1.0 {
		t.Errorf("excellent factor = %v, want 1.0", TierExcellent.TimeoutFactor())
	}
}

func startMonitor(t *testing.T) (*Monitor, *bus.Bus) {
	t.Helper()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	m := New(b, logger)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, b
}

func waitEvent(t *testing.T, ch <-chan bus.Event, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestOnlineEventOncePerTransition(t *testing.T) {
	m, b := startMonitor(t)
	ch, unsub := b.Subscribe(bus.KindNetworkOnline, 10)
	defer unsub()

	m.Update(Signal{Reachable: true, Interface: "wifi", Strength: 4})
	waitEvent(t, ch, bus.KindNetworkOnline)

	// Quality fluctuations while online must not re-emit the event.
	m.Update(Signal{Reachable: true, Interface: "wifi", Strength: 1})
	m.Update(Signal{Reachable: true, Interface: "cellular", Strength: 4})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second online event: %v", evt)
	case <-time.After(100 * time.Millisecond):
		// Expected.
	}

	if !m.Online() {
		t.Error("monitor should report online")
	}
}

func TestOfflineThenOnlineEmitsAgain(t *testing.T) {
	m, b := startMonitor(t)
	ch, unsub := b.Subscribe(bus.KindNetworkOnline, 10)
	defer unsub()
	offCh, offUnsub := b.Subscribe(bus.KindNetworkOffline, 10)
	defer offUnsub()

	m.Update(Signal{Reachable: true, Interface: "wifi", Strength: 4})
	waitEvent(t, ch, bus.KindNetworkOnline)

	m.Update(Signal{Reachable: false})
	waitEvent(t, offCh, bus.KindNetworkOffline)
	if m.Online() {
		t.Error("monitor should report offline")
	}

	m.Update(Signal{Reachable: true, Interface: "cellular", Strength: 3})
	waitEvent(t, ch, bus.KindNetworkOnline)
}

func TestTierChangeEvents(t *testing.T) {
	m, b := startMonitor(t)
	ch, unsub := b.Subscribe(bus.KindNetworkTierChanged, 10)
	defer unsub()

	m.Update(Signal{Reachable: true, Interface: "ethernet"})
	waitEvent(t, ch, bus.KindNetworkTierChanged)

	if m.Tier() != TierExcellent {
		t.Errorf("tier = %v, want excellent", m.Tier())
	}
}
