package remote

import (
	"context"
	"time"

	"go.uber.org/zap"

	"courier/internal/bus"
	"courier/internal/retry"
	"courier/internal/store"
)

// Listener attaches to the remote store's push channel and republishes
// change notifications on the engine bus as remote.message events. The
// sync engine consumes them; this is how delivered receipts and messages
// from other participants reach the local store.
type Listener struct {
	remote Store
	bus    *bus.Bus
	policy retry.Policy
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewListener creates a listener.
func NewListener(remote Store, b *bus.Bus, policy retry.Policy, logger *zap.Logger) *Listener {
	return &Listener{
		remote: remote,
		bus:    b,
		policy: policy,
		logger: logger,
	}
}

// Start begins listening in the background, reconnecting with backoff
// when the stream drops.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	since := time.Now().UnixMilli()

	go func() {
		for attempt := 0; ; attempt++ {
			err := l.remote.Listen(ctx, since, func(m *store.Message) {
				l.bus.Publish(bus.Event{
					Kind:      bus.KindRemoteMessage,
					Timestamp: time.Now(),
					Payload:   m,
				})
			})
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("remote listener dropped, reconnecting",
				zap.Int("attempt", attempt), zap.Error(err))

			select {
			case <-time.After(l.policy.Delay(attempt)):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the listener.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}
