package remote

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courier/internal/netmon"
	"courier/internal/retry"
	"courier/internal/store"
)

// SyncClient wraps the remote store with the engine's delivery discipline:
// a bounded per-attempt timeout (widened on poor connectivity tiers) and
// classified errors. Writes are one attempt per call because the queue
// manager owns attempt scheduling and backoff; idempotent reads retry
// inline under the policy.
type SyncClient struct {
	remote  Store
	policy  retry.Policy
	monitor *netmon.Monitor
	timeout time.Duration
	logger  *zap.Logger
}

// NewSyncClient creates a sync client.
func NewSyncClient(remote Store, policy retry.Policy, monitor *netmon.Monitor, timeout time.Duration, logger *zap.Logger) *SyncClient {
	return &SyncClient{
		remote:  remote,
		policy:  policy,
		monitor: monitor,
		timeout: timeout,
		logger:  logger,
	}
}

func (c *SyncClient) attemptTimeout() time.Duration {
	factor := c.monitor.Tier().TimeoutFactor()
	return time.Duration(float64(c.timeout) * factor)
}

// Send performs a single bounded delivery attempt. Offline short-circuits
// with retry.ErrOffline before touching the network; timeouts surface as
// context.DeadlineExceeded, which classifies as transient.
func (c *SyncClient) Send(ctx context.Context, m *store.Message) error {
	if !c.monitor.Online() {
		return fmt.Errorf("send %s: %w", m.ID, retry.ErrOffline)
	}

	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout())
	defer cancel()

	if err := c.remote.UpsertMessage(ctx, m); err != nil {
		return fmt.Errorf("send %s: %w", m.ID, err)
	}
	return nil
}

// Fetch reads a conversation's remote messages, retrying transient
// failures inline under the policy.
func (c *SyncClient) Fetch(ctx context.Context, conversationID string, since int64) ([]*store.Message, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout())
		msgs, err := c.remote.QueryMessages(attemptCtx, conversationID, since)
		cancel()
		if err == nil {
			return msgs, nil
		}
		lastErr = err

		kind := retry.Classify(err)
		if !c.policy.ShouldRetry(attempt, kind) {
			return nil, fmt.Errorf("fetch %s: %w", conversationID, lastErr)
		}
		c.logger.Warn("remote fetch failed, retrying",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", attempt),
			zap.String("kind", kind.String()),
			zap.Error(err))

		select {
		case <-time.After(c.policy.Delay(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
