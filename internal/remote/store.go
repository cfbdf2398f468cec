package remote

import (
	"context"

	"courier/internal/store"
)

// Store is the remote record store the engine delivers into. Writes are
// keyed by the client-generated message id with create-or-update
// semantics, which is what makes crash-recovery resubmission safe: a
// retry racing an earlier successful write lands on the same record.
type Store interface {
	// UpsertMessage creates or updates the remote record for a message.
	UpsertMessage(ctx context.Context, m *store.Message) error
	// QueryMessages returns a conversation's messages created at or after
	// since (unix millis).
	QueryMessages(ctx context.Context, conversationID string, since int64) ([]*store.Message, error)
	// Listen streams change notifications for records updated at or after
	// since until ctx is cancelled. This is how delivered receipts and
	// remote-originated messages reach the engine.
	Listen(ctx context.Context, since int64, handler func(*store.Message)) error
	// Close releases the underlying client.
	Close() error
}
