package recovery

import (
	"time"

	"go.uber.org/zap"

	"courier/internal/store"
)

// Scanner repairs queue state left behind by a crashed process. It runs
// once, synchronously, before the dispatcher starts accepting submissions.
type Scanner struct {
	db             *store.DB
	staleThreshold time.Duration
	logger         *zap.Logger
}

// New creates a recovery scanner.
func New(db *store.DB, staleThreshold time.Duration, logger *zap.Logger) *Scanner {
	return &Scanner{db: db, staleThreshold: staleThreshold, logger: logger}
}

// Recover re-queues messages stranded mid-send by a prior process and
// returns how many were re-queued. Two shapes are repaired: in-flight
// messages (pending or sent, no queue entry, no recent attempt) whose
// remote write may or may not have landed, and queued messages whose
// queue entry was never written. Re-sending the first shape is safe
// because remote writes are idempotent on the message id.
func (s *Scanner) Recover() (int, error) {
	staleBefore := time.Now().Add(-s.staleThreshold).UnixMilli()

	inFlight, err := s.db.OrphanedInFlight(staleBefore)
	if err != nil {
		return 0, err
	}
	queued, err := s.db.OrphanedQueued()
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, m := range append(inFlight, queued...) {
		if err := s.db.Enqueue(m.ID, time.Now().UnixMilli()); err != nil {
			s.logger.Error("re-queue stranded message", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		s.logger.Info("re-queued stranded message",
			zap.String("message_id", m.ID),
			zap.String("status", m.Status))
		requeued++
	}
	return requeued, nil
}
