package admission

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"joingate/service/metrics"
	"joingate/service/platform"
)

// stuckAfter is how long past expiry a record may stay processing before the
// sweeper treats its holder as lost and removes it. Inside that window the
// holder may still finish and approve; after it, the record is declined and
// audited with detail "sweep-stuck".
const stuckAfter = time.Minute

// Sweeper retires expired challenges. Only one pass runs at a time; a trigger
// that arrives while a pass is running returns immediately.
type Sweeper struct {
	store    Store
	sessions SessionStore
	platform platform.ChatPlatform
	pageSize int
	interval time.Duration

	running atomic.Bool
	metrics *metrics.Metrics
	audit   Auditor
	log     *zap.Logger
	now     func() time.Time
}

type SweeperOption func(*Sweeper)

func SweepWithLogger(log *zap.Logger) SweeperOption { return func(s *Sweeper) { s.log = log } }

func SweepWithMetrics(m *metrics.Metrics) SweeperOption { return func(s *Sweeper) { s.metrics = m } }

func SweepWithAuditor(a Auditor) SweeperOption { return func(s *Sweeper) { s.audit = a } }

func SweepWithClock(now func() time.Time) SweeperOption { return func(s *Sweeper) { s.now = now } }

func NewSweeper(store Store, sessions SessionStore, pf platform.ChatPlatform, interval time.Duration, pageSize int, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		sessions: sessions,
		platform: pf,
		pageSize: pageSize,
		interval: interval,
		audit:    nopAuditor{},
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep retires up to one page of records expired at now and returns how
// many it removed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("sweep already running, skipped")
		return 0, nil
	}
	defer s.running.Store(false)
	start := time.Now()

	expired, err := s.store.ListExpired(ctx, now, s.pageSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range expired {
		if ctx.Err() != nil {
			break
		}
		if s.retire(ctx, rec, now) {
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("sweep removed expired challenges", zap.Int("count", removed))
	}
	s.metrics.SweepPass(removed, time.Since(start).Seconds())
	return removed, nil
}

func (s *Sweeper) retire(ctx context.Context, rec *PendingChallenge, now time.Time) bool {
	log := s.log.With(zap.Int64("chat_id", rec.ChatID), zap.Int64("user_id", rec.UserID))

	detail := "sweep"
	locked, err := s.store.GetAndLock(ctx, rec.ChatID, rec.UserID, rec.Nonce)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyProcessing):
		if now.Sub(rec.ExpiresAt) < stuckAfter {
			return false
		}
		log.Warn("removing challenge stuck in processing")
		locked = rec
		detail = "sweep-stuck"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNonceMismatch):
		return false
	default:
		log.Error("lock expired challenge failed", zap.Error(err))
		return false
	}
	if !locked.Expired(now) {
		_ = s.store.Release(ctx, locked)
		return false
	}

	platform.Attempt(s.log, "decline", locked.ChatID, locked.UserID, func() error {
		return s.platform.DeclineJoin(ctx, locked.ChatID, locked.UserID)
	})
	if err := s.store.Remove(ctx, locked.ChatID, locked.UserID, locked.Nonce); err != nil {
		log.Error("remove expired challenge failed", zap.Error(err))
		return false
	}
	if err := s.sessions.Forget(ctx, locked.UserID, locked.ChatID, locked.Nonce); err != nil {
		log.Warn("forget session failed", zap.Error(err))
	}
	if !locked.PromptRef.IsZero() {
		platform.Attempt(s.log, "edit", locked.ChatID, locked.UserID, func() error {
			return s.platform.EditMessage(ctx, locked.PromptRef, noticeExpired, nil)
		})
	}
	s.audit.Record(ctx, AuditEvent{
		ID:     newEventID(),
		Kind:   string(OutcomeExpired),
		ChatID: locked.ChatID,
		UserID: locked.UserID,
		At:     now,
		Detail: detail,
	})
	return true
}
