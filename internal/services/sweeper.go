package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tradelink/settlement/internal/repository"
)

// LeaseLocker keeps two sweeper instances off the same hold. The release
// compare-and-set is what guarantees a single winner; the lease only saves
// the wasted attempt.
type LeaseLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error)
}

// Sweeper periodically releases holds whose hold period has elapsed.
type Sweeper struct {
	repo      repository.Store
	escrow    *EscrowLedger
	leases    LeaseLocker
	interval  time.Duration
	batchSize int
	leaseTTL  time.Duration
	nowFn     func() time.Time
}

func NewSweeper(repo repository.Store, escrow *EscrowLedger, leases LeaseLocker, interval time.Duration, batchSize int, leaseTTL time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		repo:      repo,
		escrow:    escrow,
		leases:    leases,
		interval:  interval,
		batchSize: batchSize,
		leaseTTL:  leaseTTL,
		nowFn:     time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[SWEEPER] started, interval=%s batch=%d", s.interval, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[SWEEPER] sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Printf("[SWEEPER] stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce releases up to one batch of due holds and returns how many it
// released. Holds that were released, refunded or are mid-refund are
// skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	holds, err := s.repo.ListDueHolds(ctx, s.nowFn(), s.batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, h := range holds {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}

		unlock := func(context.Context) {}
		if s.leases != nil {
			release, ok, err := s.leases.Acquire(ctx, "escrow:"+h.ID, s.leaseTTL)
			if err != nil {
				log.Printf("[SWEEPER] lease for %s unavailable, releasing without it: %v", h.ID, err)
			} else if !ok {
				continue
			} else {
				unlock = release
			}
		}

		_, err := s.escrow.ReleaseFunds(ctx, h.ID, "hold period elapsed", SchedulerActor)
		unlock(ctx)
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrEscrowNotActive), errors.Is(err, ErrRefundInProgress):
			log.Printf("[SWEEPER] skipped %s: %v", h.ID, err)
		default:
			log.Printf("[SWEEPER] failed to release %s: %v", h.ID, err)
		}
	}
	if released > 0 {
		log.Printf("[SWEEPER] released %d of %d due holds", released, len(holds))
	}
	return released, nil
}
