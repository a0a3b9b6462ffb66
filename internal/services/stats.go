package services

import (
	"context"
	"time"

	"github.com/tradelink/settlement/internal/repository"
)

// Rate is null with NoData set when its denominator is zero.
type Rate struct {
	Value  *float64 `json:"value"`
	NoData bool     `json:"noData"`
}

func ratio(num, den int64) Rate {
	if den == 0 {
		return Rate{NoData: true}
	}
	v := float64(num) / float64(den)
	return Rate{Value: &v}
}

type SettlementStats struct {
	Since       time.Time `json:"since"`
	Completed   int64     `json:"completed"`
	Failed      int64     `json:"failed"`
	Refunded    int64     `json:"refunded"`
	SuccessRate Rate      `json:"successRate"`
	RefundRate  Rate      `json:"refundRate"`
}

type StatsService struct {
	repo  repository.Store
	nowFn func() time.Time
}

func NewStatsService(repo repository.Store) *StatsService {
	return &StatsService{repo: repo, nowFn: time.Now}
}

// Settlement summarizes payments created within window.
func (s *StatsService) Settlement(ctx context.Context, window time.Duration) (*SettlementStats, error) {
	since := s.nowFn().Add(-window)
	c, err := s.repo.SettlementCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	return &SettlementStats{
		Since:       since,
		Completed:   c.Completed,
		Failed:      c.Failed,
		Refunded:    c.Refunded,
		SuccessRate: ratio(c.Completed, c.Completed+c.Failed),
		RefundRate:  ratio(c.Refunded, c.Completed),
	}, nil
}
