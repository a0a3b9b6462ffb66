package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradelink/settlement/internal/models"
)

type memState struct {
	payments map[string]models.Payment
	holds    map[string]models.EscrowHold
	refunds  map[string]models.Refund
	// refundOrder keeps insertion order for ListRefunds.
	refundOrder []string
	audit       []models.AuditLogEntry
	webhooks    map[string]struct{}
}

func newMemState() *memState {
	return &memState{
		payments: make(map[string]models.Payment),
		holds:    make(map[string]models.EscrowHold),
		refunds:  make(map[string]models.Refund),
		webhooks: make(map[string]struct{}),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.holds {
		c.holds[k] = v
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k := range s.webhooks {
		c.webhooks[k] = struct{}{}
	}
	c.refundOrder = append([]string(nil), s.refundOrder...)
	c.audit = append([]models.AuditLogEntry(nil), s.audit...)
	return c
}

// MemoryRepository keeps everything in process. Transactions run
// serialized against a copy that replaces the live state on success.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState()}
}

func (r *MemoryRepository) WithinTx(_ context.Context, fn func(Store) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	work := r.state.clone()
	if err := fn(memStore{s: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *MemoryRepository) store() (memStore, func()) {
	r.mu.Lock()
	return memStore{s: r.state}, r.mu.Unlock
}

func (r *MemoryRepository) CreatePayment(ctx context.Context, p *models.Payment) error {
	st, unlock := r.store()
	defer unlock()
	return st.CreatePayment(ctx, p)
}

func (r *MemoryRepository) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	st, unlock := r.store()
	defer unlock()
	return st.GetPayment(ctx, id)
}

func (r *MemoryRepository) GetPaymentByGatewayRef(ctx context.Context, gateway, ref string) (*models.Payment, error) {
	st, unlock := r.store()
	defer unlock()
	return st.GetPaymentByGatewayRef(ctx, gateway, ref)
}

func (r *MemoryRepository) TransitionPayment(ctx context.Context, id string, from []models.PaymentStatus, u PaymentUpdate) (bool, error) {
	st, unlock := r.store()
	defer unlock()
	return st.TransitionPayment(ctx, id, from, u)
}

func (r *MemoryRepository) ClaimConfirm(ctx context.Context, id string, at time.Time) (bool, error) {
	st, unlock := r.store()
	defer unlock()
	return st.ClaimConfirm(ctx, id, at)
}

func (r *MemoryRepository) ClearConfirmClaim(ctx context.Context, id string) error {
	st, unlock := r.store()
	defer unlock()
	return st.ClearConfirmClaim(ctx, id)
}

func (r *MemoryRepository) CreateHold(ctx context.Context, h *models.EscrowHold) error {
	st, unlock := r.store()
	defer unlock()
	return st.CreateHold(ctx, h)
}

func (r *MemoryRepository) GetHold(ctx context.Context, id string) (*models.EscrowHold, error) {
	st, unlock := r.store()
	defer unlock()
	return st.GetHold(ctx, id)
}

func (r *MemoryRepository) GetHoldByPayment(ctx context.Context, paymentID string) (*models.EscrowHold, error) {
	st, unlock := r.store()
	defer unlock()
	return st.GetHoldByPayment(ctx, paymentID)
}

func (r *MemoryRepository) ReleaseHold(ctx context.Context, id string, rel HoldRelease) (bool, error) {
	st, unlock := r.store()
	defer unlock()
	return st.ReleaseHold(ctx, id, rel)
}

func (r *MemoryRepository) ReserveRefund(ctx context.Context, id string, amount int64, at time.Time) (bool, error) {
	st, unlock := r.store()
	defer unlock()
	return st.ReserveRefund(ctx, id, amount, at)
}

func (r *MemoryRepository) SettleRefund(ctx context.Context, id string, s RefundSettlement) (*models.EscrowHold, error) {
	st, unlock := r.store()
	defer unlock()
	return st.SettleRefund(ctx, id, s)
}

func (r *MemoryRepository) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]models.EscrowHold, error) {
	st, unlock := r.store()
	defer unlock()
	return st.ListDueHolds(ctx, now, limit)
}

func (r *MemoryRepository) CreateRefund(ctx context.Context, rf *models.Refund) error {
	st, unlock := r.store()
	defer unlock()
	return st.CreateRefund(ctx, rf)
}

func (r *MemoryRepository) ListRefunds(ctx context.Context, escrowID string) ([]models.Refund, error) {
	st, unlock := r.store()
	defer unlock()
	return st.ListRefunds(ctx, escrowID)
}

func (r *MemoryRepository) SetRefundGatewayID(ctx context.Context, id, gatewayRefundID string, at time.Time) (bool, error) {
	st, unlock := r.store()
	defer unlock()
	return st.SetRefundGatewayID(ctx, id, gatewayRefundID, at)
}

func (r *MemoryRepository) CompleteRefund(ctx context.Context, id string, status models.RefundStatus, gatewayRefundID, errMsg string, at time.Time) (bool, error) {
	st, unlock := r.store()
	defer unlock()
	return st.CompleteRefund(ctx, id, status, gatewayRefundID, errMsg, at)
}

func (r *MemoryRepository) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	st, unlock := r.store()
	defer unlock()
	return st.AppendAudit(ctx, e)
}

func (r *MemoryRepository) ListAudit(ctx context.Context, paymentID string) ([]models.AuditLogEntry, error) {
	st, unlock := r.store()
	defer unlock()
	return st.ListAudit(ctx, paymentID)
}

func (r *MemoryRepository) RecordWebhookEvent(ctx context.Context, evt models.WebhookEvent, receivedAt time.Time) (bool, error) {
	st, unlock := r.store()
	defer unlock()
	return st.RecordWebhookEvent(ctx, evt, receivedAt)
}

func (r *MemoryRepository) SettlementCounts(ctx context.Context, since time.Time) (SettlementCounts, error) {
	st, unlock := r.store()
	defer unlock()
	return st.SettlementCounts(ctx, since)
}

// memStore operates on a state the caller has already locked.
type memStore struct {
	s *memState
}

func (m memStore) CreatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := m.s.payments[p.ID]; ok {
		return fmt.Errorf("%w: payment %s", ErrDuplicate, p.ID)
	}
	m.s.payments[p.ID] = *p
	return nil
}

func (m memStore) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	p, ok := m.s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m memStore) GetPaymentByGatewayRef(_ context.Context, gateway, ref string) (*models.Payment, error) {
	for _, p := range m.s.payments {
		if p.Gateway != gateway || ref == "" {
			continue
		}
		if p.GatewayIntentID == ref || p.GatewayTransactionID == ref {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m memStore) TransitionPayment(_ context.Context, id string, from []models.PaymentStatus, u PaymentUpdate) (bool, error) {
	p, ok := m.s.payments[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, st := range from {
		if p.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	if p.GatewayTransactionID == "" && u.TransactionID != "" {
		for otherID, other := range m.s.payments {
			if otherID != id && other.Gateway == p.Gateway && other.GatewayTransactionID == u.TransactionID {
				return false, fmt.Errorf("%w: transaction %s already belongs to another payment", ErrDuplicate, u.TransactionID)
			}
		}
		p.GatewayTransactionID = u.TransactionID
	}
	p.Status = u.Status
	if u.Method != "" {
		p.Method = u.Method
	}
	p.Error = u.Error
	p.UpdatedAt = u.At
	m.s.payments[id] = p
	return true, nil
}

func (m memStore) ClaimConfirm(_ context.Context, id string, at time.Time) (bool, error) {
	p, ok := m.s.payments[id]
	if !ok || p.Status != models.PaymentStatusPending || p.ConfirmStartedAt != nil {
		return false, nil
	}
	p.ConfirmStartedAt = &at
	p.UpdatedAt = at
	m.s.payments[id] = p
	return true, nil
}

func (m memStore) ClearConfirmClaim(_ context.Context, id string) error {
	p, ok := m.s.payments[id]
	if !ok || p.Status != models.PaymentStatusPending {
		return nil
	}
	p.ConfirmStartedAt = nil
	m.s.payments[id] = p
	return nil
}

func (m memStore) CreateHold(_ context.Context, h *models.EscrowHold) error {
	if _, ok := m.s.holds[h.ID]; ok {
		return fmt.Errorf("%w: hold %s", ErrDuplicate, h.ID)
	}
	for _, existing := range m.s.holds {
		if existing.PaymentID == h.PaymentID {
			return fmt.Errorf("%w: hold for payment %s", ErrDuplicate, h.PaymentID)
		}
	}
	m.s.holds[h.ID] = *h
	return nil
}

func (m memStore) GetHold(_ context.Context, id string) (*models.EscrowHold, error) {
	h, ok := m.s.holds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (m memStore) GetHoldByPayment(_ context.Context, paymentID string) (*models.EscrowHold, error) {
	for _, h := range m.s.holds {
		if h.PaymentID == paymentID {
			return &h, nil
		}
	}
	return nil, ErrNotFound
}

func (m memStore) ReleaseHold(_ context.Context, id string, r HoldRelease) (bool, error) {
	h, ok := m.s.holds[id]
	if !ok || h.Status != models.HoldStatusActive || h.RefundPending != 0 {
		return false, nil
	}
	at := r.At
	h.Status = models.HoldStatusReleased
	h.ReleasedAt = &at
	h.ReleasedBy = r.By
	h.ReleaseReason = r.Reason
	h.UpdatedAt = r.At
	h.Version++
	m.s.holds[id] = h
	return true, nil
}

func (m memStore) ReserveRefund(_ context.Context, id string, amount int64, at time.Time) (bool, error) {
	h, ok := m.s.holds[id]
	if !ok || h.Status != models.HoldStatusActive || h.Refundable() < amount {
		return false, nil
	}
	h.RefundPending += amount
	h.UpdatedAt = at
	h.Version++
	m.s.holds[id] = h
	return true, nil
}

func (m memStore) SettleRefund(_ context.Context, id string, s RefundSettlement) (*models.EscrowHold, error) {
	h, ok := m.s.holds[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := ApplyRefundSettlement(&h, s); err != nil {
		return nil, err
	}
	h.Version++
	m.s.holds[id] = h
	return &h, nil
}

func (m memStore) ListDueHolds(_ context.Context, now time.Time, limit int) ([]models.EscrowHold, error) {
	var due []models.EscrowHold
	for _, h := range m.s.holds {
		if h.Status == models.HoldStatusActive && !h.ReleaseDate.After(now) {
			due = append(due, h)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ReleaseDate.Before(due[j].ReleaseDate) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m memStore) CreateRefund(_ context.Context, r *models.Refund) error {
	if _, ok := m.s.refunds[r.ID]; ok {
		return fmt.Errorf("%w: refund %s", ErrDuplicate, r.ID)
	}
	m.s.refunds[r.ID] = *r
	m.s.refundOrder = append(m.s.refundOrder, r.ID)
	return nil
}

func (m memStore) ListRefunds(_ context.Context, escrowID string) ([]models.Refund, error) {
	var out []models.Refund
	for _, id := range m.s.refundOrder {
		if r := m.s.refunds[id]; r.EscrowID == escrowID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m memStore) SetRefundGatewayID(_ context.Context, id, gatewayRefundID string, at time.Time) (bool, error) {
	r, ok := m.s.refunds[id]
	if !ok || r.Status != models.RefundStatusPending || r.GatewayRefundID != "" {
		return false, nil
	}
	r.GatewayRefundID = gatewayRefundID
	r.UpdatedAt = at
	m.s.refunds[id] = r
	return true, nil
}

func (m memStore) CompleteRefund(_ context.Context, id string, status models.RefundStatus, gatewayRefundID, errMsg string, at time.Time) (bool, error) {
	r, ok := m.s.refunds[id]
	if !ok || r.Status != models.RefundStatusPending {
		return false, nil
	}
	r.Status = status
	if gatewayRefundID != "" {
		r.GatewayRefundID = gatewayRefundID
	}
	r.Error = errMsg
	r.UpdatedAt = at
	m.s.refunds[id] = r
	return true, nil
}

func (m memStore) AppendAudit(_ context.Context, e *models.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.s.audit = append(m.s.audit, *e)
	return nil
}

func (m memStore) ListAudit(_ context.Context, paymentID string) ([]models.AuditLogEntry, error) {
	var out []models.AuditLogEntry
	for _, e := range m.s.audit {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m memStore) RecordWebhookEvent(_ context.Context, evt models.WebhookEvent, _ time.Time) (bool, error) {
	key := evt.Gateway + "/" + evt.EventID
	if _, ok := m.s.webhooks[key]; ok {
		return false, nil
	}
	m.s.webhooks[key] = struct{}{}
	return true, nil
}

func (m memStore) SettlementCounts(_ context.Context, since time.Time) (SettlementCounts, error) {
	var c SettlementCounts
	for _, p := range m.s.payments {
		if p.CreatedAt.Before(since) {
			continue
		}
		switch p.Status {
		case models.PaymentStatusCompleted:
			c.Completed++
		case models.PaymentStatusFailed:
			c.Failed++
		}
	}
	for _, h := range m.s.holds {
		if h.RefundedAmount > 0 && !h.CreatedAt.Before(since) {
			c.Refunded++
		}
	}
	return c, nil
}
