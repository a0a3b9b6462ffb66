package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tradelink/settlement/internal/models"
)

const (
	paymentColumns = `id, order_id, buyer_id, supplier_id, amount, currency, status, gateway,
		gateway_intent_id, gateway_transaction_id, method, error, confirm_started_at, created_at, updated_at`
	holdColumns = `id, payment_id, order_id, buyer_id, supplier_id, amount, currency,
		refunded_amount, refund_pending, hold_period_seconds, release_date, status,
		released_at, released_by, release_reason, version, created_at, updated_at`
	refundColumns = `id, escrow_id, payment_id, amount, currency, status, gateway_refund_id,
		reason, initiated_by, error, created_at, updated_at`
	auditColumns = `id, actor_id, action, entity_type, entity_id, payment_id, details, occurred_at`
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresRepository is backed by lib/pq.
type PostgresRepository struct {
	pgStore
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{pgStore: pgStore{q: db}, db: db}
}

func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(Store) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(pgStore{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgStore struct {
	q querier
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanPayment(row scanner) (*models.Payment, error) {
	var p models.Payment
	var confirmStarted sql.NullTime
	err := row.Scan(&p.ID, &p.OrderID, &p.BuyerID, &p.SupplierID, &p.Amount, &p.Currency, &p.Status, &p.Gateway,
		&p.GatewayIntentID, &p.GatewayTransactionID, &p.Method, &p.Error, &confirmStarted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if confirmStarted.Valid {
		t := confirmStarted.Time
		p.ConfirmStartedAt = &t
	}
	return &p, nil
}

func scanHold(row scanner) (*models.EscrowHold, error) {
	var h models.EscrowHold
	var periodSeconds int64
	var releasedAt sql.NullTime
	err := row.Scan(&h.ID, &h.PaymentID, &h.OrderID, &h.BuyerID, &h.SupplierID, &h.Amount, &h.Currency,
		&h.RefundedAmount, &h.RefundPending, &periodSeconds, &h.ReleaseDate, &h.Status,
		&releasedAt, &h.ReleasedBy, &h.ReleaseReason, &h.Version, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	h.HoldPeriod = time.Duration(periodSeconds) * time.Second
	if releasedAt.Valid {
		t := releasedAt.Time
		h.ReleasedAt = &t
	}
	return &h, nil
}

func scanRefund(row scanner) (*models.Refund, error) {
	var r models.Refund
	err := row.Scan(&r.ID, &r.EscrowID, &r.PaymentID, &r.Amount, &r.Currency, &r.Status, &r.GatewayRefundID,
		&r.Reason, &r.InitiatedBy, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s pgStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.OrderID, p.BuyerID, p.SupplierID, p.Amount, p.Currency, p.Status, p.Gateway,
		p.GatewayIntentID, p.GatewayTransactionID, p.Method, p.Error, p.ConfirmStartedAt, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: payment %s", ErrDuplicate, p.ID)
	}
	return err
}

func (s pgStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return scanPayment(s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (s pgStore) GetPaymentByGatewayRef(ctx context.Context, gateway, ref string) (*models.Payment, error) {
	return scanPayment(s.q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE gateway = $1 AND (gateway_intent_id = $2 OR gateway_transaction_id = $2)
		LIMIT 1`, gateway, ref))
}

func (s pgStore) TransitionPayment(ctx context.Context, id string, from []models.PaymentStatus, u PaymentUpdate) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
			gateway_transaction_id = CASE WHEN gateway_transaction_id = '' THEN $2 ELSE gateway_transaction_id END,
			method = COALESCE(NULLIF($3, ''), method),
			error = $4,
			updated_at = $5
		WHERE id = $6 AND status = ANY($7)`,
		u.Status, u.TransactionID, u.Method, u.Error, u.At, id, pq.Array(states))
	if isUniqueViolation(err) {
		return false, fmt.Errorf("%w: transaction %s already belongs to another payment", ErrDuplicate, u.TransactionID)
	}
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s pgStore) ClaimConfirm(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE payments SET confirm_started_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'PENDING' AND confirm_started_at IS NULL`,
		at, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s pgStore) ClearConfirmClaim(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE payments SET confirm_started_at = NULL
		WHERE id = $1 AND status = 'PENDING'`, id)
	return err
}

func (s pgStore) CreateHold(ctx context.Context, h *models.EscrowHold) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO escrow_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		h.ID, h.PaymentID, h.OrderID, h.BuyerID, h.SupplierID, h.Amount, h.Currency,
		h.RefundedAmount, h.RefundPending, int64(h.HoldPeriod/time.Second), h.ReleaseDate, h.Status,
		h.ReleasedAt, h.ReleasedBy, h.ReleaseReason, h.Version, h.CreatedAt, h.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: hold for payment %s", ErrDuplicate, h.PaymentID)
	}
	return err
}

func (s pgStore) GetHold(ctx context.Context, id string) (*models.EscrowHold, error) {
	return scanHold(s.q.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id))
}

func (s pgStore) GetHoldByPayment(ctx context.Context, paymentID string) (*models.EscrowHold, error) {
	return scanHold(s.q.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE payment_id = $1`, paymentID))
}

func (s pgStore) ReleaseHold(ctx context.Context, id string, r HoldRelease) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE escrow_holds
		SET status = 'RELEASED', released_at = $1, released_by = $2, release_reason = $3,
			updated_at = $1, version = version + 1
		WHERE id = $4 AND status = 'ACTIVE' AND refund_pending = 0`,
		r.At, r.By, r.Reason, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s pgStore) ReserveRefund(ctx context.Context, id string, amount int64, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE escrow_holds
		SET refund_pending = refund_pending + $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND status = 'ACTIVE' AND refunded_amount + refund_pending + $1 <= amount`,
		amount, at, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SettleRefund locks the hold row, applies s and writes it back under a
// version check. Call it inside WithinTx.
func (s pgStore) SettleRefund(ctx context.Context, id string, rs RefundSettlement) (*models.EscrowHold, error) {
	h, err := scanHold(s.q.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := ApplyRefundSettlement(h, rs); err != nil {
		return nil, err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE escrow_holds
		SET refunded_amount = $1, refund_pending = $2, status = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6`,
		h.RefundedAmount, h.RefundPending, h.Status, h.UpdatedAt, id, h.Version)
	if err != nil {
		return nil, err
	}
	ok, err := affected(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: escrow hold %s", ErrOptimisticLock, id)
	}
	h.Version++
	return h, nil
}

func (s pgStore) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]models.EscrowHold, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE status = 'ACTIVE' AND release_date <= $1
		ORDER BY release_date
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holds []models.EscrowHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, *h)
	}
	return holds, rows.Err()
}

func (s pgStore) CreateRefund(ctx context.Context, r *models.Refund) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.EscrowID, r.PaymentID, r.Amount, r.Currency, r.Status, r.GatewayRefundID,
		r.Reason, r.InitiatedBy, r.Error, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s pgStore) ListRefunds(ctx context.Context, escrowID string) ([]models.Refund, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refunds WHERE escrow_id = $1 ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []models.Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, *r)
	}
	return refunds, rows.Err()
}

func (s pgStore) SetRefundGatewayID(ctx context.Context, id, gatewayRefundID string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE refunds SET gateway_refund_id = $1, updated_at = $2
		WHERE id = $3 AND status = 'PENDING' AND gateway_refund_id = ''`,
		gatewayRefundID, at, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s pgStore) CompleteRefund(ctx context.Context, id string, status models.RefundStatus, gatewayRefundID, errMsg string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE refunds
		SET status = $1, gateway_refund_id = COALESCE(NULLIF($2, ''), gateway_refund_id), error = $3, updated_at = $4
		WHERE id = $5 AND status = 'PENDING'`,
		status, gatewayRefundID, errMsg, at, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s pgStore) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ActorID, e.Action, e.EntityType, e.EntityID, e.PaymentID, e.Details, e.OccurredAt)
	return err
}

func (s pgStore) ListAudit(ctx context.Context, paymentID string) ([]models.AuditLogEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log WHERE payment_id = $1 ORDER BY seq`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &e.PaymentID, &e.Details, &e.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s pgStore) RecordWebhookEvent(ctx context.Context, evt models.WebhookEvent, receivedAt time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO webhook_events (gateway, event_id, event_type, reference, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (gateway, event_id) DO NOTHING`,
		evt.Gateway, evt.EventID, evt.Type, evt.Reference, receivedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s pgStore) SettlementCounts(ctx context.Context, since time.Time) (SettlementCounts, error) {
	var c SettlementCounts
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM payments
		WHERE created_at >= $1`, since).Scan(&c.Completed, &c.Failed)
	if err != nil {
		return c, err
	}
	err = s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escrow_holds
		WHERE refunded_amount > 0 AND created_at >= $1`, since).Scan(&c.Refunded)
	return c, err
}
