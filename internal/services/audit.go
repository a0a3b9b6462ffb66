package services

import (
	"context"
	"errors"
	"time"

	"github.com/tradelink/settlement/internal/models"
	"github.com/tradelink/settlement/internal/repository"
)

const (
	SchedulerActor = "scheduler"
	SystemActor    = "system"
)

func gatewayActor(name string) string {
	return "gateway:" + name
}

func appendAudit(ctx context.Context, st repository.Store, actor, action, entityType, entityID, paymentID string, details models.Metadata, at time.Time) error {
	return st.AppendAudit(ctx, &models.AuditLogEntry{
		ActorID:    actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		PaymentID:  paymentID,
		Details:    details,
		OccurredAt: at,
	})
}

func paymentNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrPaymentNotFound
	}
	return err
}

func escrowNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrEscrowNotFound
	}
	return err
}
