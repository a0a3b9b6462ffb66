// Package gateway translates between the settlement core and external
// payment processors. Adapters hold no state across calls.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tradelink/settlement/internal/models"
)

type IntentRequest struct {
	Amount   int64
	Currency string
	OrderID  string
	BuyerRef string
}

type Intent struct {
	IntentID    string
	ClientToken string
}

type ConfirmRequest struct {
	IntentID  string
	MethodRef string
	Amount    int64
	Currency  string
	OrderID   string
	BuyerRef  string
	// IdempotencyKey is stable per payment so a resent confirm cannot
	// charge twice.
	IdempotencyKey string
}

type Confirmation struct {
	TransactionID string
	Status        models.PaymentStatus
}

type RefundRequest struct {
	TransactionID string
	Amount        int64
	Currency      string
	Reason        string
	// IdempotencyKey lets the processor collapse repeated submissions.
	IdempotencyKey string
}

type RefundResult struct {
	RefundID string
	Status   models.RefundStatus
}

// Gateway is the contract every payment processor adapter implements.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	ConfirmIntent(ctx context.Context, req ConfirmRequest) (Confirmation, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	VerifyWebhookSignature(payload []byte, signatureHeader string) bool
	ParseWebhook(ctx context.Context, payload []byte) (models.WebhookEvent, error)
}

// Registry resolves gateways by name.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	fallback string
}

func NewRegistry(defaultGateway string) *Registry {
	return &Registry{gateways: make(map[string]Gateway), fallback: defaultGateway}
}

func (r *Registry) Register(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Name()] = gw
}

// Get returns the named gateway; an empty name selects the default.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return gw, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
