package payments

import (
	"context"
	"errors"
	"strconv"
	"time"

	stripego "github.com/stripe/stripe-go/v84"

	"github.com/holisticpeople/funnel-bridge/internal/draft"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/redis"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

var (
	errKVRequired     = errors.New("payments kv store is required")
	errLoggerRequired = errors.New("payments logger is required")
)

// Processor is the mode-bound slice of the payment processor the
// orchestrator needs. *stripe.ModeClient satisfies it.
type Processor interface {
	Mode() stripe.Mode
	CreateCustomer(ctx context.Context, email, name string) (*stripego.Customer, error)
	GetCustomer(ctx context.Context, id string) (*stripego.Customer, error)
	CreatePaymentIntent(ctx context.Context, p stripe.IntentParams) (*stripego.PaymentIntent, error)
	CreateOffSessionIntent(ctx context.Context, p stripe.OffSessionParams) (*stripego.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripego.PaymentIntent, error)
	UpdateIntentDescription(ctx context.Context, id, description string) error
	UpdateChargeDescription(ctx context.Context, id, description string) error
	CreateRefund(ctx context.Context, chargeID string, amountCents int64, metadata map[string]string) (*stripego.Refund, error)
}

var _ Processor = (*stripe.ModeClient)(nil)

// Source hands out a mode-bound processor; the webhook and upsell flows
// pick the mode per request.
type Source interface {
	ProcessorFor(mode stripe.Mode) (Processor, error)
}

// StripeSource adapts the shared Stripe client to the Source contract.
type StripeSource struct {
	Client *stripe.Client
}

func (s StripeSource) ProcessorFor(mode stripe.Mode) (Processor, error) {
	return s.Client.ForMode(mode)
}

// Orchestrator creates and reuses processor customers and opens payment
// intents for amounts the pricing engine computed.
type Orchestrator struct {
	kv         redis.KV
	mappingTTL time.Duration
	logger     *logger.Logger
}

// NewOrchestrator validates dependencies and builds the orchestrator.
func NewOrchestrator(kv redis.KV, mappingTTL time.Duration, logg *logger.Logger) (*Orchestrator, error) {
	if kv == nil {
		return nil, errKVRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	return &Orchestrator{kv: kv, mappingTTL: mappingTTL, logger: logg}, nil
}

// EnsureCustomer returns the processor customer for a buyer, reusing the
// stored mapping keyed by (linked account, mode) so one local account
// never accumulates duplicate processor records per mode.
func (o *Orchestrator) EnsureCustomer(ctx context.Context, proc Processor, buyer draft.Customer) (string, error) {
	mode := string(proc.Mode())
	var mappingKey string
	if buyer.AccountID > 0 {
		mappingKey = o.kv.ProcessorCustomerKey(mode, strconv.FormatInt(buyer.AccountID, 10))
		cached, err := o.kv.Get(ctx, mappingKey)
		if err == nil && cached != "" {
			return cached, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading processor customer mapping")
		}
	}

	cust, err := proc.CreateCustomer(ctx, buyer.Email, buyer.Name)
	if err != nil {
		return "", err
	}
	if mappingKey != "" {
		if err := o.kv.Set(ctx, mappingKey, cust.ID, o.mappingTTL); err != nil {
			o.logger.Warn(o.logger.WithFields(ctx, map[string]any{
				"account_id":  buyer.AccountID,
				"stripe_mode": mode,
			}), "storing processor customer mapping failed")
		}
	}
	return cust.ID, nil
}

// IntentRequest describes the checkout intent to open.
type IntentRequest struct {
	AmountCents int64
	Currency    string
	CustomerID  string
	DraftID     string
	FunnelID    string
	Description string
}

// CreateIntent opens the payment intent carrying the draft id in its
// metadata. A failure surfaces to the caller; it is never retried here
// since a blind retry could double-authorize.
func (o *Orchestrator) CreateIntent(ctx context.Context, proc Processor, req IntentRequest) (*stripego.PaymentIntent, error) {
	if req.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent amount must be positive")
	}
	intent, err := proc.CreatePaymentIntent(ctx, stripe.IntentParams{
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		CustomerID:  req.CustomerID,
		Description: req.Description,
		Metadata: map[string]string{
			"draft_id":  req.DraftID,
			"funnel_id": req.FunnelID,
		},
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info(o.logger.WithFields(ctx, map[string]any{
		"draft_id":  req.DraftID,
		"intent_id": intent.ID,
		"amount":    req.AmountCents,
	}), "payment intent created")
	return intent, nil
}

// OffSessionRequest describes a follow-up charge against the parent
// payment's saved method.
type OffSessionRequest struct {
	AmountCents    int64
	Currency       string
	CustomerID     string
	ParentIntentID string
	Description    string
	Metadata       map[string]string
}

// ChargeOffSession charges the customer without them present, preferring
// the payment method captured on the parent intent and falling back to
// the customer's default method.
func (o *Orchestrator) ChargeOffSession(ctx context.Context, proc Processor, req OffSessionRequest) (*stripego.PaymentIntent, error) {
	if req.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge amount must be positive")
	}

	methodID, err := o.resolvePaymentMethod(ctx, proc, req)
	if err != nil {
		return nil, err
	}
	if methodID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no reusable payment method on file")
	}

	intent, err := proc.CreateOffSessionIntent(ctx, stripe.OffSessionParams{
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		CustomerID:      req.CustomerID,
		PaymentMethodID: methodID,
		Description:     req.Description,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info(o.logger.WithFields(ctx, map[string]any{
		"intent_id":     intent.ID,
		"parent_intent": req.ParentIntentID,
		"amount":        req.AmountCents,
	}), "off-session charge created")
	return intent, nil
}

// UpdateDescriptions relabels the intent and its charge in the processor
// dashboard after materialization. Best effort: failures are logged and
// never fail the order.
func (o *Orchestrator) UpdateDescriptions(ctx context.Context, proc Processor, intentID, chargeID, description string) {
	if description == "" {
		return
	}
	if intentID != "" {
		if err := proc.UpdateIntentDescription(ctx, intentID, description); err != nil {
			o.logger.Warn(o.logger.WithField(ctx, "intent_id", intentID), "updating intent description failed")
		}
	}
	if chargeID != "" {
		if err := proc.UpdateChargeDescription(ctx, chargeID, description); err != nil {
			o.logger.Warn(o.logger.WithField(ctx, "charge_id", chargeID), "updating charge description failed")
		}
	}
}

func (o *Orchestrator) resolvePaymentMethod(ctx context.Context, proc Processor, req OffSessionRequest) (string, error) {
	if req.ParentIntentID != "" {
		parent, err := proc.GetPaymentIntent(ctx, req.ParentIntentID)
		if err != nil {
			return "", err
		}
		if parent.PaymentMethod != nil && parent.PaymentMethod.ID != "" {
			return parent.PaymentMethod.ID, nil
		}
	}
	if req.CustomerID == "" {
		return "", nil
	}
	cust, err := proc.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return "", err
	}
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		return cust.InvoiceSettings.DefaultPaymentMethod.ID, nil
	}
	return "", nil
}
