package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/holisticpeople/funnel-bridge/internal/draft"
	"github.com/holisticpeople/funnel-bridge/internal/funnel"
	"github.com/holisticpeople/funnel-bridge/internal/payments"
	"github.com/holisticpeople/funnel-bridge/internal/pricing"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/metrics"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

var (
	errRegistryRequired = errors.New("checkout funnel registry is required")
	errEngineRequired   = errors.New("checkout pricing engine is required")
	errHostRequired     = errors.New("checkout commerce host is required")
	errDraftsRequired   = errors.New("checkout draft store is required")
	errPaymentsRequired = errors.New("checkout payment orchestrator is required")
	errSourceRequired   = errors.New("checkout processor source is required")
	errCurrencyRequired = errors.New("checkout currency is required")
	errLoggerRequired   = errors.New("checkout logger is required")
)

// Processor extends the payment orchestrator's processor contract with
// the publishable key the funnel page needs to mount the payment form.
// *stripe.ModeClient satisfies it.
type Processor interface {
	payments.Processor
	PublishableKey() string
}

var _ Processor = (*stripe.ModeClient)(nil)

// Source hands out a mode-bound processor per request.
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

// BeginRequest carries everything the funnel page submits to open a
// payment intent.
type BeginRequest struct {
	FunnelID        string
	Customer        draft.Customer
	Billing         commerce.Address
	ShippingAddress commerce.Address
	Pricing         pricing.Request
	Analytics       commerce.AnalyticsTags
}

// BeginResult is what the funnel page needs to mount the payment form.
type BeginResult struct {
	DraftID        string
	ClientSecret   string
	PublishableKey string
	AmountCents    int64
	Currency       string
	Mode           string
}

// Service runs the buyer-facing half of checkout: totals preview and
// intent creation. The webhook half lives in the materializer.
type Service struct {
	registry          *funnel.Registry
	engine            *pricing.Engine
	host              commerce.Host
	drafts            *draft.Store
	orchestrator      *payments.Orchestrator
	processors        Source
	currency          string
	descriptionPrefix string
	metrics           *metrics.CheckoutMetrics
	logger            *logger.Logger
}

// NewService validates dependencies and builds the checkout service.
func NewService(
	registry *funnel.Registry,
	engine *pricing.Engine,
	host commerce.Host,
	drafts *draft.Store,
	orchestrator *payments.Orchestrator,
	processors Source,
	currency string,
	descriptionPrefix string,
	checkoutMetrics *metrics.CheckoutMetrics,
	logg *logger.Logger,
) (*Service, error) {
	if registry == nil {
		return nil, errRegistryRequired
	}
	if engine == nil {
		return nil, errEngineRequired
	}
	if host == nil {
		return nil, errHostRequired
	}
	if drafts == nil {
		return nil, errDraftsRequired
	}
	if orchestrator == nil {
		return nil, errPaymentsRequired
	}
	if processors == nil {
		return nil, errSourceRequired
	}
	if currency == "" {
		return nil, errCurrencyRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	return &Service{
		registry:          registry,
		engine:            engine,
		host:              host,
		drafts:            drafts,
		orchestrator:      orchestrator,
		processors:        processors,
		currency:          currency,
		descriptionPrefix: descriptionPrefix,
		metrics:           checkoutMetrics,
		logger:            logg,
	}, nil
}

// Totals prices the submitted cart without side effects. The commit path
// runs the identical computation, so a preview never differs from the
// amount later charged.
func (s *Service) Totals(ctx context.Context, funnelID string, req pricing.Request) (*pricing.Quote, error) {
	f, err := s.registry.Get(funnelID)
	if err != nil {
		return nil, err
	}
	return s.engine.Price(ctx, f, req)
}

// Begin prices the cart, ensures a processor customer, persists the
// draft, and opens the payment intent. The draft id rides in the intent
// metadata; the webhook uses it to materialize the order.
func (s *Service) Begin(ctx context.Context, req BeginRequest) (*BeginResult, error) {
	ctx = s.logger.WithFunnelID(ctx, req.FunnelID)

	f, err := s.registry.Get(req.FunnelID)
	if err != nil {
		s.metrics.IncIntent(req.FunnelID, "rejected")
		return nil, err
	}
	mode, err := f.ResolveMode()
	if err != nil {
		s.metrics.IncIntent(req.FunnelID, "rejected")
		return nil, err
	}
	proc, err := s.processors.ProcessorFor(mode)
	if err != nil {
		s.metrics.IncIntent(req.FunnelID, "error")
		return nil, err
	}

	buyer := s.resolveBuyer(ctx, req.Customer)

	quote, err := s.engine.Price(ctx, f, req.Pricing)
	if err != nil {
		s.metrics.IncIntent(req.FunnelID, "error")
		return nil, err
	}
	if quote.GrandTotalCents <= 0 {
		s.metrics.IncIntent(req.FunnelID, "rejected")
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order total must be positive").
			WithDetails(map[string]any{"amount_cents": quote.GrandTotalCents})
	}

	customerID, err := s.orchestrator.EnsureCustomer(ctx, proc, buyer)
	if err != nil {
		s.metrics.IncIntent(req.FunnelID, "error")
		return nil, err
	}

	d := &draft.Draft{
		FunnelID:          f.ID,
		FunnelName:        f.Name,
		Mode:              string(mode),
		Customer:          buyer,
		Billing:           req.Billing,
		ShippingAddress:   req.ShippingAddress,
		Items:             req.Pricing.Items,
		CouponCodes:       req.Pricing.CouponCodes,
		Shipping:          req.Pricing.Shipping,
		// The raw request rides in the draft. Materialization re-prices and
		// re-clamps from the same inputs, so its total matches the charge;
		// storing the clamped point count would round to a different amount.
		PointsToRedeem:    req.Pricing.PointsToRedeem,
		Analytics:         req.Analytics,
		Currency:          s.currency,
		AmountCents:       quote.GrandTotalCents,
		ProcessorCustomer: customerID,
	}
	if err := s.drafts.Create(ctx, d); err != nil {
		s.metrics.IncIntent(req.FunnelID, "error")
		return nil, err
	}
	ctx = s.logger.WithDraftID(ctx, d.ID)

	intent, err := s.orchestrator.CreateIntent(ctx, proc, payments.IntentRequest{
		AmountCents: quote.GrandTotalCents,
		Currency:    s.currency,
		CustomerID:  customerID,
		DraftID:     d.ID,
		FunnelID:    f.ID,
		Description: s.describe(f),
	})
	if err != nil {
		// The draft is useless without an intent; drop it rather than let
		// it sit out its TTL.
		if delErr := s.drafts.Delete(ctx, d.ID); delErr != nil {
			s.logger.Warn(ctx, "deleting orphaned draft failed")
		}
		s.metrics.IncIntent(req.FunnelID, "error")
		return nil, err
	}

	s.metrics.IncIntent(req.FunnelID, "created")
	s.logger.Info(ctx, "checkout intent opened")
	return &BeginResult{
		DraftID:        d.ID,
		ClientSecret:   intent.ClientSecret,
		PublishableKey: proc.PublishableKey(),
		AmountCents:    quote.GrandTotalCents,
		Currency:       s.currency,
		Mode:           string(mode),
	}, nil
}

// resolveBuyer links the buyer to an existing host account by email so
// points redemption and customer reuse apply. A lookup failure degrades
// to a guest checkout.
func (s *Service) resolveBuyer(ctx context.Context, buyer draft.Customer) draft.Customer {
	if buyer.AccountID > 0 || buyer.Email == "" {
		return buyer
	}
	account, err := s.host.FindCustomerByEmail(ctx, buyer.Email)
	if err != nil {
		if appErr := pkgerrors.As(err); appErr == nil || appErr.Code() != pkgerrors.CodeNotFound {
			s.logger.Warn(ctx, "customer lookup failed; continuing as guest")
		}
		return buyer
	}
	buyer.AccountID = account.AccountID
	if buyer.Name == "" {
		buyer.Name = account.DisplayName
	}
	return buyer
}

func (s *Service) describe(f *funnel.Funnel) string {
	label := f.Name
	if label == "" {
		label = f.ID
	}
	if s.descriptionPrefix == "" {
		return label
	}
	return fmt.Sprintf("%s: %s", s.descriptionPrefix, label)
}
