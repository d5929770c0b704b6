package materialize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holisticpeople/funnel-bridge/internal/draft"
	"github.com/holisticpeople/funnel-bridge/internal/funnel"
	"github.com/holisticpeople/funnel-bridge/internal/payments"
	"github.com/holisticpeople/funnel-bridge/internal/points"
	"github.com/holisticpeople/funnel-bridge/internal/pricing"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/metrics"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

var (
	errDraftsRequired   = errors.New("materialize draft store is required")
	errEngineRequired   = errors.New("materialize pricing engine is required")
	errRegistryRequired = errors.New("materialize funnel registry is required")
	errHostRequired     = errors.New("materialize commerce host is required")
	errPointsRequired   = errors.New("materialize points service is required")
	errPaymentsRequired = errors.New("materialize payment orchestrator is required")
	errSourceRequired   = errors.New("materialize processor source is required")
	errLoggerRequired   = errors.New("materialize logger is required")
)

// Notification is the distilled payment-success event.
type Notification struct {
	EventID     string
	IntentID    string
	DraftID     string
	ChargeID    string
	AmountCents int64
	Currency    string
	Livemode    bool
}

// Result reports what the notification produced. AlreadyProcessed marks
// the idempotent path: the draft was gone or claimed, so no new order was
// created.
type Result struct {
	OrderID          int64
	OrderNumber      string
	AlreadyProcessed bool
}

// Service turns a draft plus a successful payment into exactly one
// durable order.
type Service struct {
	drafts       *draft.Store
	engine       *pricing.Engine
	registry     *funnel.Registry
	host         commerce.Host
	points       *points.Service
	orchestrator *payments.Orchestrator
	processors   payments.Source
	metrics      *metrics.CheckoutMetrics
	logger       *logger.Logger
}

// NewService validates dependencies and builds the materializer.
func NewService(
	drafts *draft.Store,
	engine *pricing.Engine,
	registry *funnel.Registry,
	host commerce.Host,
	pointsSvc *points.Service,
	orchestrator *payments.Orchestrator,
	processors payments.Source,
	checkoutMetrics *metrics.CheckoutMetrics,
	logg *logger.Logger,
) (*Service, error) {
	if drafts == nil {
		return nil, errDraftsRequired
	}
	if engine == nil {
		return nil, errEngineRequired
	}
	if registry == nil {
		return nil, errRegistryRequired
	}
	if host == nil {
		return nil, errHostRequired
	}
	if pointsSvc == nil {
		return nil, errPointsRequired
	}
	if orchestrator == nil {
		return nil, errPaymentsRequired
	}
	if processors == nil {
		return nil, errSourceRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	return &Service{
		drafts:       drafts,
		engine:       engine,
		registry:     registry,
		host:         host,
		points:       pointsSvc,
		orchestrator: orchestrator,
		processors:   processors,
		metrics:      checkoutMetrics,
		logger:       logg,
	}, nil
}

// OnPaymentSucceeded materializes the order for one payment-success
// notification. Redeliveries are idempotent: once the draft is gone or
// claimed the call reports the existing order instead of creating one.
func (s *Service) OnPaymentSucceeded(ctx context.Context, n Notification) (*Result, error) {
	started := time.Now()
	ctx = s.logger.WithFields(ctx, map[string]any{
		"intent_id": n.IntentID,
		"draft_id":  n.DraftID,
	})

	if n.DraftID == "" {
		return s.alreadyHandled(ctx, n)
	}
	d, err := s.drafts.Get(ctx, n.DraftID)
	if err != nil {
		if appErr := pkgerrors.As(err); appErr != nil && appErr.Code() == pkgerrors.CodeNotFound {
			return s.alreadyHandled(ctx, n)
		}
		return nil, err
	}

	won, err := s.drafts.Claim(ctx, n.DraftID)
	if err != nil {
		return nil, err
	}
	if !won {
		s.logger.Info(ctx, "draft already claimed by a concurrent delivery")
		return s.alreadyHandled(ctx, n)
	}

	result, err := s.materialize(ctx, d, n)
	if err != nil {
		// The order was not saved; release the claim so the processor's
		// redelivery can retry the whole materialization.
		s.drafts.Release(ctx, n.DraftID)
		s.metrics.IncMaterialize("error")
		return nil, err
	}

	if err := s.drafts.Delete(ctx, n.DraftID); err != nil {
		s.logger.Warn(ctx, "deleting consumed draft failed; redelivery will resolve via order lookup")
	}
	s.drafts.MarkProcessed(ctx, n.IntentID, draft.ProcessedRef{
		OrderID:     result.OrderID,
		OrderNumber: result.OrderNumber,
	})
	s.metrics.IncMaterialize("created")
	s.metrics.ObserveMaterializeDuration(time.Since(started))
	return result, nil
}

func (s *Service) alreadyHandled(ctx context.Context, n Notification) (*Result, error) {
	result := &Result{AlreadyProcessed: true}
	if n.IntentID == "" {
		return result, nil
	}
	if ref, err := s.drafts.ProcessedOrder(ctx, n.IntentID); err == nil {
		result.OrderID = ref.OrderID
		result.OrderNumber = ref.OrderNumber
		return result, nil
	}
	order, err := s.host.FindOrderByPaymentIntent(ctx, n.IntentID)
	if err != nil {
		if appErr := pkgerrors.As(err); appErr != nil && appErr.Code() == pkgerrors.CodeNotFound {
			s.logger.Info(ctx, "notification for unknown intent; treating as handled")
			return result, nil
		}
		return nil, err
	}
	result.OrderID = order.ID
	result.OrderNumber = order.Number
	return result, nil
}

func (s *Service) materialize(ctx context.Context, d *draft.Draft, n Notification) (*Result, error) {
	f := s.funnelFor(ctx, d)

	// Re-derive the totals from the stored inputs; the amount cached at
	// intent-creation time is never trusted.
	quote, err := s.engine.Price(ctx, f, pricing.Request{
		Items:          d.Items,
		CouponCodes:    d.CouponCodes,
		Shipping:       d.Shipping,
		PointsToRedeem: d.PointsToRedeem,
	})
	if err != nil {
		return nil, err
	}
	if quote.GrandTotalCents != n.AmountCents && n.AmountCents > 0 {
		s.logger.Warn(s.logger.WithFields(ctx, map[string]any{
			"computed_cents": quote.GrandTotalCents,
			"captured_cents": n.AmountCents,
		}), "recomputed total differs from captured amount")
	}

	order := buildOrder(d, quote, n)
	created, err := s.host.CreateOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	ctx = s.logger.WithOrderID(ctx, fmt.Sprintf("%d", created.ID))

	// From here the durable order exists; follow-up failures are logged
	// rather than retried, since a retry would duplicate the order.
	if d.Customer.AccountID > 0 && quote.PointsApplied > 0 {
		if err := s.points.Redeem(ctx, d.Customer.AccountID, quote.PointsApplied, created.ID); err != nil {
			s.logger.Error(ctx, "debiting redeemed points failed", err)
		}
	}
	if err := s.host.MarkOrderPaid(ctx, created.ID, n.ChargeID); err != nil {
		s.logger.Error(ctx, "marking order paid failed", err)
	}
	s.relabelProcessor(ctx, d, n, created)

	s.logger.Info(ctx, "order materialized")
	return &Result{OrderID: created.ID, OrderNumber: created.Number}, nil
}

func (s *Service) funnelFor(ctx context.Context, d *draft.Draft) *funnel.Funnel {
	f, err := s.registry.Get(d.FunnelID)
	if err == nil {
		return f
	}
	// A funnel removed mid-checkout degrades to a zero-discount policy so
	// the paid-for order still materializes.
	s.logger.Warn(s.logger.WithFunnelID(ctx, d.FunnelID), "funnel config missing at materialization; using zero-discount default")
	return &funnel.Funnel{ID: d.FunnelID, Name: d.FunnelName, Mode: d.Mode}
}

func (s *Service) relabelProcessor(ctx context.Context, d *draft.Draft, n Notification, order *commerce.Order) {
	mode := stripe.Mode(d.Mode)
	if !mode.IsValid() {
		if n.Livemode {
			mode = stripe.ModeLive
		} else {
			mode = stripe.ModeTest
		}
	}
	proc, err := s.processors.ProcessorFor(mode)
	if err != nil {
		s.logger.Warn(ctx, "no processor for mode; skipping description update")
		return
	}
	description := fmt.Sprintf("Order %s (%s)", order.Number, d.FunnelName)
	if d.FunnelName == "" {
		description = fmt.Sprintf("Order %s", order.Number)
	}
	s.orchestrator.UpdateDescriptions(ctx, proc, n.IntentID, n.ChargeID, description)
}

func buildOrder(d *draft.Draft, quote *pricing.Quote, n Notification) commerce.NewOrder {
	pointsByLine := quote.AllocatePointsByLine()
	lines := make([]commerce.OrderLine, 0, len(quote.Lines))
	for i, line := range quote.Lines {
		lines = append(lines, commerce.OrderLine{
			ProductID:                  line.ProductID,
			SKU:                        line.SKU,
			Name:                       line.Name,
			Quantity:                   line.Quantity,
			UnitPriceCents:             line.UnitPriceCents,
			SubtotalCents:              line.SubtotalCents,
			TotalCents:                 line.TotalCents,
			ItemDiscountPercent:        line.ItemDiscountPercent,
			ExcludedFromGlobalDiscount: line.ExcludedFromGlobalDiscount,
			ChargeID:                   n.ChargeID,
			PointsAllocated:            pointsByLine[i],
		})
	}

	var fees []commerce.FeeLine
	if quote.GlobalDiscountCents > 0 {
		fees = append(fees, commerce.FeeLine{
			Name:       quote.GlobalDiscountName,
			Kind:       commerce.FeeKindGlobalDiscount,
			TotalCents: -quote.GlobalDiscountCents,
			ChargeID:   n.ChargeID,
		})
	}
	if quote.PointsDiscountCents > 0 {
		fees = append(fees, commerce.FeeLine{
			Name:       fmt.Sprintf("Points redemption (%d points)", quote.PointsApplied),
			Kind:       commerce.FeeKindPointsRedemption,
			TotalCents: -quote.PointsDiscountCents,
			ChargeID:   n.ChargeID,
		})
	}

	var shipping *commerce.ShippingLine
	if d.Shipping != nil {
		shipping = &commerce.ShippingLine{
			MethodTitle: d.Shipping.Label,
			TotalCents:  d.Shipping.AmountCents,
		}
	}

	return commerce.NewOrder{
		CustomerAccountID:  d.Customer.AccountID,
		CustomerEmail:      d.Customer.Email,
		CustomerName:       d.Customer.Name,
		Billing:            d.Billing,
		ShippingAddress:    d.ShippingAddress,
		Currency:           d.Currency,
		Lines:              lines,
		Fees:               fees,
		Shipping:           shipping,
		CouponCodes:        d.CouponCodes,
		PaymentIntentID:    n.IntentID,
		CheckoutChargeID:   n.ChargeID,
		ProcessorCustomer:  d.ProcessorCustomer,
		ProcessorMode:      d.Mode,
		ChargedAmountCents: quote.GrandTotalCents,
		PointsRedeemed:     quote.PointsApplied,
		FunnelID:           d.FunnelID,
		FunnelName:         d.FunnelName,
		Analytics:          d.Analytics,
	}
}
