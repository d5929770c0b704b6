package upsell

import (
	"context"
	"errors"
	"fmt"

	stripego "github.com/stripe/stripe-go/v84"

	"github.com/holisticpeople/funnel-bridge/internal/money"
	"github.com/holisticpeople/funnel-bridge/internal/payments"
	"github.com/holisticpeople/funnel-bridge/internal/pricing"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/metrics"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

var (
	errHostRequired     = errors.New("upsell commerce host is required")
	errCatalogRequired  = errors.New("upsell catalog is required")
	errPaymentsRequired = errors.New("upsell payment orchestrator is required")
	errSourceRequired   = errors.New("upsell processor source is required")
	errLoggerRequired   = errors.New("upsell logger is required")
)

// Item is one post-purchase offer line.
type Item struct {
	ProductID int64  `json:"product_id,omitempty"`
	SKU       string `json:"sku,omitempty"`
	Quantity  int    `json:"quantity"`
}

// Request charges a parent order's saved payment method for follow-up
// items, or for a bare amount when no items are given.
type Request struct {
	OrderID             int64
	Items               []Item
	AmountOverrideCents int64
	Description         string
}

// Result reports the charge the upsell produced.
type Result struct {
	OrderID     int64
	IntentID    string
	ChargeID    string
	AmountCents int64
}

// Service charges accepted upsells off-session and appends the resulting
// lines to the parent order.
type Service struct {
	host            commerce.Host
	catalog         pricing.Catalog
	orchestrator    *payments.Orchestrator
	processors      payments.Source
	discountPercent float64
	metrics         *metrics.CheckoutMetrics
	logger          *logger.Logger
}

// NewService validates dependencies and builds the upsell service.
func NewService(
	host commerce.Host,
	catalog pricing.Catalog,
	orchestrator *payments.Orchestrator,
	processors payments.Source,
	discountPercent float64,
	checkoutMetrics *metrics.CheckoutMetrics,
	logg *logger.Logger,
) (*Service, error) {
	if host == nil {
		return nil, errHostRequired
	}
	if catalog == nil {
		return nil, errCatalogRequired
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
	if discountPercent < 0 || discountPercent > 100 {
		return nil, fmt.Errorf("upsell discount percent %v out of range", discountPercent)
	}
	return &Service{
		host:            host,
		catalog:         catalog,
		orchestrator:    orchestrator,
		processors:      processors,
		discountPercent: discountPercent,
		metrics:         checkoutMetrics,
		logger:          logg,
	}, nil
}

// Charge prices the offer, charges the parent order's saved method
// off-session, and appends the new lines tagged with the new charge id.
func (s *Service) Charge(ctx context.Context, req Request) (*Result, error) {
	ctx = s.logger.WithOrderID(ctx, fmt.Sprintf("%d", req.OrderID))

	order, err := s.host.GetOrder(ctx, req.OrderID)
	if err != nil {
		s.metrics.IncUpsell("error")
		return nil, err
	}
	if order.ProcessorCustomer == "" {
		s.metrics.IncUpsell("rejected")
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no processor customer on file")
	}
	mode := stripe.Mode(order.ProcessorMode)
	if !mode.IsValid() {
		s.metrics.IncUpsell("rejected")
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "order has no processor mode recorded")
	}
	proc, err := s.processors.ProcessorFor(mode)
	if err != nil {
		s.metrics.IncUpsell("error")
		return nil, err
	}

	lines, amountCents, err := s.priceOffer(ctx, req)
	if err != nil {
		s.metrics.IncUpsell("rejected")
		return nil, err
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Upsell for order %s", order.Number)
	}
	intent, err := s.orchestrator.ChargeOffSession(ctx, proc, payments.OffSessionRequest{
		AmountCents:    amountCents,
		Currency:       currencyOf(order),
		CustomerID:     order.ProcessorCustomer,
		ParentIntentID: order.PaymentIntentID,
		Description:    description,
		Metadata: map[string]string{
			"order_id": fmt.Sprintf("%d", order.ID),
			"kind":     "upsell",
		},
	})
	if err != nil {
		s.metrics.IncUpsell("declined")
		return nil, err
	}

	chargeID := latestChargeID(intent)
	for i := range lines {
		lines[i].ChargeID = chargeID
	}
	var fee *commerce.FeeLine
	if len(lines) == 0 {
		fee = &commerce.FeeLine{
			Name:       description,
			Kind:       commerce.FeeKindUpsell,
			TotalCents: amountCents,
			ChargeID:   chargeID,
		}
	}
	if _, err := s.host.AppendUpsellLines(ctx, order.ID, lines, fee, amountCents); err != nil {
		// The money moved; the order update must be reconciled by hand.
		s.logger.Error(ctx, "appending upsell lines after successful charge failed", err)
		s.metrics.IncUpsell("partial")
		return nil, pkgerrors.Wrap(pkgerrors.CodePartialFailure, err, "upsell charged but order update failed")
	}

	s.metrics.IncUpsell("charged")
	s.logger.Info(s.logger.WithFields(ctx, map[string]any{
		"intent_id": intent.ID,
		"charge_id": chargeID,
		"amount":    amountCents,
	}), "upsell charged")
	return &Result{
		OrderID:     order.ID,
		IntentID:    intent.ID,
		ChargeID:    chargeID,
		AmountCents: amountCents,
	}, nil
}

// priceOffer turns the requested items into order lines at the upsell
// discount, or falls back to the bare amount override.
func (s *Service) priceOffer(ctx context.Context, req Request) ([]commerce.OrderLine, int64, error) {
	if len(req.Items) == 0 {
		if req.AmountOverrideCents <= 0 {
			return nil, 0, pkgerrors.New(pkgerrors.CodeValidation, "upsell needs items or a positive amount")
		}
		return nil, req.AmountOverrideCents, nil
	}

	var lines []commerce.OrderLine
	var total int64
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			continue
		}
		product, err := s.resolve(ctx, item)
		if err != nil {
			return nil, 0, err
		}
		unit := money.DiscountedUnitPrice(product.PriceCents, s.discountPercent)
		qty := int64(item.Quantity)
		pct := s.discountPercent
		lines = append(lines, commerce.OrderLine{
			ProductID:                  product.ID,
			SKU:                        product.SKU,
			Name:                       product.Name,
			Quantity:                   item.Quantity,
			UnitPriceCents:             unit,
			SubtotalCents:              product.PriceCents * qty,
			TotalCents:                 unit * qty,
			ItemDiscountPercent:        &pct,
			ExcludedFromGlobalDiscount: true,
		})
		total += unit * qty
	}
	if len(lines) == 0 || total <= 0 {
		return nil, 0, pkgerrors.New(pkgerrors.CodeValidation, "upsell items resolve to nothing chargeable")
	}
	return lines, total, nil
}

func (s *Service) resolve(ctx context.Context, item Item) (*commerce.Product, error) {
	if item.ProductID > 0 {
		product, err := s.catalog.ResolveProductByID(ctx, item.ProductID)
		if err == nil {
			return product, nil
		}
		if appErr := pkgerrors.As(err); appErr == nil || appErr.Code() != pkgerrors.CodeNotFound {
			return nil, err
		}
	}
	if item.SKU != "" {
		return s.catalog.ResolveProductBySKU(ctx, item.SKU)
	}
	return nil, pkgerrors.New(pkgerrors.CodeValidation, "upsell item has no product reference")
}

func currencyOf(order *commerce.Order) string {
	if order.Currency != "" {
		return order.Currency
	}
	return "usd"
}

func latestChargeID(intent *stripego.PaymentIntent) string {
	if intent == nil || intent.LatestCharge == nil {
		return ""
	}
	return intent.LatestCharge.ID
}
