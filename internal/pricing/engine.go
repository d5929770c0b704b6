package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/holisticpeople/funnel-bridge/internal/funnel"
	"github.com/holisticpeople/funnel-bridge/internal/money"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

var (
	errCatalogRequired   = errors.New("pricing catalog is required")
	errCouponsRequired   = errors.New("pricing coupon evaluator is required")
	errConverterRequired = errors.New("pricing points converter is required")
	errLoggerRequired    = errors.New("pricing logger is required")
)

// Catalog resolves checkout payload items against the host catalog.
type Catalog interface {
	ResolveProductByID(ctx context.Context, id int64) (*commerce.Product, error)
	ResolveProductBySKU(ctx context.Context, sku string) (*commerce.Product, error)
}

// CouponEvaluator delegates coupon math to the host's own coupon engine.
type CouponEvaluator interface {
	EvaluateCoupons(ctx context.Context, codes []string, lines []commerce.OrderLine) (*commerce.CouponQuote, error)
}

// Converter translates loyalty points to cents and back.
type Converter interface {
	ToMoney(points int) int64
	FromMoney(cents int64) int
}

// ItemInput is one raw item from the checkout payload. Discount fields
// are pointers so an explicit caller instruction is distinguishable from
// absence; explicit instructions always win over funnel overrides.
type ItemInput struct {
	ProductID                 int64    `json:"product_id,omitempty"`
	SKU                       string   `json:"sku,omitempty"`
	Quantity                  int      `json:"quantity"`
	ItemDiscountPercent       *float64 `json:"item_discount_percent,omitempty"`
	ExcludeFromGlobalDiscount *bool    `json:"exclude_from_global_discount,omitempty"`
}

// ShippingInput is the rate the buyer selected on the funnel page.
type ShippingInput struct {
	Label       string `json:"label"`
	AmountCents int64  `json:"amount_cents"`
}

// Request carries every input the engine prices against.
type Request struct {
	Items          []ItemInput
	CouponCodes    []string
	Shipping       *ShippingInput
	PointsToRedeem int
}

// Line is one fully-priced item row.
type Line struct {
	ProductID                  int64
	SKU                        string
	Name                       string
	Quantity                   int
	UnitPriceCents             int64
	SubtotalCents              int64
	TotalCents                 int64
	ItemDiscountPercent        *float64
	ExcludedFromGlobalDiscount bool
}

// Quote is the engine's full answer; the commit path materializes it
// verbatim, the preview path discards it after rendering.
type Quote struct {
	Lines               []Line
	GlobalDiscountCents int64
	GlobalDiscountName  string
	CouponDiscountCents int64
	AppliedCouponCodes  []string
	PointsDiscountCents int64
	PointsApplied       int
	ShippingCents       int64
	ShippingLabel       string
	ItemsSubtotalCents  int64
	ItemsTotalCents     int64
	GrandTotalCents     int64
}

// Engine computes order totals; the same computation backs preview and
// commit so the two can never disagree on the charge amount.
type Engine struct {
	catalog Catalog
	coupons CouponEvaluator
	points  Converter
	logger  *logger.Logger
}

// NewEngine validates dependencies and builds the pricing engine.
func NewEngine(catalog Catalog, coupons CouponEvaluator, points Converter, logg *logger.Logger) (*Engine, error) {
	if catalog == nil {
		return nil, errCatalogRequired
	}
	if coupons == nil {
		return nil, errCouponsRequired
	}
	if points == nil {
		return nil, errConverterRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	return &Engine{catalog: catalog, coupons: coupons, points: points, logger: logg}, nil
}

// Price runs the full pricing pass for one funnel checkout.
func (e *Engine) Price(ctx context.Context, f *funnel.Funnel, req Request) (*Quote, error) {
	if f == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "funnel is not configured")
	}
	ctx = e.logger.WithFunnelID(ctx, f.ID)

	lines, err := e.resolveLines(ctx, f, req.Items)
	if err != nil {
		return nil, err
	}

	quote := &Quote{Lines: lines}
	for _, line := range lines {
		quote.ItemsSubtotalCents += line.SubtotalCents
		quote.ItemsTotalCents += line.TotalCents
	}

	// Global discount comes off the subtotals of non-excluded items as a
	// single negative fee; item totals themselves never move for it.
	if f.GlobalDiscountPercent > 0 {
		var base int64
		for _, line := range lines {
			if !line.ExcludedFromGlobalDiscount {
				base += line.SubtotalCents
			}
		}
		if base > 0 {
			quote.GlobalDiscountCents = money.ApplyPercent(base, f.GlobalDiscountPercent)
			quote.GlobalDiscountName = fmt.Sprintf("%s discount (%s%%)", funnelLabel(f), trimPercent(f.GlobalDiscountPercent))
		}
	}

	if len(req.CouponCodes) > 0 && len(lines) > 0 {
		couponQuote, err := e.coupons.EvaluateCoupons(ctx, req.CouponCodes, orderLines(lines))
		if err != nil {
			return nil, err
		}
		quote.CouponDiscountCents = couponQuote.DiscountCents
		quote.AppliedCouponCodes = couponQuote.AppliedCodes
	}

	// Points may never touch shipping and never push products below zero.
	productsNet := quote.ItemsTotalCents - quote.CouponDiscountCents - quote.GlobalDiscountCents
	if productsNet < 0 {
		productsNet = 0
	}
	if req.PointsToRedeem > 0 && productsNet > 0 {
		requested := e.points.ToMoney(req.PointsToRedeem)
		if requested > productsNet {
			requested = productsNet
		}
		quote.PointsDiscountCents = requested
		quote.PointsApplied = e.points.FromMoney(requested)
	}

	if req.Shipping != nil {
		quote.ShippingCents = req.Shipping.AmountCents
		quote.ShippingLabel = req.Shipping.Label
	}

	// A cart whose items all failed to resolve prices to zero; shipping
	// alone is never charged.
	if len(quote.Lines) == 0 {
		return quote, nil
	}

	// The engine's own sum is authoritative for the charge amount; the
	// host's re-aggregation is never trusted.
	grand := quote.ItemsTotalCents -
		quote.GlobalDiscountCents -
		quote.CouponDiscountCents -
		quote.PointsDiscountCents +
		quote.ShippingCents
	if grand < 0 {
		grand = 0
	}
	quote.GrandTotalCents = grand
	return quote, nil
}

func (e *Engine) resolveLines(ctx context.Context, f *funnel.Funnel, items []ItemInput) ([]Line, error) {
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		product, err := e.resolveProduct(ctx, item)
		if err != nil {
			return nil, err
		}
		if product == nil || !product.Purchasable {
			// Stale funnel payloads degrade instead of failing the preview.
			e.logger.Warn(e.logger.WithFields(ctx, map[string]any{
				"product_id": item.ProductID,
				"sku":        item.SKU,
			}), "dropping unresolvable checkout item")
			continue
		}
		lines = append(lines, priceLine(f, item, product))
	}
	return lines, nil
}

func (e *Engine) resolveProduct(ctx context.Context, item ItemInput) (*commerce.Product, error) {
	if item.ProductID > 0 {
		product, err := e.catalog.ResolveProductByID(ctx, item.ProductID)
		if err == nil {
			return product, nil
		}
		if appErr := pkgerrors.As(err); appErr == nil || appErr.Code() != pkgerrors.CodeNotFound {
			return nil, err
		}
	}
	if item.SKU == "" {
		return nil, nil
	}
	product, err := e.catalog.ResolveProductBySKU(ctx, item.SKU)
	if err != nil {
		if appErr := pkgerrors.As(err); appErr != nil && appErr.Code() == pkgerrors.CodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return product, nil
}

func priceLine(f *funnel.Funnel, item ItemInput, product *commerce.Product) Line {
	line := Line{
		ProductID: product.ID,
		SKU:       product.SKU,
		Name:      product.Name,
		Quantity:  item.Quantity,
	}
	qty := int64(item.Quantity)
	regular := product.RegularCents
	if regular <= 0 {
		regular = product.PriceCents
	}

	explicit := item.ItemDiscountPercent != nil || item.ExcludeFromGlobalDiscount != nil
	if explicit {
		line.ExcludedFromGlobalDiscount = item.ExcludeFromGlobalDiscount != nil && *item.ExcludeFromGlobalDiscount
		if item.ItemDiscountPercent != nil {
			pct := clampPercent(*item.ItemDiscountPercent)
			line.ItemDiscountPercent = &pct
			line.UnitPriceCents = money.DiscountedUnitPrice(regular, pct)
			line.SubtotalCents = regular * qty
			line.TotalCents = line.UnitPriceCents * qty
			return line
		}
		line.UnitPriceCents = product.PriceCents
		line.SubtotalCents = product.PriceCents * qty
		line.TotalCents = line.SubtotalCents
		return line
	}

	if override := f.OverrideFor(product.ID, product.SKU); override != nil && override.ExcludeFromGlobalDiscount {
		line.ExcludedFromGlobalDiscount = true
		if override.ItemDiscountPercent != nil {
			pct := clampPercent(*override.ItemDiscountPercent)
			line.ItemDiscountPercent = &pct
			line.UnitPriceCents = money.DiscountedUnitPrice(regular, pct)
			line.SubtotalCents = regular * qty
			line.TotalCents = line.UnitPriceCents * qty
			return line
		}
	}

	line.UnitPriceCents = product.PriceCents
	line.SubtotalCents = product.PriceCents * qty
	line.TotalCents = line.SubtotalCents
	return line
}

// AllocatePointsByLine spreads the applied points across lines in
// proportion to line totals; refunds later return points using the same
// allocation.
func (q *Quote) AllocatePointsByLine() []int {
	weights := make([]int64, len(q.Lines))
	for i, line := range q.Lines {
		weights[i] = line.TotalCents
	}
	shares := money.SplitProportionally(int64(q.PointsApplied), weights)
	out := make([]int, len(shares))
	for i, s := range shares {
		out[i] = int(s)
	}
	return out
}

func orderLines(lines []Line) []commerce.OrderLine {
	out := make([]commerce.OrderLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, commerce.OrderLine{
			ProductID:                  line.ProductID,
			SKU:                        line.SKU,
			Name:                       line.Name,
			Quantity:                   line.Quantity,
			UnitPriceCents:             line.UnitPriceCents,
			SubtotalCents:              line.SubtotalCents,
			TotalCents:                 line.TotalCents,
			ItemDiscountPercent:        line.ItemDiscountPercent,
			ExcludedFromGlobalDiscount: line.ExcludedFromGlobalDiscount,
		})
	}
	return out
}

func clampPercent(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func funnelLabel(f *funnel.Funnel) string {
	if f.Name != "" {
		return f.Name
	}
	return f.ID
}

func trimPercent(pct float64) string {
	if pct == float64(int64(pct)) {
		return fmt.Sprintf("%d", int64(pct))
	}
	return fmt.Sprintf("%g", pct)
}
