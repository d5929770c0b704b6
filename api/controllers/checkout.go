package controllers

import (
	"context"
	"net/http"

	"github.com/holisticpeople/funnel-bridge/api/responses"
	"github.com/holisticpeople/funnel-bridge/api/validators"
	checkoutsvc "github.com/holisticpeople/funnel-bridge/internal/checkout"
	"github.com/holisticpeople/funnel-bridge/internal/draft"
	"github.com/holisticpeople/funnel-bridge/internal/pricing"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

// CheckoutService is the slice of the checkout service the controllers use.
type CheckoutService interface {
	Totals(ctx context.Context, funnelID string, req pricing.Request) (*pricing.Quote, error)
	Begin(ctx context.Context, req checkoutsvc.BeginRequest) (*checkoutsvc.BeginResult, error)
}

type itemPayload struct {
	ProductID                 int64    `json:"product_id,omitempty"`
	SKU                       string   `json:"sku,omitempty"`
	Quantity                  int      `json:"quantity" validate:"gt=0"`
	ItemDiscountPercent       *float64 `json:"item_discount_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	ExcludeFromGlobalDiscount *bool    `json:"exclude_from_global_discount,omitempty"`
}

type shippingPayload struct {
	Label       string `json:"label"`
	AmountCents int64  `json:"amount_cents" validate:"gte=0"`
}

type totalsRequest struct {
	FunnelID       string           `json:"funnel_id" validate:"required"`
	Items          []itemPayload    `json:"items" validate:"required,min=1,dive"`
	CouponCodes    []string         `json:"coupon_codes,omitempty"`
	Shipping       *shippingPayload `json:"shipping,omitempty"`
	PointsToRedeem int              `json:"points_to_redeem,omitempty" validate:"gte=0"`
}

type intentRequest struct {
	FunnelID        string                  `json:"funnel_id" validate:"required"`
	Email           string                  `json:"email" validate:"required,email"`
	Name            string                  `json:"name,omitempty"`
	Billing         *commerce.Address       `json:"billing,omitempty"`
	ShippingAddress *commerce.Address       `json:"shipping_address,omitempty"`
	Items           []itemPayload           `json:"items" validate:"required,min=1,dive"`
	CouponCodes     []string                `json:"coupon_codes,omitempty"`
	Shipping        *shippingPayload        `json:"shipping,omitempty"`
	PointsToRedeem  int                     `json:"points_to_redeem,omitempty" validate:"gte=0"`
	Analytics       *commerce.AnalyticsTags `json:"analytics,omitempty"`
}

type linePayload struct {
	ProductID                  int64    `json:"product_id"`
	SKU                        string   `json:"sku,omitempty"`
	Name                       string   `json:"name"`
	Quantity                   int      `json:"quantity"`
	UnitPriceCents             int64    `json:"unit_price_cents"`
	SubtotalCents              int64    `json:"subtotal_cents"`
	TotalCents                 int64    `json:"total_cents"`
	ItemDiscountPercent        *float64 `json:"item_discount_percent,omitempty"`
	ExcludedFromGlobalDiscount bool     `json:"excluded_from_global_discount,omitempty"`
}

type quotePayload struct {
	Lines               []linePayload `json:"lines"`
	ItemsSubtotalCents  int64         `json:"items_subtotal_cents"`
	ItemsTotalCents     int64         `json:"items_total_cents"`
	GlobalDiscountCents int64         `json:"global_discount_cents"`
	GlobalDiscountName  string        `json:"global_discount_name,omitempty"`
	CouponDiscountCents int64         `json:"coupon_discount_cents"`
	AppliedCouponCodes  []string      `json:"applied_coupon_codes,omitempty"`
	PointsDiscountCents int64         `json:"points_discount_cents"`
	PointsApplied       int           `json:"points_applied"`
	ShippingCents       int64         `json:"shipping_cents"`
	ShippingLabel       string        `json:"shipping_label,omitempty"`
	GrandTotalCents     int64         `json:"grand_total_cents"`
}

type intentResponse struct {
	OrderDraftID   string `json:"order_draft_id"`
	ClientSecret   string `json:"client_secret"`
	PublishableKey string `json:"publishable_key"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	Mode           string `json:"mode"`
}

// CheckoutTotals previews the amount breakdown for a funnel cart.
func CheckoutTotals(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req totalsRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		quote, err := svc.Totals(ctx, req.FunnelID, pricingRequest(req.Items, req.CouponCodes, req.Shipping, req.PointsToRedeem))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, quoteToPayload(quote))
	}
}

// CheckoutIntent opens a payment intent for a funnel cart and returns
// what the payment form needs to mount.
func CheckoutIntent(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req intentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		begin := checkoutsvc.BeginRequest{
			FunnelID: req.FunnelID,
			Customer: draft.Customer{Email: req.Email, Name: req.Name},
			Pricing:  pricingRequest(req.Items, req.CouponCodes, req.Shipping, req.PointsToRedeem),
		}
		if req.Billing != nil {
			begin.Billing = *req.Billing
		}
		if req.ShippingAddress != nil {
			begin.ShippingAddress = *req.ShippingAddress
		}
		if req.Analytics != nil {
			begin.Analytics = *req.Analytics
		}

		result, err := svc.Begin(ctx, begin)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, intentResponse{
			OrderDraftID:   result.DraftID,
			ClientSecret:   result.ClientSecret,
			PublishableKey: result.PublishableKey,
			AmountCents:    result.AmountCents,
			Currency:       result.Currency,
			Mode:           result.Mode,
		})
	}
}

func pricingRequest(items []itemPayload, coupons []string, shipping *shippingPayload, pointsToRedeem int) pricing.Request {
	req := pricing.Request{
		CouponCodes:    coupons,
		PointsToRedeem: pointsToRedeem,
	}
	for _, item := range items {
		req.Items = append(req.Items, pricing.ItemInput{
			ProductID:                 item.ProductID,
			SKU:                       item.SKU,
			Quantity:                  item.Quantity,
			ItemDiscountPercent:       item.ItemDiscountPercent,
			ExcludeFromGlobalDiscount: item.ExcludeFromGlobalDiscount,
		})
	}
	if shipping != nil {
		req.Shipping = &pricing.ShippingInput{Label: shipping.Label, AmountCents: shipping.AmountCents}
	}
	return req
}

func quoteToPayload(quote *pricing.Quote) quotePayload {
	payload := quotePayload{
		Lines:               make([]linePayload, 0, len(quote.Lines)),
		ItemsSubtotalCents:  quote.ItemsSubtotalCents,
		ItemsTotalCents:     quote.ItemsTotalCents,
		GlobalDiscountCents: quote.GlobalDiscountCents,
		GlobalDiscountName:  quote.GlobalDiscountName,
		CouponDiscountCents: quote.CouponDiscountCents,
		AppliedCouponCodes:  quote.AppliedCouponCodes,
		PointsDiscountCents: quote.PointsDiscountCents,
		PointsApplied:       quote.PointsApplied,
		ShippingCents:       quote.ShippingCents,
		ShippingLabel:       quote.ShippingLabel,
		GrandTotalCents:     quote.GrandTotalCents,
	}
	for _, line := range quote.Lines {
		payload.Lines = append(payload.Lines, linePayload{
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
	return payload
}
