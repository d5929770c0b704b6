package controllers

import (
	"context"
	"net/http"

	"github.com/holisticpeople/funnel-bridge/api/responses"
	"github.com/holisticpeople/funnel-bridge/api/validators"
	"github.com/holisticpeople/funnel-bridge/internal/upsell"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

// UpsellService charges a parent order's saved payment method.
type UpsellService interface {
	Charge(ctx context.Context, req upsell.Request) (*upsell.Result, error)
}

type upsellItemPayload struct {
	ProductID int64  `json:"product_id,omitempty"`
	SKU       string `json:"sku,omitempty"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type upsellRequest struct {
	OrderID     int64               `json:"order_id" validate:"required,gt=0"`
	Items       []upsellItemPayload `json:"items,omitempty" validate:"omitempty,dive"`
	AmountCents int64               `json:"amount_cents,omitempty" validate:"gte=0"`
	Description string              `json:"description,omitempty"`
}

type upsellResponse struct {
	OrderID     int64  `json:"order_id"`
	IntentID    string `json:"intent_id"`
	ChargeID    string `json:"charge_id"`
	AmountCents int64  `json:"amount_cents"`
}

// UpsellCharge runs the one-click post-purchase charge.
func UpsellCharge(svc UpsellService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req upsellRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		charge := upsell.Request{
			OrderID:             req.OrderID,
			AmountOverrideCents: req.AmountCents,
			Description:         req.Description,
		}
		for _, item := range req.Items {
			charge.Items = append(charge.Items, upsell.Item{
				ProductID: item.ProductID,
				SKU:       item.SKU,
				Quantity:  item.Quantity,
			})
		}

		result, err := svc.Charge(ctx, charge)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, upsellResponse{
			OrderID:     result.OrderID,
			IntentID:    result.IntentID,
			ChargeID:    result.ChargeID,
			AmountCents: result.AmountCents,
		})
	}
}
