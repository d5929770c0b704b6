package controllers

import (
	"context"
	"net/http"

	"github.com/holisticpeople/funnel-bridge/api/responses"
	"github.com/holisticpeople/funnel-bridge/api/validators"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

// CustomerLookup resolves a host account by email.
type CustomerLookup interface {
	FindCustomerByEmail(ctx context.Context, email string) (*commerce.Customer, error)
}

// PointsConverter values a points balance in cents.
type PointsConverter interface {
	ToMoney(points int) int64
}

type customerRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type customerResponse struct {
	AccountID        int64            `json:"account_id"`
	Email            string           `json:"email"`
	DisplayName      string           `json:"display_name,omitempty"`
	PointsBalance    int              `json:"points_balance"`
	PointsValueCents int64            `json:"points_value_cents"`
	DefaultBilling   commerce.Address `json:"default_billing"`
	DefaultShipping  commerce.Address `json:"default_shipping"`
}

// CustomerProfile returns the account profile and points balance the
// funnel page uses to prefill checkout and offer redemption.
func CustomerProfile(lookup CustomerLookup, converter PointsConverter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req customerRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		customer, err := lookup.FindCustomerByEmail(ctx, req.Email)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, customerResponse{
			AccountID:        customer.AccountID,
			Email:            customer.Email,
			DisplayName:      customer.DisplayName,
			PointsBalance:    customer.PointsBalance,
			PointsValueCents: converter.ToMoney(customer.PointsBalance),
			DefaultBilling:   customer.DefaultBilling,
			DefaultShipping:  customer.DefaultShipping,
		})
	}
}
