package controllers

import (
	"context"
	"net/http"

	"github.com/holisticpeople/funnel-bridge/api/responses"
	"github.com/holisticpeople/funnel-bridge/api/validators"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

// OrderResolver maps a payment intent back to its materialized order.
type OrderResolver interface {
	FindOrderByPaymentIntent(ctx context.Context, intentID string) (*commerce.Order, error)
}

type orderResolveResponse struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
}

// OrdersResolve looks up the order behind a payment intent. The thank-you
// page polls this while the webhook is still in flight, so a miss is
// answered with no-store to keep intermediaries from caching the 404.
func OrdersResolve(resolver OrderResolver, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		intentID, err := validators.RequireQuery(r, "pi")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		order, err := resolver.FindOrderByPaymentIntent(ctx, intentID)
		if err != nil {
			if appErr := pkgerrors.As(err); appErr != nil && appErr.Code() == pkgerrors.CodeNotFound {
				w.Header().Set("Cache-Control", "no-store")
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not ready"))
				return
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, orderResolveResponse{OrderID: order.ID, OrderNumber: order.Number})
	}
}
