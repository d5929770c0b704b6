package controllers

import (
	"context"
	"net/http"

	"github.com/holisticpeople/funnel-bridge/api/responses"
	"github.com/holisticpeople/funnel-bridge/api/validators"
	"github.com/holisticpeople/funnel-bridge/internal/refunds"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

// RefundService previews and applies per-line refunds.
type RefundService interface {
	Preview(ctx context.Context, orderID int64) (*refunds.Preview, error)
	Apply(ctx context.Context, req refunds.ApplyRequest) (*refunds.ApplyResult, error)
}

type refundLinePayload struct {
	LineID      int64 `json:"line_id" validate:"required,gt=0"`
	AmountCents int64 `json:"amount_cents" validate:"gte=0"`
	Points      int   `json:"points,omitempty" validate:"gte=0"`
}

type refundApplyRequest struct {
	OrderID int64               `json:"order_id" validate:"required,gt=0"`
	Lines   []refundLinePayload `json:"lines" validate:"required,min=1,dive"`
	Reason  string              `json:"reason,omitempty"`
}

type refundApplyResponse struct {
	RecordID           int64    `json:"record_id,omitempty"`
	AmountCents        int64    `json:"amount_cents"`
	ProcessorRefundIDs []string `json:"processor_refund_ids,omitempty"`
	PointsReturned     int      `json:"points_returned,omitempty"`
}

// RefundsPreview reports the remaining refundable amount per line.
func RefundsPreview(svc RefundService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		orderID, err := validators.RequireQueryInt64(r, "order_id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		preview, err := svc.Preview(ctx, orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, preview)
	}
}

// RefundsApply routes the requested per-line amounts to the charges that
// collected them.
func RefundsApply(svc RefundService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req refundApplyRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		apply := refunds.ApplyRequest{OrderID: req.OrderID, Reason: req.Reason}
		for _, line := range req.Lines {
			apply.Lines = append(apply.Lines, refunds.LineRefund{
				LineID:      line.LineID,
				AmountCents: line.AmountCents,
				Points:      line.Points,
			})
		}

		result, err := svc.Apply(ctx, apply)
		if err != nil {
			// A partial failure still recorded the succeeded portion; the
			// error details carry the charges that rejected their call.
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, refundApplyResponse{
			RecordID:           result.RecordID,
			AmountCents:        result.AmountCents,
			ProcessorRefundIDs: result.ProcessorRefundIDs,
			PointsReturned:     result.PointsReturned,
		})
	}
}
