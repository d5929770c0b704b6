package refunds

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/holisticpeople/funnel-bridge/internal/money"
	"github.com/holisticpeople/funnel-bridge/internal/payments"
	"github.com/holisticpeople/funnel-bridge/internal/points"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/metrics"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

var (
	errHostRequired   = errors.New("refunds commerce host is required")
	errPointsRequired = errors.New("refunds points service is required")
	errSourceRequired = errors.New("refunds processor source is required")
	errLoggerRequired = errors.New("refunds logger is required")
)

// PreviewLine reports one refundable row for the admin UI.
type PreviewLine struct {
	LineID          int64  `json:"line_id"`
	Name            string `json:"name"`
	ChargeID        string `json:"charge_id"`
	PaidCents       int64  `json:"paid_cents"`
	RefundedCents   int64  `json:"refunded_cents"`
	RemainingCents  int64  `json:"remaining_cents"`
	PointsAllocated int    `json:"points_allocated,omitempty"`
	PointsReturned  int    `json:"points_returned,omitempty"`
	PointsRemaining int    `json:"points_remaining,omitempty"`
}

// PreviewShipping reports the shipping row verbatim; the allocator never
// scales it.
type PreviewShipping struct {
	PaidCents      int64 `json:"paid_cents"`
	RefundedCents  int64 `json:"refunded_cents"`
	RemainingCents int64 `json:"remaining_cents"`
}

// Preview is the full per-line refundable breakdown for one order.
type Preview struct {
	OrderID             int64            `json:"order_id"`
	Lines               []PreviewLine    `json:"lines"`
	Shipping            *PreviewShipping `json:"shipping,omitempty"`
	RemainingTotalCents int64            `json:"remaining_total_cents"`
}

// LineRefund is one requested per-line refund amount.
type LineRefund struct {
	LineID      int64 `json:"line_id"`
	AmountCents int64 `json:"amount_cents"`
	Points      int   `json:"points,omitempty"`
}

// ApplyRequest refunds parts of an order across its charges.
type ApplyRequest struct {
	OrderID int64
	Lines   []LineRefund
	Reason  string
}

// ApplyResult reports what actually happened, including any charges that
// rejected their refund call.
type ApplyResult struct {
	RecordID           int64
	AmountCents        int64
	ProcessorRefundIDs []string
	PointsReturned     int
	FailedCharges      map[string]string
}

// Service allocates refunds across the charges behind one order.
type Service struct {
	host       commerce.Host
	points     *points.Service
	processors payments.Source
	metrics    *metrics.CheckoutMetrics
	logger     *logger.Logger
}

// NewService validates dependencies and builds the refund allocator.
func NewService(host commerce.Host, pointsSvc *points.Service, processors payments.Source, checkoutMetrics *metrics.CheckoutMetrics, logg *logger.Logger) (*Service, error) {
	if host == nil {
		return nil, errHostRequired
	}
	if pointsSvc == nil {
		return nil, errPointsRequired
	}
	if processors == nil {
		return nil, errSourceRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	return &Service{
		host:       host,
		points:     pointsSvc,
		processors: processors,
		metrics:    checkoutMetrics,
		logger:     logg,
	}, nil
}

// Preview computes the per-line remaining refundable amounts. Shares are
// allocated per charge in integer cents, and the sum of remaining shares
// never exceeds the charge's product portion minus what prior refunds
// already took.
func (s *Service) Preview(ctx context.Context, orderID int64) (*Preview, error) {
	order, err := s.host.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	preview := &Preview{OrderID: order.ID}
	pointsReturnedByLine := pointsReturned(order)

	for _, chargeID := range chargeOrder(order) {
		rows, weights := refundableRows(order, chargeID)
		if len(rows) == 0 {
			continue
		}
		portion := productPortion(order, chargeID)
		shares := money.SplitProportionally(portion, weights)

		var refundedTotal int64
		remaining := make([]int64, len(rows))
		for i, row := range rows {
			refundedTotal += row.refunded
			r := shares[i] - row.refunded
			if r < 0 {
				r = 0
			}
			remaining[i] = r
		}

		// Prior refunds may not have been line-attributed; cap the sum of
		// remaining shares at what the charge can still give back.
		limit := portion - refundedTotal
		if limit < 0 {
			limit = 0
		}
		var remainingSum int64
		for _, r := range remaining {
			remainingSum += r
		}
		if remainingSum > limit {
			remaining = money.SplitProportionally(limit, remaining)
		}

		for i, row := range rows {
			returned := pointsReturnedByLine[row.id]
			pointsLeft := row.pointsAllocated - returned
			if pointsLeft < 0 {
				pointsLeft = 0
			}
			preview.Lines = append(preview.Lines, PreviewLine{
				LineID:          row.id,
				Name:            row.name,
				ChargeID:        chargeID,
				PaidCents:       shares[i],
				RefundedCents:   row.refunded,
				RemainingCents:  remaining[i],
				PointsAllocated: row.pointsAllocated,
				PointsReturned:  returned,
				PointsRemaining: pointsLeft,
			})
			preview.RemainingTotalCents += remaining[i]
		}
	}

	if order.Shipping != nil {
		left := order.Shipping.TotalCents - order.Shipping.RefundedCents
		if left < 0 {
			left = 0
		}
		preview.Shipping = &PreviewShipping{
			PaidCents:      order.Shipping.TotalCents,
			RefundedCents:  order.Shipping.RefundedCents,
			RemainingCents: left,
		}
	}
	return preview, nil
}

// Apply groups the requested line amounts by charge, issues one processor
// refund per charge, and records exactly one durable refund entry for
// what succeeded. A charge rejecting its refund is reported per charge;
// the successful portion stands.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if len(req.Lines) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund needs at least one line amount")
	}
	order, err := s.host.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	mode := stripe.Mode(order.ProcessorMode)
	if !mode.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "order has no processor mode recorded")
	}
	proc, err := s.processors.ProcessorFor(mode)
	if err != nil {
		return nil, err
	}

	chargeByLine := chargeTags(order)
	groups := map[string]int64{}
	amountByLine := map[int64]int64{}
	pointsByLine := map[int64]int{}
	for _, lr := range req.Lines {
		if lr.AmountCents < 0 || lr.Points < 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amounts must not be negative")
		}
		chargeID, ok := chargeByLine[lr.LineID]
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown order line %d", lr.LineID))
		}
		if lr.AmountCents > 0 {
			groups[chargeID] += lr.AmountCents
			amountByLine[lr.LineID] += lr.AmountCents
		}
		if lr.Points > 0 {
			pointsByLine[lr.LineID] += lr.Points
		}
	}

	result := &ApplyResult{FailedCharges: map[string]string{}}
	succeededCharges := map[string]bool{}
	var refundErrs error

	for _, chargeID := range sortedChargeIDs(groups, order.CheckoutChargeID) {
		amount := groups[chargeID]
		if amount <= 0 {
			continue
		}
		refund, err := proc.CreateRefund(ctx, chargeID, amount, map[string]string{
			"order_id": fmt.Sprintf("%d", order.ID),
		})
		if err != nil {
			s.logger.Error(s.logger.WithField(ctx, "charge_id", chargeID), "refund call failed", err)
			result.FailedCharges[chargeID] = err.Error()
			refundErrs = multierr.Append(refundErrs, fmt.Errorf("charge %s: %w", chargeID, err))
			continue
		}
		succeededCharges[chargeID] = true
		result.ProcessorRefundIDs = append(result.ProcessorRefundIDs, refund.ID)
		result.AmountCents += amount
	}

	if len(succeededCharges) == 0 && refundErrs != nil {
		s.metrics.IncRefund("error")
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, refundErrs, "all refund calls failed")
	}

	// The durable record reflects only what the processor accepted.
	recordAmounts := map[int64]int64{}
	recordPoints := map[int64]int{}
	for lineID, amount := range amountByLine {
		if succeededCharges[chargeByLine[lineID]] {
			recordAmounts[lineID] = amount
		}
	}
	for lineID, pts := range pointsByLine {
		if succeededCharges[chargeByLine[lineID]] {
			recordPoints[lineID] = pts
			result.PointsReturned += pts
		}
	}

	if result.AmountCents > 0 || result.PointsReturned > 0 {
		record, err := s.host.CreateRefundRecord(ctx, order.ID, commerce.RefundRecordInput{
			AmountCents:        result.AmountCents,
			Reason:             req.Reason,
			ProcessorRefundIDs: result.ProcessorRefundIDs,
			AmountByLine:       recordAmounts,
			PointsReturned:     result.PointsReturned,
			PointsByLine:       recordPoints,
		})
		if err != nil {
			s.logger.Error(s.logger.WithOrderID(ctx, fmt.Sprintf("%d", order.ID)), "storing refund record failed", err)
			refundErrs = multierr.Append(refundErrs, err)
		} else {
			result.RecordID = record.ID
		}
	}

	if result.PointsReturned > 0 && order.CustomerAccountID > 0 {
		if err := s.points.Restore(ctx, order.CustomerAccountID, result.PointsReturned, order.ID); err != nil {
			s.logger.Error(ctx, "crediting points back failed", err)
			refundErrs = multierr.Append(refundErrs, err)
		}
	}

	if refundErrs != nil {
		s.metrics.IncRefund("partial")
		return result, pkgerrors.Wrap(pkgerrors.CodePartialFailure, refundErrs, "refund partially failed").
			WithDetails(map[string]any{"failed_charges": result.FailedCharges})
	}
	s.metrics.IncRefund("refunded")
	return result, nil
}

type refundableRow struct {
	id              int64
	name            string
	total           int64
	refunded        int64
	pointsAllocated int
}

// refundableRows lists the product lines and positive fee rows paid by a
// charge, in order-document order.
func refundableRows(order *commerce.Order, chargeID string) ([]refundableRow, []int64) {
	var rows []refundableRow
	var weights []int64
	for _, line := range order.Lines {
		if tagOf(line.ChargeID, order) != chargeID {
			continue
		}
		rows = append(rows, refundableRow{
			id:              line.LineID,
			name:            line.Name,
			total:           line.TotalCents,
			refunded:        line.RefundedCents,
			pointsAllocated: line.PointsAllocated,
		})
		weights = append(weights, line.TotalCents)
	}
	for _, fee := range order.Fees {
		if fee.TotalCents <= 0 || tagOf(fee.ChargeID, order) != chargeID {
			continue
		}
		rows = append(rows, refundableRow{
			id:    fee.LineID,
			name:  fee.Name,
			total: fee.TotalCents,
		})
		weights = append(weights, fee.TotalCents)
	}
	return rows, weights
}

// productPortion is the money a charge captured for products: its lines
// plus its fees, except the points redemption, which is returned as
// points rather than money.
func productPortion(order *commerce.Order, chargeID string) int64 {
	var portion int64
	for _, line := range order.Lines {
		if tagOf(line.ChargeID, order) == chargeID {
			portion += line.TotalCents
		}
	}
	for _, fee := range order.Fees {
		if fee.Kind == commerce.FeeKindPointsRedemption {
			continue
		}
		if tagOf(fee.ChargeID, order) == chargeID {
			portion += fee.TotalCents
		}
	}
	if portion < 0 {
		return 0
	}
	return portion
}

func pointsReturned(order *commerce.Order) map[int64]int {
	out := map[int64]int{}
	for _, record := range order.Refunds {
		for lineID, pts := range record.PointsByLine {
			out[lineID] += pts
		}
	}
	return out
}

func chargeTags(order *commerce.Order) map[int64]string {
	out := map[int64]string{}
	for _, line := range order.Lines {
		out[line.LineID] = tagOf(line.ChargeID, order)
	}
	for _, fee := range order.Fees {
		if fee.TotalCents > 0 {
			out[fee.LineID] = tagOf(fee.ChargeID, order)
		}
	}
	return out
}

func tagOf(chargeID string, order *commerce.Order) string {
	if chargeID != "" {
		return chargeID
	}
	return order.CheckoutChargeID
}

// chargeOrder lists the order's charges deterministically: checkout
// charge first, then upsell charges in recorded order, then any stray
// tags sorted.
func chargeOrder(order *commerce.Order) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(order.CheckoutChargeID)
	for _, id := range order.UpsellChargeIDs {
		add(id)
	}
	var strays []string
	for _, line := range order.Lines {
		if id := tagOf(line.ChargeID, order); !seen[id] {
			strays = append(strays, id)
		}
	}
	sort.Strings(strays)
	for _, id := range strays {
		add(id)
	}
	return out
}

func sortedChargeIDs(groups map[string]int64, checkoutChargeID string) []string {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		if id != checkoutChargeID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := groups[checkoutChargeID]; ok {
		return append([]string{checkoutChargeID}, ids...)
	}
	return ids
}
