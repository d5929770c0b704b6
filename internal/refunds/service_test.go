package refunds

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v84"

	"github.com/holisticpeople/funnel-bridge/internal/payments"
	"github.com/holisticpeople/funnel-bridge/internal/points"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

type fakeHost struct {
	order          *commerce.Order
	records        []commerce.RefundRecordInput
	creditedPoints int
	recordErr      error
}

func (f *fakeHost) ResolveProductByID(ctx context.Context, id int64) (*commerce.Product, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
}

func (f *fakeHost) ResolveProductBySKU(ctx context.Context, sku string) (*commerce.Product, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
}

func (f *fakeHost) EvaluateCoupons(ctx context.Context, codes []string, lines []commerce.OrderLine) (*commerce.CouponQuote, error) {
	return &commerce.CouponQuote{}, nil
}

func (f *fakeHost) CreateOrder(ctx context.Context, order commerce.NewOrder) (*commerce.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeHost) GetOrder(ctx context.Context, orderID int64) (*commerce.Order, error) {
	if f.order != nil && f.order.ID == orderID {
		return f.order, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}

func (f *fakeHost) FindOrderByPaymentIntent(ctx context.Context, intentID string) (*commerce.Order, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}

func (f *fakeHost) MarkOrderPaid(ctx context.Context, orderID int64, transactionRef string) error {
	return nil
}

func (f *fakeHost) AppendUpsellLines(ctx context.Context, orderID int64, lines []commerce.OrderLine, fee *commerce.FeeLine, chargedCents int64) (*commerce.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeHost) CreateRefundRecord(ctx context.Context, orderID int64, input commerce.RefundRecordInput) (*commerce.RefundRecord, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	f.records = append(f.records, input)
	return &commerce.RefundRecord{ID: int64(len(f.records)), AmountCents: input.AmountCents}, nil
}

func (f *fakeHost) FindCustomerByEmail(ctx context.Context, email string) (*commerce.Customer, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
}

func (f *fakeHost) PointsBalance(ctx context.Context, accountID int64) (int, error) { return 0, nil }

func (f *fakeHost) DebitPoints(ctx context.Context, accountID int64, pts int, reason string, orderID int64) error {
	return nil
}

func (f *fakeHost) CreditPoints(ctx context.Context, accountID int64, pts int, reason string, orderID int64) error {
	f.creditedPoints += pts
	return nil
}

type refundCall struct {
	chargeID string
	amount   int64
}

type fakeProcessor struct {
	calls      []refundCall
	failCharge string
}

func (f *fakeProcessor) Mode() stripe.Mode { return stripe.ModeLive }

func (f *fakeProcessor) CreateCustomer(ctx context.Context, email, name string) (*stripego.Customer, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProcessor) GetCustomer(ctx context.Context, id string) (*stripego.Customer, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProcessor) CreatePaymentIntent(ctx context.Context, p stripe.IntentParams) (*stripego.PaymentIntent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProcessor) CreateOffSessionIntent(ctx context.Context, p stripe.OffSessionParams) (*stripego.PaymentIntent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProcessor) GetPaymentIntent(ctx context.Context, id string) (*stripego.PaymentIntent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProcessor) UpdateIntentDescription(ctx context.Context, id, description string) error {
	return nil
}

func (f *fakeProcessor) UpdateChargeDescription(ctx context.Context, id, description string) error {
	return nil
}

func (f *fakeProcessor) CreateRefund(ctx context.Context, chargeID string, amountCents int64, metadata map[string]string) (*stripego.Refund, error) {
	if chargeID == f.failCharge {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "refund rejected")
	}
	f.calls = append(f.calls, refundCall{chargeID: chargeID, amount: amountCents})
	return &stripego.Refund{ID: fmt.Sprintf("re_%d", len(f.calls))}, nil
}

type fakeSource struct{ proc *fakeProcessor }

func (f *fakeSource) ProcessorFor(mode stripe.Mode) (payments.Processor, error) {
	return f.proc, nil
}

func newService(t *testing.T, host *fakeHost, proc *fakeProcessor) *Service {
	t.Helper()
	logg := logger.NewNop()
	pointsSvc, err := points.NewService(host, 10, logg)
	require.NoError(t, err)
	svc, err := NewService(host, pointsSvc, &fakeSource{proc: proc}, nil, logg)
	require.NoError(t, err)
	return svc
}

// mixedOrder has an $80 checkout charge (one line) and a $20 upsell
// charge (one line).
func mixedOrder() *commerce.Order {
	return &commerce.Order{
		ID:                55,
		Number:            "FNL-55",
		Currency:          "usd",
		CustomerAccountID: 9,
		CheckoutChargeID:  "ch_checkout",
		UpsellChargeIDs:   []string{"ch_upsell"},
		ProcessorMode:     "live",
		Lines: []commerce.OrderLine{
			{LineID: 1, Name: "Item A", Quantity: 1, TotalCents: 8000, ChargeID: ""},
			{LineID: 2, Name: "Upsell B", Quantity: 1, TotalCents: 2000, ChargeID: "ch_upsell"},
		},
		ChargedAmountCents: 10000,
	}
}

func TestPreviewSplitsByChargeAndTracksRefunds(t *testing.T) {
	order := mixedOrder()
	order.Lines[0].RefundedCents = 3000
	host := &fakeHost{order: order}
	svc := newService(t, host, &fakeProcessor{})

	preview, err := svc.Preview(context.Background(), 55)
	require.NoError(t, err)

	require.Len(t, preview.Lines, 2)
	checkout := preview.Lines[0]
	assert.Equal(t, "ch_checkout", checkout.ChargeID)
	assert.Equal(t, int64(8000), checkout.PaidCents)
	assert.Equal(t, int64(3000), checkout.RefundedCents)
	assert.Equal(t, int64(5000), checkout.RemainingCents)

	ups := preview.Lines[1]
	assert.Equal(t, "ch_upsell", ups.ChargeID)
	assert.Equal(t, int64(2000), ups.RemainingCents)

	assert.Equal(t, int64(7000), preview.RemainingTotalCents)
}

func TestPreviewRemainingNeverExceedsChargeBalance(t *testing.T) {
	order := mixedOrder()
	// Prior refunds took $50 from the checkout charge but only $10 was
	// attributed to the line.
	order.Lines[0].RefundedCents = 1000
	order.Refunds = []commerce.RefundRecord{{AmountCents: 5000}}
	host := &fakeHost{order: order}
	svc := newService(t, host, &fakeProcessor{})

	preview, err := svc.Preview(context.Background(), 55)
	require.NoError(t, err)

	var checkoutRemaining int64
	for _, line := range preview.Lines {
		if line.ChargeID == "ch_checkout" {
			checkoutRemaining += line.RemainingCents
		}
	}
	assert.LessOrEqual(t, checkoutRemaining, int64(7000))
}

func TestPreviewDiscountedOrderScalesShares(t *testing.T) {
	// Two $50 lines under a $10 global discount: the $90 product charge
	// spreads 45/45 with no drift.
	order := &commerce.Order{
		ID:               60,
		CheckoutChargeID: "ch_1",
		ProcessorMode:    "test",
		Lines: []commerce.OrderLine{
			{LineID: 1, Name: "A", TotalCents: 5000},
			{LineID: 2, Name: "B", TotalCents: 5000},
		},
		Fees: []commerce.FeeLine{
			{LineID: 3, Name: "Funnel discount", Kind: commerce.FeeKindGlobalDiscount, TotalCents: -1000},
		},
	}
	svc := newService(t, &fakeHost{order: order}, &fakeProcessor{})

	preview, err := svc.Preview(context.Background(), 60)
	require.NoError(t, err)

	require.Len(t, preview.Lines, 2)
	assert.Equal(t, int64(4500), preview.Lines[0].PaidCents)
	assert.Equal(t, int64(4500), preview.Lines[1].PaidCents)
	assert.Equal(t, int64(9000), preview.RemainingTotalCents)
}

func TestPreviewPointsRemainingPerLine(t *testing.T) {
	order := mixedOrder()
	order.Lines[0].PointsAllocated = 400
	order.Refunds = []commerce.RefundRecord{{PointsByLine: map[int64]int{1: 150}}}
	svc := newService(t, &fakeHost{order: order}, &fakeProcessor{})

	preview, err := svc.Preview(context.Background(), 55)
	require.NoError(t, err)

	assert.Equal(t, 400, preview.Lines[0].PointsAllocated)
	assert.Equal(t, 150, preview.Lines[0].PointsReturned)
	assert.Equal(t, 250, preview.Lines[0].PointsRemaining)
}

func TestApplyRoutesRefundToTaggedChargeOnly(t *testing.T) {
	// $30 attributed entirely to the upsell line refunds only the upsell
	// charge.
	host := &fakeHost{order: mixedOrder()}
	proc := &fakeProcessor{}
	svc := newService(t, host, proc)

	result, err := svc.Apply(context.Background(), ApplyRequest{
		OrderID: 55,
		Lines:   []LineRefund{{LineID: 2, AmountCents: 1500}},
		Reason:  "customer request",
	})
	require.NoError(t, err)

	require.Len(t, proc.calls, 1)
	assert.Equal(t, "ch_upsell", proc.calls[0].chargeID)
	assert.Equal(t, int64(1500), proc.calls[0].amount)
	assert.Equal(t, int64(1500), result.AmountCents)

	require.Len(t, host.records, 1)
	assert.Equal(t, []string{"re_1"}, host.records[0].ProcessorRefundIDs)
	assert.Equal(t, "customer request", host.records[0].Reason)
}

func TestApplyGroupsLinesAcrossCharges(t *testing.T) {
	host := &fakeHost{order: mixedOrder()}
	proc := &fakeProcessor{}
	svc := newService(t, host, proc)

	result, err := svc.Apply(context.Background(), ApplyRequest{
		OrderID: 55,
		Lines: []LineRefund{
			{LineID: 1, AmountCents: 4000},
			{LineID: 2, AmountCents: 1000},
		},
		Reason: "damaged shipment",
	})
	require.NoError(t, err)

	require.Len(t, proc.calls, 2)
	assert.Equal(t, "ch_checkout", proc.calls[0].chargeID)
	assert.Equal(t, int64(4000), proc.calls[0].amount)
	assert.Equal(t, "ch_upsell", proc.calls[1].chargeID)
	assert.Equal(t, int64(1000), proc.calls[1].amount)

	assert.Equal(t, int64(5000), result.AmountCents)
	require.Len(t, host.records, 1)
	assert.Equal(t, int64(4000), host.records[0].AmountByLine[1])
	assert.Equal(t, int64(1000), host.records[0].AmountByLine[2])
}

func TestApplyPartialFailureKeepsSuccessfulPortion(t *testing.T) {
	host := &fakeHost{order: mixedOrder()}
	proc := &fakeProcessor{failCharge: "ch_upsell"}
	svc := newService(t, host, proc)

	result, err := svc.Apply(context.Background(), ApplyRequest{
		OrderID: 55,
		Lines: []LineRefund{
			{LineID: 1, AmountCents: 4000},
			{LineID: 2, AmountCents: 1000},
		},
		Reason: "mixed outcome",
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePartialFailure, pkgerrors.As(err).Code())

	require.NotNil(t, result)
	assert.Equal(t, int64(4000), result.AmountCents)
	assert.Contains(t, result.FailedCharges, "ch_upsell")

	// The durable record reflects only the successful charge.
	require.Len(t, host.records, 1)
	assert.Equal(t, int64(4000), host.records[0].AmountCents)
	_, hasUpsell := host.records[0].AmountByLine[2]
	assert.False(t, hasUpsell)
}

func TestApplyAllChargesFail(t *testing.T) {
	order := mixedOrder()
	order.UpsellChargeIDs = nil
	order.Lines = order.Lines[:1]
	host := &fakeHost{order: order}
	proc := &fakeProcessor{failCharge: "ch_checkout"}
	svc := newService(t, host, proc)

	_, err := svc.Apply(context.Background(), ApplyRequest{
		OrderID: 55,
		Lines:   []LineRefund{{LineID: 1, AmountCents: 1000}},
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())
	assert.Empty(t, host.records)
}

func TestApplyReturnsPointsToBalance(t *testing.T) {
	order := mixedOrder()
	order.Lines[0].PointsAllocated = 400
	host := &fakeHost{order: order}
	proc := &fakeProcessor{}
	svc := newService(t, host, proc)

	result, err := svc.Apply(context.Background(), ApplyRequest{
		OrderID: 55,
		Lines:   []LineRefund{{LineID: 1, AmountCents: 2000, Points: 100}},
		Reason:  "partial return",
	})
	require.NoError(t, err)

	assert.Equal(t, 100, result.PointsReturned)
	assert.Equal(t, 100, host.creditedPoints)
	require.Len(t, host.records, 1)
	assert.Equal(t, 100, host.records[0].PointsByLine[1])
}

func TestApplyValidatesInput(t *testing.T) {
	host := &fakeHost{order: mixedOrder()}
	svc := newService(t, host, &fakeProcessor{})
	ctx := context.Background()

	_, err := svc.Apply(ctx, ApplyRequest{OrderID: 55})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	_, err = svc.Apply(ctx, ApplyRequest{OrderID: 55, Lines: []LineRefund{{LineID: 999, AmountCents: 100}}})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	_, err = svc.Apply(ctx, ApplyRequest{OrderID: 55, Lines: []LineRefund{{LineID: 1, AmountCents: -5}}})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
}
