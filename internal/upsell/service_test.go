package upsell

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v84"

	"github.com/holisticpeople/funnel-bridge/internal/payments"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/redis"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

type memKV struct{ data map[string]string }

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memKV) GetDel(ctx context.Context, key string) (string, error) {
	v, err := m.Get(ctx, key)
	if err != nil {
		return "", err
	}
	delete(m.data, key)
	return v, nil
}

func (m *memKV) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	m.data[key] = fmt.Sprint(value)
	return nil
}

func (m *memKV) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memKV) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memKV) DraftKey(id string) string      { return "draft:" + id }
func (m *memKV) DraftClaimKey(id string) string { return "claim:" + id }
func (m *memKV) ProcessorCustomerKey(mode, accountID string) string {
	return "cust:" + mode + ":" + accountID
}
func (m *memKV) ProcessedEventKey(scope, id string) string { return "evt:" + scope + ":" + id }

type fakeHost struct {
	order       *commerce.Order
	appended    []commerce.OrderLine
	appendedFee *commerce.FeeLine
	appendErr   error
	products    map[int64]*commerce.Product
}

func (f *fakeHost) ResolveProductByID(ctx context.Context, id int64) (*commerce.Product, error) {
	if p, ok := f.products[id]; ok {
		return p, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
}

func (f *fakeHost) ResolveProductBySKU(ctx context.Context, sku string) (*commerce.Product, error) {
	for _, p := range f.products {
		if p.SKU == sku {
			return p, nil
		}
	}
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
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appended = lines
	f.appendedFee = fee
	return f.order, nil
}

func (f *fakeHost) CreateRefundRecord(ctx context.Context, orderID int64, input commerce.RefundRecordInput) (*commerce.RefundRecord, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeHost) FindCustomerByEmail(ctx context.Context, email string) (*commerce.Customer, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
}

func (f *fakeHost) PointsBalance(ctx context.Context, accountID int64) (int, error) { return 0, nil }

func (f *fakeHost) DebitPoints(ctx context.Context, accountID int64, pts int, reason string, orderID int64) error {
	return nil
}

func (f *fakeHost) CreditPoints(ctx context.Context, accountID int64, pts int, reason string, orderID int64) error {
	return nil
}

type fakeProcessor struct {
	offSessions []stripe.OffSessionParams
	chargeErr   error
}

func (f *fakeProcessor) Mode() stripe.Mode { return stripe.ModeLive }

func (f *fakeProcessor) CreateCustomer(ctx context.Context, email, name string) (*stripego.Customer, error) {
	return &stripego.Customer{ID: "cus_1"}, nil
}

func (f *fakeProcessor) GetCustomer(ctx context.Context, id string) (*stripego.Customer, error) {
	return &stripego.Customer{ID: id}, nil
}

func (f *fakeProcessor) CreatePaymentIntent(ctx context.Context, p stripe.IntentParams) (*stripego.PaymentIntent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProcessor) CreateOffSessionIntent(ctx context.Context, p stripe.OffSessionParams) (*stripego.PaymentIntent, error) {
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	f.offSessions = append(f.offSessions, p)
	return &stripego.PaymentIntent{
		ID:           "pi_upsell",
		Amount:       p.AmountCents,
		LatestCharge: &stripego.Charge{ID: "ch_upsell"},
	}, nil
}

func (f *fakeProcessor) GetPaymentIntent(ctx context.Context, id string) (*stripego.PaymentIntent, error) {
	return &stripego.PaymentIntent{
		ID:            id,
		PaymentMethod: &stripego.PaymentMethod{ID: "pm_parent"},
	}, nil
}

func (f *fakeProcessor) UpdateIntentDescription(ctx context.Context, id, description string) error {
	return nil
}

func (f *fakeProcessor) UpdateChargeDescription(ctx context.Context, id, description string) error {
	return nil
}

func (f *fakeProcessor) CreateRefund(ctx context.Context, chargeID string, amountCents int64, metadata map[string]string) (*stripego.Refund, error) {
	return &stripego.Refund{ID: "re_1"}, nil
}

type fakeSource struct{ proc *fakeProcessor }

func (f *fakeSource) ProcessorFor(mode stripe.Mode) (payments.Processor, error) {
	return f.proc, nil
}

func parentOrder() *commerce.Order {
	return &commerce.Order{
		ID:                77,
		Number:            "FNL-77",
		Currency:          "usd",
		PaymentIntentID:   "pi_parent",
		CheckoutChargeID:  "ch_parent",
		ProcessorCustomer: "cus_parent",
		ProcessorMode:     "live",
	}
}

func newService(t *testing.T, host *fakeHost, proc *fakeProcessor) *Service {
	t.Helper()
	logg := logger.NewNop()
	orchestrator, err := payments.NewOrchestrator(newMemKV(), 0, logg)
	require.NoError(t, err)
	svc, err := NewService(host, host, orchestrator, &fakeSource{proc: proc}, 15, nil, logg)
	require.NoError(t, err)
	return svc
}

func TestChargeItemsAtUpsellDiscount(t *testing.T) {
	host := &fakeHost{
		order: parentOrder(),
		products: map[int64]*commerce.Product{
			5: {ID: 5, SKU: "BOOST", Name: "Booster", PriceCents: 3999, RegularCents: 3999, Purchasable: true},
		},
	}
	proc := &fakeProcessor{}
	svc := newService(t, host, proc)

	result, err := svc.Charge(context.Background(), Request{
		OrderID: 77,
		Items:   []Item{{ProductID: 5, Quantity: 2}},
	})
	require.NoError(t, err)

	// $39.99 minus 15% is $33.99 per unit.
	assert.Equal(t, int64(6798), result.AmountCents)
	assert.Equal(t, "ch_upsell", result.ChargeID)

	require.Len(t, proc.offSessions, 1)
	assert.Equal(t, "cus_parent", proc.offSessions[0].CustomerID)
	assert.Equal(t, "pm_parent", proc.offSessions[0].PaymentMethodID)

	require.Len(t, host.appended, 1)
	line := host.appended[0]
	assert.Equal(t, "ch_upsell", line.ChargeID)
	assert.Equal(t, int64(3399), line.UnitPriceCents)
	assert.True(t, line.ExcludedFromGlobalDiscount)
	assert.Nil(t, host.appendedFee)
}

func TestChargeAmountOverrideWritesFeeLine(t *testing.T) {
	host := &fakeHost{order: parentOrder()}
	proc := &fakeProcessor{}
	svc := newService(t, host, proc)

	result, err := svc.Charge(context.Background(), Request{
		OrderID:             77,
		AmountOverrideCents: 2500,
		Description:         "VIP coaching call",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), result.AmountCents)

	require.NotNil(t, host.appendedFee)
	assert.Equal(t, commerce.FeeKindUpsell, host.appendedFee.Kind)
	assert.Equal(t, int64(2500), host.appendedFee.TotalCents)
	assert.Equal(t, "ch_upsell", host.appendedFee.ChargeID)
	assert.Empty(t, host.appended)
}

func TestChargeRejectsOrderWithoutCustomer(t *testing.T) {
	order := parentOrder()
	order.ProcessorCustomer = ""
	host := &fakeHost{order: order}
	svc := newService(t, host, &fakeProcessor{})

	_, err := svc.Charge(context.Background(), Request{OrderID: 77, AmountOverrideCents: 1000})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())
}

func TestChargeRejectsEmptyRequest(t *testing.T) {
	host := &fakeHost{order: parentOrder()}
	svc := newService(t, host, &fakeProcessor{})

	_, err := svc.Charge(context.Background(), Request{OrderID: 77})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
}

func TestChargeDeclineSurfaces(t *testing.T) {
	host := &fakeHost{order: parentOrder()}
	proc := &fakeProcessor{chargeErr: pkgerrors.New(pkgerrors.CodeStateConflict, "card declined")}
	svc := newService(t, host, proc)

	_, err := svc.Charge(context.Background(), Request{OrderID: 77, AmountOverrideCents: 1000})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())
	assert.Empty(t, host.appended)
}

func TestChargeAppendFailureIsPartialFailure(t *testing.T) {
	host := &fakeHost{order: parentOrder(), appendErr: errors.New("host down")}
	svc := newService(t, host, &fakeProcessor{})

	_, err := svc.Charge(context.Background(), Request{OrderID: 77, AmountOverrideCents: 1000})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePartialFailure, pkgerrors.As(err).Code())
}
