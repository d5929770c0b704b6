package materialize

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v84"

	"github.com/holisticpeople/funnel-bridge/internal/draft"
	"github.com/holisticpeople/funnel-bridge/internal/funnel"
	"github.com/holisticpeople/funnel-bridge/internal/payments"
	"github.com/holisticpeople/funnel-bridge/internal/points"
	"github.com/holisticpeople/funnel-bridge/internal/pricing"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/redis"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

type memKV struct {
	data map[string]string
}

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
	switch tv := value.(type) {
	case []byte:
		m.data[key] = string(tv)
	default:
		m.data[key] = fmt.Sprint(value)
	}
	return nil
}

func (m *memKV) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	return true, m.Set(ctx, key, value, ttl)
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
	products      map[int64]*commerce.Product
	ordersByPI    map[string]*commerce.Order
	created       []commerce.NewOrder
	createErr     error
	paidOrders    map[int64]string
	debitedPoints int
	nextOrderID   int64
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		products:    map[int64]*commerce.Product{},
		ordersByPI:  map[string]*commerce.Order{},
		paidOrders:  map[int64]string{},
		nextOrderID: 1000,
	}
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
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, order)
	f.nextOrderID++
	created := &commerce.Order{
		ID:                 f.nextOrderID,
		Number:             fmt.Sprintf("FNL-%d", f.nextOrderID),
		Currency:           order.Currency,
		Lines:              order.Lines,
		Fees:               order.Fees,
		Shipping:           order.Shipping,
		PaymentIntentID:    order.PaymentIntentID,
		CheckoutChargeID:   order.CheckoutChargeID,
		ChargedAmountCents: order.ChargedAmountCents,
		PointsRedeemed:     order.PointsRedeemed,
	}
	f.ordersByPI[order.PaymentIntentID] = created
	return created, nil
}

func (f *fakeHost) GetOrder(ctx context.Context, orderID int64) (*commerce.Order, error) {
	for _, o := range f.ordersByPI {
		if o.ID == orderID {
			return o, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}

func (f *fakeHost) FindOrderByPaymentIntent(ctx context.Context, intentID string) (*commerce.Order, error) {
	if o, ok := f.ordersByPI[intentID]; ok {
		return o, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}

func (f *fakeHost) MarkOrderPaid(ctx context.Context, orderID int64, transactionRef string) error {
	f.paidOrders[orderID] = transactionRef
	return nil
}

func (f *fakeHost) AppendUpsellLines(ctx context.Context, orderID int64, lines []commerce.OrderLine, fee *commerce.FeeLine, chargedCents int64) (*commerce.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeHost) CreateRefundRecord(ctx context.Context, orderID int64, input commerce.RefundRecordInput) (*commerce.RefundRecord, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeHost) FindCustomerByEmail(ctx context.Context, email string) (*commerce.Customer, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
}

func (f *fakeHost) PointsBalance(ctx context.Context, accountID int64) (int, error) {
	return 0, nil
}

func (f *fakeHost) DebitPoints(ctx context.Context, accountID int64, pts int, reason string, orderID int64) error {
	f.debitedPoints += pts
	return nil
}

func (f *fakeHost) CreditPoints(ctx context.Context, accountID int64, pts int, reason string, orderID int64) error {
	f.debitedPoints -= pts
	return nil
}

type fakeProcessor struct {
	intentDescriptions map[string]string
	chargeDescriptions map[string]string
}

func (f *fakeProcessor) Mode() stripe.Mode { return stripe.ModeTest }

func (f *fakeProcessor) CreateCustomer(ctx context.Context, email, name string) (*stripego.Customer, error) {
	return &stripego.Customer{ID: "cus_1"}, nil
}

func (f *fakeProcessor) GetCustomer(ctx context.Context, id string) (*stripego.Customer, error) {
	return &stripego.Customer{ID: id}, nil
}

func (f *fakeProcessor) CreatePaymentIntent(ctx context.Context, p stripe.IntentParams) (*stripego.PaymentIntent, error) {
	return &stripego.PaymentIntent{ID: "pi_1"}, nil
}

func (f *fakeProcessor) CreateOffSessionIntent(ctx context.Context, p stripe.OffSessionParams) (*stripego.PaymentIntent, error) {
	return &stripego.PaymentIntent{ID: "pi_2"}, nil
}

func (f *fakeProcessor) GetPaymentIntent(ctx context.Context, id string) (*stripego.PaymentIntent, error) {
	return &stripego.PaymentIntent{ID: id}, nil
}

func (f *fakeProcessor) UpdateIntentDescription(ctx context.Context, id, description string) error {
	if f.intentDescriptions == nil {
		f.intentDescriptions = map[string]string{}
	}
	f.intentDescriptions[id] = description
	return nil
}

func (f *fakeProcessor) UpdateChargeDescription(ctx context.Context, id, description string) error {
	if f.chargeDescriptions == nil {
		f.chargeDescriptions = map[string]string{}
	}
	f.chargeDescriptions[id] = description
	return nil
}

func (f *fakeProcessor) CreateRefund(ctx context.Context, chargeID string, amountCents int64, metadata map[string]string) (*stripego.Refund, error) {
	return &stripego.Refund{ID: "re_1"}, nil
}

type fakeSource struct {
	proc *fakeProcessor
}

func (f *fakeSource) ProcessorFor(mode stripe.Mode) (payments.Processor, error) {
	return f.proc, nil
}

type fixture struct {
	svc    *Service
	drafts *draft.Store
	host   *fakeHost
	proc   *fakeProcessor
}

func newFixture(t *testing.T, host *fakeHost) *fixture {
	t.Helper()
	logg := logger.NewNop()
	kv := newMemKV()

	drafts, err := draft.NewStore(kv, 45*time.Minute, 2*time.Minute, 720*time.Hour, logg)
	require.NoError(t, err)

	pointsSvc, err := points.NewService(host, 10, logg)
	require.NoError(t, err)

	engine, err := pricing.NewEngine(host, host, pointsSvc, logg)
	require.NoError(t, err)

	registry, err := funnel.NewRegistry([]funnel.Funnel{
		{ID: "summer-sale", Name: "Summer Sale", Mode: "test", GlobalDiscountPercent: 10},
	})
	require.NoError(t, err)

	orchestrator, err := payments.NewOrchestrator(kv, 0, logg)
	require.NoError(t, err)

	proc := &fakeProcessor{}
	svc, err := NewService(drafts, engine, registry, host, pointsSvc, orchestrator, &fakeSource{proc: proc}, nil, logg)
	require.NoError(t, err)

	return &fixture{svc: svc, drafts: drafts, host: host, proc: proc}
}

func storedDraft(t *testing.T, fx *fixture, accountID int64, pointsToRedeem int) *draft.Draft {
	t.Helper()
	d := &draft.Draft{
		FunnelID:   "summer-sale",
		FunnelName: "Summer Sale",
		Mode:       "test",
		Customer:   draft.Customer{Email: "buyer@example.com", Name: "Buyer", AccountID: accountID},
		Items:      []pricing.ItemInput{{ProductID: 1, Quantity: 1}},
		Shipping:   &pricing.ShippingInput{Label: "Flat rate", AmountCents: 500},
		Currency:   "usd",

		PointsToRedeem:    pointsToRedeem,
		AmountCents:       9500,
		ProcessorCustomer: "cus_1",
	}
	require.NoError(t, fx.drafts.Create(context.Background(), d))
	return d
}

func TestOnPaymentSucceededMaterializesOnce(t *testing.T) {
	host := newFakeHost()
	host.products[1] = &commerce.Product{ID: 1, SKU: "A", Name: "Item A", PriceCents: 10000, RegularCents: 10000, Purchasable: true}
	fx := newFixture(t, host)
	d := storedDraft(t, fx, 0, 0)
	ctx := context.Background()

	n := Notification{
		EventID:     "evt_1",
		IntentID:    "pi_1",
		DraftID:     d.ID,
		ChargeID:    "ch_1",
		AmountCents: 9500,
	}
	result, err := fx.svc.OnPaymentSucceeded(ctx, n)
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.NotZero(t, result.OrderID)

	require.Len(t, host.created, 1)
	order := host.created[0]
	require.Len(t, order.Lines, 1)
	assert.Equal(t, "ch_1", order.Lines[0].ChargeID)
	assert.Equal(t, int64(10000), order.Lines[0].TotalCents)
	require.Len(t, order.Fees, 1)
	assert.Equal(t, commerce.FeeKindGlobalDiscount, order.Fees[0].Kind)
	assert.Equal(t, int64(-1000), order.Fees[0].TotalCents)
	assert.Equal(t, int64(9500), order.ChargedAmountCents)
	assert.Equal(t, "ch_1", host.paidOrders[result.OrderID])

	// Draft is consumed.
	_, err = fx.drafts.Get(ctx, d.ID)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())

	// Dashboard labels updated best-effort.
	assert.Contains(t, fx.proc.intentDescriptions["pi_1"], "Summer Sale")
	assert.Contains(t, fx.proc.chargeDescriptions["ch_1"], "Summer Sale")
}

func TestOnPaymentSucceededRedeliveryIsIdempotent(t *testing.T) {
	host := newFakeHost()
	host.products[1] = &commerce.Product{ID: 1, SKU: "A", Name: "Item A", PriceCents: 10000, RegularCents: 10000, Purchasable: true}
	fx := newFixture(t, host)
	d := storedDraft(t, fx, 0, 0)
	ctx := context.Background()

	n := Notification{EventID: "evt_1", IntentID: "pi_1", DraftID: d.ID, ChargeID: "ch_1", AmountCents: 9500}
	first, err := fx.svc.OnPaymentSucceeded(ctx, n)
	require.NoError(t, err)

	second, err := fx.svc.OnPaymentSucceeded(ctx, n)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Len(t, host.created, 1)
}

func TestOnPaymentSucceededRedeliveryAnswersFromMarker(t *testing.T) {
	host := newFakeHost()
	host.products[1] = &commerce.Product{ID: 1, SKU: "A", Name: "Item A", PriceCents: 10000, RegularCents: 10000, Purchasable: true}
	fx := newFixture(t, host)
	d := storedDraft(t, fx, 0, 0)
	ctx := context.Background()

	n := Notification{EventID: "evt_1", IntentID: "pi_1", DraftID: d.ID, ChargeID: "ch_1", AmountCents: 9500}
	first, err := fx.svc.OnPaymentSucceeded(ctx, n)
	require.NoError(t, err)

	// Even with the host unable to answer the intent lookup, the processed
	// marker resolves the redelivery to the same order.
	host.ordersByPI = map[string]*commerce.Order{}
	second, err := fx.svc.OnPaymentSucceeded(ctx, n)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.OrderNumber, second.OrderNumber)
	assert.Len(t, host.created, 1)
}

func TestOnPaymentSucceededUnknownDraftIsNoOp(t *testing.T) {
	host := newFakeHost()
	fx := newFixture(t, host)

	result, err := fx.svc.OnPaymentSucceeded(context.Background(), Notification{
		IntentID: "pi_unknown",
		DraftID:  "missing",
	})
	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	assert.Zero(t, result.OrderID)
	assert.Empty(t, host.created)
}

func TestOnPaymentSucceededClaimLoserBacksOff(t *testing.T) {
	host := newFakeHost()
	host.products[1] = &commerce.Product{ID: 1, SKU: "A", Name: "Item A", PriceCents: 10000, RegularCents: 10000, Purchasable: true}
	fx := newFixture(t, host)
	d := storedDraft(t, fx, 0, 0)
	ctx := context.Background()

	won, err := fx.drafts.Claim(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, won)

	result, err := fx.svc.OnPaymentSucceeded(ctx, Notification{
		IntentID: "pi_1",
		DraftID:  d.ID,
		ChargeID: "ch_1",
	})
	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	assert.Empty(t, host.created)
}

func TestOnPaymentSucceededFailureReleasesClaim(t *testing.T) {
	host := newFakeHost()
	host.products[1] = &commerce.Product{ID: 1, SKU: "A", Name: "Item A", PriceCents: 10000, RegularCents: 10000, Purchasable: true}
	host.createErr = pkgerrors.New(pkgerrors.CodeDependency, "host down")
	fx := newFixture(t, host)
	d := storedDraft(t, fx, 0, 0)
	ctx := context.Background()

	n := Notification{IntentID: "pi_1", DraftID: d.ID, ChargeID: "ch_1"}
	_, err := fx.svc.OnPaymentSucceeded(ctx, n)
	require.Error(t, err)

	// Draft survives and the claim is released, so redelivery succeeds.
	host.createErr = nil
	result, err := fx.svc.OnPaymentSucceeded(ctx, n)
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.Len(t, host.created, 1)
}

func TestOnPaymentSucceededDebitsPointsAndAllocatesPerLine(t *testing.T) {
	host := newFakeHost()
	host.products[1] = &commerce.Product{ID: 1, SKU: "A", Name: "Item A", PriceCents: 10000, RegularCents: 10000, Purchasable: true}
	fx := newFixture(t, host)
	d := storedDraft(t, fx, 42, 500)
	ctx := context.Background()

	result, err := fx.svc.OnPaymentSucceeded(ctx, Notification{
		IntentID: "pi_1",
		DraftID:  d.ID,
		ChargeID: "ch_1",
	})
	require.NoError(t, err)
	require.Len(t, host.created, 1)

	order := host.created[0]
	// 500 points at 10/dollar is $50 against $90 net products.
	require.Len(t, order.Fees, 2)
	assert.Equal(t, commerce.FeeKindPointsRedemption, order.Fees[1].Kind)
	assert.Equal(t, int64(-5000), order.Fees[1].TotalCents)
	assert.Equal(t, 500, order.Lines[0].PointsAllocated)
	assert.Equal(t, 500, host.debitedPoints)
	assert.NotZero(t, result.OrderID)
}
