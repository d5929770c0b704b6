package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	stripego "github.com/stripe/stripe-go/v84"

	"github.com/holisticpeople/funnel-bridge/api/responses"
	"github.com/holisticpeople/funnel-bridge/internal/materialize"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/metrics"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

const (
	maxWebhookBody    = 1 << 20
	signatureHeader   = "Stripe-Signature"
	eventTypeIntentOK = "payment_intent.succeeded"
)

// Materializer turns a verified payment-success event into an order.
type Materializer interface {
	OnPaymentSucceeded(ctx context.Context, n materialize.Notification) (*materialize.Result, error)
}

// SignatureConfig exposes the verification inputs. *stripe.Client
// satisfies it.
type SignatureConfig interface {
	WebhookSecrets() []string
	SignatureTolerance() int64
}

type webhookResponse struct {
	Received         bool   `json:"received"`
	OrderID          int64  `json:"order_id,omitempty"`
	OrderNumber      string `json:"order_number,omitempty"`
	AlreadyProcessed bool   `json:"already_processed,omitempty"`
}

// StripeProbe answers the processor's endpoint checks. The GET half of
// the webhook route returns a liveness blob instead of a 405.
func StripeProbe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{
			"status":  "ok",
			"service": "funnel-bridge",
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// StripeWebhook verifies and processes payment notifications. Duplicate
// deliveries are acknowledged without creating a second order.
func StripeWebhook(handler Materializer, sig SignatureConfig, checkoutMetrics *metrics.CheckoutMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		if err := stripe.VerifySignature(
			payload,
			r.Header.Get(signatureHeader),
			sig.WebhookSecrets(),
			time.Duration(sig.SignatureTolerance())*time.Second,
			time.Now(),
		); err != nil {
			checkoutMetrics.IncWebhookEvent("unknown", "rejected")
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var event stripego.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed event payload"))
			return
		}
		eventType := string(event.Type)
		ctx = logg.WithFields(ctx, map[string]any{
			"event_id":   event.ID,
			"event_type": eventType,
		})

		if eventType != eventTypeIntentOK {
			logg.Info(ctx, "ignoring event type")
			checkoutMetrics.IncWebhookEvent(eventType, "ignored")
			responses.WriteSuccess(w, webhookResponse{Received: true})
			return
		}

		notification, err := notificationFrom(&event)
		if err != nil {
			checkoutMetrics.IncWebhookEvent(eventType, "rejected")
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := handler.OnPaymentSucceeded(ctx, notification)
		if err != nil {
			// A non-2xx makes the processor redeliver; materialization is
			// idempotent so the retry is safe.
			checkoutMetrics.IncWebhookEvent(eventType, "error")
			responses.WriteError(ctx, logg, w, err)
			return
		}

		outcome := "processed"
		if result.AlreadyProcessed {
			outcome = "duplicate"
		}
		checkoutMetrics.IncWebhookEvent(eventType, outcome)
		responses.WriteSuccess(w, webhookResponse{
			Received:         true,
			OrderID:          result.OrderID,
			OrderNumber:      result.OrderNumber,
			AlreadyProcessed: result.AlreadyProcessed,
		})
	}
}

func notificationFrom(event *stripego.Event) (materialize.Notification, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return materialize.Notification{}, pkgerrors.New(pkgerrors.CodeValidation, "event carries no object")
	}
	var intent stripego.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return materialize.Notification{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed payment intent object")
	}

	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}
	var chargeID string
	if intent.LatestCharge != nil {
		chargeID = intent.LatestCharge.ID
	}
	return materialize.Notification{
		EventID:     event.ID,
		IntentID:    intent.ID,
		DraftID:     intent.Metadata["draft_id"],
		ChargeID:    chargeID,
		AmountCents: amount,
		Currency:    string(intent.Currency),
		Livemode:    event.Livemode,
	}, nil
}
