package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"
)

// Metadata keys attached to payment intents at checkout.
const (
	MetadataCourseID = "course_id"
	MetadataUserID   = "user_id"
	MetadataMonths   = "months"
)

// EventPaymentSucceeded is the only webhook type that settles a payment.
const EventPaymentSucceeded = "payment_intent.succeeded"

var (
	// ErrNotConfigured is returned when no gateway credentials are present.
	ErrNotConfigured = errors.New("payment gateway not configured")
	// ErrInvalidSignature is returned for webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// PaymentIntent is the gateway-neutral view of a payment.
type PaymentIntent struct {
	ID        string
	Amount    int64
	Currency  string
	Succeeded bool
	Status    string
	Metadata  map[string]string
}

// WebhookEvent is a verified gateway notification.
type WebhookEvent struct {
	ID     string
	Type   string
	Intent *PaymentIntent
}

// Gateway verifies payments with the card processor.
type Gateway interface {
	GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// Stripe implements Gateway on the Stripe API.
type Stripe struct {
	api           *client.API
	webhookSecret string
	logger        *zap.Logger
}

// NewStripe constructs the Stripe gateway.
func NewStripe(secretKey, webhookSecret string, logger *zap.Logger) *Stripe {
	if logger == nil {
		logger = zap.NewNop()
	}
	var api *client.API
	if secretKey != "" {
		api = &client.API{}
		api.Init(secretKey, nil)
	}
	return &Stripe{api: api, webhookSecret: webhookSecret, logger: logger}
}

// GetPaymentIntent fetches the intent from Stripe.
func (s *Stripe) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	if s.api == nil {
		return nil, ErrNotConfigured
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			s.logger.Warn("stripe payment intent lookup failed",
				zap.String("payment_intent_id", id),
				zap.String("type", string(stripeErr.Type)),
				zap.String("code", string(stripeErr.Code)),
			)
		}
		return nil, fmt.Errorf("stripe: retrieve payment intent: %w", err)
	}
	return fromStripe(pi), nil
}

// ParseWebhook verifies signature and decodes the event. Intent is set only
// for payment intent events.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if s.webhookSecret == "" {
		return nil, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if strings.HasPrefix(out.Type, "payment_intent.") && event.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Intent = fromStripe(&pi)
	}
	return out, nil
}

func fromStripe(pi *stripe.PaymentIntent) *PaymentIntent {
	return &PaymentIntent{
		ID:        pi.ID,
		Amount:    pi.Amount,
		Currency:  string(pi.Currency),
		Succeeded: pi.Status == stripe.PaymentIntentStatusSucceeded,
		Status:    string(pi.Status),
		Metadata:  pi.Metadata,
	}
}
