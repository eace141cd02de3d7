package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/webrichesse/orders-api/internal/payments"
	"github.com/webrichesse/orders-api/internal/platform/idempotency"
	"github.com/webrichesse/orders-api/internal/repositories"
)

const (
	webhookLedgerPrefix     = "stripe:"
	defaultWebhookLedgerTTL = 72 * time.Hour
	webhookMeterName        = "github.com/webrichesse/orders-api/internal/services"
)

var (
	// ErrWebhookInvalidPayload indicates the delivery failed signature or structural checks.
	ErrWebhookInvalidPayload = errors.New("webhook: invalid payload")
	// ErrWebhookInProgress indicates another delivery of the same event is being processed.
	ErrWebhookInProgress = errors.New("webhook: event already in progress")
	// ErrWebhookUnavailable indicates a transient failure; the gateway should redeliver.
	ErrWebhookUnavailable = errors.New("webhook: temporarily unavailable")
)

// WebhookReconcilerDeps bundles collaborators required to construct the reconciler.
type WebhookReconcilerDeps struct {
	Gateway payments.Gateway
	Orders  repositories.OrderRepository
	Service OrderService
	// Ledger records processed event IDs. Nil disables duplicate suppression.
	Ledger    idempotency.Store
	LedgerTTL time.Duration
	Meter     metric.Meter
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type webhookReconciler struct {
	gateway   payments.Gateway
	orders    repositories.OrderRepository
	service   OrderService
	ledger    idempotency.Store
	ledgerTTL time.Duration
	outcomes  metric.Int64Counter
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

var _ WebhookReconciler = (*webhookReconciler)(nil)

// NewWebhookReconciler wires the gateway event parser to the order service.
func NewWebhookReconciler(deps WebhookReconcilerDeps) (WebhookReconciler, error) {
	if deps.Gateway == nil {
		return nil, errors.New("webhook reconciler: payment gateway is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("webhook reconciler: order repository is required")
	}
	if deps.Service == nil {
		return nil, errors.New("webhook reconciler: order service is required")
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(webhookMeterName)
	}
	outcomes, err := meter.Int64Counter("orders.webhook.events",
		metric.WithDescription("Gateway webhook deliveries by event type and outcome"))
	if err != nil {
		return nil, fmt.Errorf("webhook reconciler: create counter: %w", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.LedgerTTL
	if ttl <= 0 {
		ttl = defaultWebhookLedgerTTL
	}

	return &webhookReconciler{
		gateway:   deps.Gateway,
		orders:    deps.Orders,
		service:   deps.Service,
		ledger:    deps.Ledger,
		ledgerTTL: ttl,
		outcomes:  outcomes,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (r *webhookReconciler) HandleGatewayEvent(ctx context.Context, payload []byte, signatureHeader string) (result ReconcileResult, err error) {
	ctx, span := tracer.Start(ctx, "orders.HandleGatewayEvent")
	defer func() { endSpan(span, err) }()

	event, err := r.gateway.ParseEvent(payload, signatureHeader)
	if err != nil {
		r.logger(ctx, "webhook.rejected", map[string]any{"error": err.Error()})
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrWebhookInvalidPayload, err)
	}

	result = ReconcileResult{EventID: event.ID(), EventType: event.Type()}
	span.SetAttributes(attribute.String("webhook.event_id", result.EventID), attribute.String("webhook.event_type", result.EventType))

	key := webhookLedgerPrefix + result.EventID
	if r.ledger != nil {
		reservation, err := r.ledger.Reserve(ctx, key, result.EventType, r.clock(), r.ledgerTTL)
		switch {
		case errors.Is(err, idempotency.ErrFingerprintMismatch):
			return result, fmt.Errorf("%w: event %s replayed with a different type", ErrWebhookInvalidPayload, result.EventID)
		case err != nil:
			return result, fmt.Errorf("%w: reserve event: %v", ErrWebhookUnavailable, err)
		}
		switch reservation.State {
		case idempotency.ReservationStateCompleted:
			result.Outcome = ReconcileDuplicate
			result.OrderID = ledgerOrderID(reservation.Record)
			r.record(ctx, result)
			return result, nil
		case idempotency.ReservationStatePending:
			return result, ErrWebhookInProgress
		}
	}

	outcome, orderID, err := r.dispatch(ctx, event)
	if err != nil {
		if r.ledger != nil {
			if relErr := r.ledger.Release(context.WithoutCancel(ctx), key, result.EventType); relErr != nil {
				r.logger(ctx, "webhook.ledger.release_failed", map[string]any{"eventId": result.EventID, "error": relErr.Error()})
			}
		}
		r.logger(ctx, "webhook.failed", map[string]any{
			"eventId": result.EventID,
			"type":    result.EventType,
			"error":   err.Error(),
		})
		return result, fmt.Errorf("%w: %v", ErrWebhookUnavailable, err)
	}
	result.Outcome = outcome
	result.OrderID = orderID

	if r.ledger != nil {
		resp := idempotency.Response{
			Status:  http.StatusOK,
			Headers: http.Header{"X-Order-Id": []string{orderID}},
			Body:    []byte(outcome),
		}
		if saveErr := r.ledger.SaveResponse(ctx, key, result.EventType, resp, r.clock(), r.ledgerTTL); saveErr != nil {
			r.logger(ctx, "webhook.ledger.save_failed", map[string]any{"eventId": result.EventID, "error": saveErr.Error()})
		}
	}

	r.record(ctx, result)
	return result, nil
}

func (r *webhookReconciler) dispatch(ctx context.Context, event payments.Event) (ReconcileOutcome, string, error) {
	switch e := event.(type) {
	case payments.CheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, e)
	case payments.PaymentFailed:
		return r.handlePaymentFailed(ctx, e)
	default:
		r.logger(ctx, "webhook.ignored", map[string]any{"eventId": event.ID(), "type": event.Type()})
		return ReconcileIgnored, "", nil
	}
}

func (r *webhookReconciler) handleCheckoutCompleted(ctx context.Context, event payments.CheckoutCompleted) (ReconcileOutcome, string, error) {
	if event.OrderID == "" {
		r.logger(ctx, "webhook.missing_correlation", map[string]any{
			"eventId":   event.EventID,
			"sessionId": event.SessionID,
			"intentId":  event.IntentID,
		})
		return ReconcileMissingCorrelation, "", nil
	}

	_, err := r.service.ApplyGatewaySuccess(ctx, GatewaySuccessCommand{
		OrderID:   event.OrderID,
		Reference: event.Reference(),
		EventID:   event.EventID,
	})
	return r.classify(ctx, event.EventID, event.OrderID, err)
}

func (r *webhookReconciler) handlePaymentFailed(ctx context.Context, event payments.PaymentFailed) (ReconcileOutcome, string, error) {
	orderID, err := r.resolveFailedOrder(ctx, event)
	if err != nil {
		return "", "", err
	}
	if orderID == "" {
		r.logger(ctx, "webhook.order_not_found", map[string]any{
			"eventId":  event.EventID,
			"intentId": event.IntentID,
		})
		return ReconcileOrderNotFound, "", nil
	}

	_, err = r.service.ApplyGatewayFailure(ctx, GatewayFailureCommand{
		OrderID:        orderID,
		Reference:      event.IntentID,
		FailureMessage: event.FailureMessage,
		EventID:        event.EventID,
	})
	return r.classify(ctx, event.EventID, orderID, err)
}

// resolveFailedOrder prefers the payment reference and falls back to the
// correlation metadata copied onto the intent.
func (r *webhookReconciler) resolveFailedOrder(ctx context.Context, event payments.PaymentFailed) (string, error) {
	if event.IntentID != "" {
		order, err := r.orders.FindByPaymentReference(ctx, event.IntentID)
		if err == nil {
			return order.ID, nil
		}
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			return "", err
		}
	}
	return strings.TrimSpace(event.OrderID), nil
}

// classify turns order service errors into acknowledged outcomes. Only
// transient failures are returned so the gateway redelivers.
func (r *webhookReconciler) classify(ctx context.Context, eventID, orderID string, err error) (ReconcileOutcome, string, error) {
	switch {
	case err == nil:
		return ReconcileProcessed, orderID, nil
	case errors.Is(err, ErrOrderNotFound):
		r.logger(ctx, "webhook.order_not_found", map[string]any{"eventId": eventID, "orderId": orderID})
		return ReconcileOrderNotFound, orderID, nil
	case errors.Is(err, ErrOrderInvalidTransition), errors.Is(err, ErrOrderConflict), errors.Is(err, ErrOrderInvalidInput):
		r.logger(ctx, "webhook.unresolvable", map[string]any{"eventId": eventID, "orderId": orderID, "error": err.Error()})
		return ReconcileIgnored, orderID, nil
	default:
		return "", orderID, err
	}
}

func (r *webhookReconciler) record(ctx context.Context, result ReconcileResult) {
	r.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", result.EventType),
		attribute.String("outcome", string(result.Outcome)),
	))
	r.logger(ctx, "webhook.reconciled", map[string]any{
		"eventId": result.EventID,
		"type":    result.EventType,
		"outcome": string(result.Outcome),
		"orderId": result.OrderID,
	})
}

func ledgerOrderID(record idempotency.Record) string {
	if values := record.ResponseHeaders["X-Order-Id"]; len(values) > 0 {
		return values[0]
	}
	return ""
}
