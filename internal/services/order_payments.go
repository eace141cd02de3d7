package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/payments"
	"github.com/webrichesse/orders-api/internal/repositories"
)

func (s *orderService) CreatePaymentSession(ctx context.Context, cmd CreatePaymentSessionCommand) (session PaymentSession, err error) {
	ctx, span := tracer.Start(ctx, "orders.CreatePaymentSession")
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentSession{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	successURL, err := normalizeRedirectURL("success_url", cmd.SuccessURL)
	if err != nil {
		return PaymentSession{}, err
	}
	cancelURL, err := normalizeRedirectURL("cancel_url", cmd.CancelURL)
	if err != nil {
		return PaymentSession{}, err
	}
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentSession{}, s.mapRepositoryError(err)
	}
	if err := checkoutAllowed(order); err != nil {
		return PaymentSession{}, err
	}

	lineItems := make([]payments.LineItem, 0, len(order.Items))
	for _, item := range order.Items {
		amount, err := payments.MinorUnits(item.UnitPrice, order.Currency)
		if err != nil {
			return PaymentSession{}, fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
		}
		lineItems = append(lineItems, payments.LineItem{
			Name:       firstNonEmpty(item.ProductTitle, defaultSessionLabel),
			Quantity:   int64(item.Quantity),
			UnitAmount: amount,
			Currency:   order.Currency,
		})
	}

	checkout, err := s.gateway.CreateCheckoutSession(ctx, payments.CheckoutSessionRequest{
		OrderID:        order.ID,
		StoreID:        order.StoreID,
		CustomerID:     order.CustomerID,
		Currency:       order.Currency,
		LineItems:      lineItems,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		IdempotencyKey: checkoutIdempotencyKey(order, successURL, cancelURL),
	})
	if err != nil {
		s.logger(ctx, "order.payment_session.gateway_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return PaymentSession{}, fmt.Errorf("%w: %v", ErrOrderPaymentGateway, err)
	}
	if strings.TrimSpace(checkout.PaymentReference) == "" {
		return PaymentSession{}, fmt.Errorf("%w: gateway returned no payment reference", ErrOrderPaymentGateway)
	}

	awaiting := domain.PaymentStatusAwaiting
	result, err := s.orders.ConditionalUpdate(ctx, order.ID, repositories.OrderMutation{
		PaymentStatus:          &awaiting,
		AppendPaymentReference: checkout.PaymentReference,
		UpdatedAt:              s.now(),
	}, repositories.OrderPrecondition{StatusIn: []domain.OrderStatus{domain.OrderStatusPending}})
	if err != nil {
		return PaymentSession{}, s.mapRepositoryError(err)
	}
	if !result.Applied {
		// The order left pending while the gateway call was in flight.
		return PaymentSession{}, checkoutAllowed(result.Before)
	}

	s.logger(ctx, "order.payment_session.created", map[string]any{
		"orderId":   order.ID,
		"sessionId": checkout.SessionID,
		"reference": checkout.PaymentReference,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventSessionCreated,
		OrderID:        order.ID,
		StoreID:        order.StoreID,
		CustomerID:     order.CustomerID,
		PreviousStatus: string(result.Before.Status),
		CurrentStatus:  string(result.After.Status),
		PaymentStatus:  result.After.PaymentStatus,
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     result.After.UpdatedAt,
		Metadata: map[string]any{
			"sessionId":        checkout.SessionID,
			"paymentReference": checkout.PaymentReference,
		},
	})

	return PaymentSession{
		OrderID:          order.ID,
		SessionID:        checkout.SessionID,
		RedirectURL:      checkout.RedirectURL,
		PaymentReference: checkout.PaymentReference,
	}, nil
}

func (s *orderService) CheckPaymentStatus(ctx context.Context, orderID string) (view PaymentView, err error) {
	ctx, span := tracer.Start(ctx, "orders.CheckPaymentStatus")
	defer func() { endSpan(span, err) }()

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return PaymentView{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentView{}, s.mapRepositoryError(err)
	}
	if strings.TrimSpace(order.PaymentReference) == "" {
		return paymentView(order), nil
	}

	live, err := s.gateway.GetPaymentIntentStatus(ctx, order.PaymentReference)
	if err != nil {
		s.logger(ctx, "order.payment_status.gateway_failed", map[string]any{
			"orderId":   order.ID,
			"reference": order.PaymentReference,
			"error":     err.Error(),
		})
		stale := paymentView(order)
		stale.GatewayError = err.Error()
		return stale, nil
	}
	if live == "" || live == order.PaymentStatus {
		return paymentView(order), nil
	}

	var refreshed Order
	if live == domain.PaymentStatusSucceeded {
		refreshed, err = s.ApplyGatewaySuccess(ctx, GatewaySuccessCommand{
			OrderID:   order.ID,
			Reference: order.PaymentReference,
		})
	} else {
		var changed bool
		refreshed, changed, err = s.recordPaymentStatus(ctx, order.ID, live, order.PaymentReference)
		if err == nil && changed {
			s.publishEvent(ctx, OrderEvent{
				Type:           orderEventPaymentObserved,
				OrderID:        refreshed.ID,
				StoreID:        refreshed.StoreID,
				CustomerID:     refreshed.CustomerID,
				PreviousStatus: string(refreshed.Status),
				CurrentStatus:  string(refreshed.Status),
				PaymentStatus:  refreshed.PaymentStatus,
				OccurredAt:     refreshed.UpdatedAt,
				Metadata:       eventMetadata("", order.PaymentReference, ""),
			})
		}
	}
	if err != nil {
		return PaymentView{}, err
	}
	return paymentView(refreshed), nil
}

func checkoutAllowed(order Order) error {
	switch {
	case statusIn(order.Status, domain.OrderStatusPaid, domain.OrderStatusCompleted):
		return fmt.Errorf("%w: order %s is %s", ErrOrderAlreadyPaid, order.ID, order.Status)
	case order.Status == domain.OrderStatusCancelled:
		return fmt.Errorf("%w: order %s is cancelled", ErrOrderInvalidState, order.ID)
	case order.Status != domain.OrderStatusPending:
		return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.ID, order.Status)
	}
	return nil
}

// checkoutIdempotencyKey is stable for retries of one attempt and changes once a
// reference has been bound, so a later checkout opens a fresh session.
func checkoutIdempotencyKey(order Order, successURL, cancelURL string) string {
	sum := sha256.Sum256([]byte(successURL + "|" + cancelURL))
	return fmt.Sprintf("checkout-%s-%d-%s", order.ID, len(order.PaymentReferences), hex.EncodeToString(sum[:6]))
}

func normalizeRedirectURL(field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: %s is required", ErrOrderInvalidInput, field)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return "", fmt.Errorf("%w: %s must be an absolute http(s) url", ErrOrderInvalidInput, field)
	}
	return parsed.String(), nil
}

func paymentView(order Order) PaymentView {
	return PaymentView{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
