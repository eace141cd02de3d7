package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/repositories"
)

// transitionSource distinguishes operator actions from gateway confirmations.
type transitionSource string

const (
	sourceManual  transitionSource = "manual"
	sourceGateway transitionSource = "gateway"
)

// orderTransitions lists, per target status, the stored statuses it may be applied to.
// The target itself is always included so re-applying a status is a harmless no-op.
var orderTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:   {domain.OrderStatusPending},
	domain.OrderStatusPaid:      {domain.OrderStatusPending, domain.OrderStatusPaid},
	domain.OrderStatusCompleted: {domain.OrderStatusPaid, domain.OrderStatusCompleted},
	domain.OrderStatusCancelled: {domain.OrderStatusPending, domain.OrderStatusPaid, domain.OrderStatusCancelled},
}

var statusEvents = map[domain.OrderStatus]string{
	domain.OrderStatusPaid:      orderEventPaid,
	domain.OrderStatusCompleted: orderEventCompleted,
	domain.OrderStatusCancelled: orderEventCancelled,
}

type transitionRequest struct {
	orderID   string
	target    domain.OrderStatus
	source    transitionSource
	reference string
	actorID   string
	eventID   string
}

func (s *orderService) UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (order Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.UpdateOrderStatus")
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.target_status", string(cmd.Status)))

	return s.applyTransition(ctx, transitionRequest{
		orderID: orderID,
		target:  cmd.Status,
		source:  sourceManual,
		actorID: strings.TrimSpace(cmd.ActorID),
	})
}

func (s *orderService) ApplyGatewaySuccess(ctx context.Context, cmd GatewaySuccessCommand) (order Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.ApplyGatewaySuccess")
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	span.SetAttributes(attribute.String("order.id", orderID))

	return s.applyTransition(ctx, transitionRequest{
		orderID:   orderID,
		target:    domain.OrderStatusPaid,
		source:    sourceGateway,
		reference: strings.TrimSpace(cmd.Reference),
		eventID:   strings.TrimSpace(cmd.EventID),
	})
}

func (s *orderService) ApplyGatewayFailure(ctx context.Context, cmd GatewayFailureCommand) (order Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.ApplyGatewayFailure")
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	span.SetAttributes(attribute.String("order.id", orderID))

	order, changed, err := s.recordPaymentStatus(ctx, orderID, domain.PaymentStatusFailed, "")
	if err != nil {
		return Order{}, err
	}
	if changed {
		s.logger(ctx, "order.payment.failed", map[string]any{
			"orderId":   order.ID,
			"reference": cmd.Reference,
			"eventId":   cmd.EventID,
			"reason":    cmd.FailureMessage,
		})
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventPaymentFailed,
			OrderID:        order.ID,
			StoreID:        order.StoreID,
			CustomerID:     order.CustomerID,
			PreviousStatus: string(order.Status),
			CurrentStatus:  string(order.Status),
			PaymentStatus:  order.PaymentStatus,
			OccurredAt:     order.UpdatedAt,
			Metadata:       eventMetadata(cmd.EventID, cmd.Reference, cmd.FailureMessage),
		})
	}
	return order, nil
}

// applyTransition moves an order toward target with one conditional update and
// classifies a rejected precondition against the stored state it was checked on.
func (s *orderService) applyTransition(ctx context.Context, req transitionRequest) (Order, error) {
	allowed, ok := orderTransitions[req.target]
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, req.target)
	}

	now := s.now()
	mutation := transitionMutation(req, now)
	result, err := s.orders.ConditionalUpdate(ctx, req.orderID, mutation, repositories.OrderPrecondition{StatusIn: allowed})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if result.Applied {
		s.afterTransition(ctx, req, result.Before, result.After)
		return result.After, nil
	}

	current := result.Before
	if req.source == sourceGateway {
		switch current.Status {
		case domain.OrderStatusCompleted:
			return current, nil
		case domain.OrderStatusCancelled:
			return s.recordLateSuccess(ctx, req, current, now)
		}
	}

	return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, current.Status, req.target)
}

func transitionMutation(req transitionRequest, now time.Time) repositories.OrderMutation {
	target := req.target
	mutation := repositories.OrderMutation{
		Status:    &target,
		UpdatedAt: now,
	}
	switch target {
	case domain.OrderStatusPaid:
		mutation.SetPaidAt = &now
		if req.source == sourceGateway {
			succeeded := domain.PaymentStatusSucceeded
			mutation.PaymentStatus = &succeeded
			mutation.AppendPaymentReference = req.reference
		}
	case domain.OrderStatusCompleted:
		mutation.SetCompletedAt = &now
	case domain.OrderStatusCancelled:
		mutation.SetCancelledAt = &now
	}
	return mutation
}

// recordLateSuccess keeps a cancelled order cancelled but remembers the gateway took the money.
func (s *orderService) recordLateSuccess(ctx context.Context, req transitionRequest, current Order, now time.Time) (Order, error) {
	succeeded := domain.PaymentStatusSucceeded
	result, err := s.orders.ConditionalUpdate(ctx, req.orderID, repositories.OrderMutation{
		PaymentStatus: &succeeded,
		UpdatedAt:     now,
	}, repositories.OrderPrecondition{StatusIn: []domain.OrderStatus{domain.OrderStatusCancelled}})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !result.Applied {
		return result.Before, nil
	}
	if current.PaymentStatus != domain.PaymentStatusSucceeded {
		s.logger(ctx, "order.payment.succeeded_after_cancel", map[string]any{
			"orderId":   req.orderID,
			"reference": req.reference,
			"eventId":   req.eventID,
			"severity":  "warning",
		})
	}
	return result.After, nil
}

func (s *orderService) afterTransition(ctx context.Context, req transitionRequest, before, after Order) {
	if before.Status == after.Status {
		return
	}
	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": after.ID,
		"from":    string(before.Status),
		"to":      string(after.Status),
		"source":  string(req.source),
		"eventId": req.eventID,
	})
	eventType, ok := statusEvents[after.Status]
	if !ok {
		return
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           eventType,
		OrderID:        after.ID,
		StoreID:        after.StoreID,
		CustomerID:     after.CustomerID,
		PreviousStatus: string(before.Status),
		CurrentStatus:  string(after.Status),
		PaymentStatus:  after.PaymentStatus,
		ActorID:        req.actorID,
		OccurredAt:     after.UpdatedAt,
		Metadata:       eventMetadata(req.eventID, req.reference, ""),
	})
}

// recordPaymentStatus writes payment_status without touching the lifecycle status.
// When reference is set the update only applies while the order still carries it.
func (s *orderService) recordPaymentStatus(ctx context.Context, orderID, paymentStatus, reference string) (Order, bool, error) {
	precondition := repositories.OrderPrecondition{PaymentReference: reference}
	result, err := s.orders.ConditionalUpdate(ctx, orderID, repositories.OrderMutation{
		PaymentStatus: &paymentStatus,
		UpdatedAt:     s.now(),
	}, precondition)
	if err != nil {
		return Order{}, false, s.mapRepositoryError(err)
	}
	if !result.Applied {
		return result.Before, false, nil
	}
	return result.After, result.Before.PaymentStatus != result.After.PaymentStatus, nil
}

func eventMetadata(eventID, reference, reason string) map[string]any {
	metadata := map[string]any{}
	if eventID != "" {
		metadata["gatewayEventId"] = eventID
	}
	if reference != "" {
		metadata["paymentReference"] = reference
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func statusIn(status domain.OrderStatus, candidates ...domain.OrderStatus) bool {
	return slices.Contains(candidates, status)
}
