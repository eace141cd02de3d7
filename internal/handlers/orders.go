package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/platform/auth"
	"github.com/webrichesse/orders-api/internal/platform/httpx"
	"github.com/webrichesse/orders-api/internal/platform/pagination"
	"github.com/webrichesse/orders-api/internal/services"
)

const (
	maxCreateOrderBody    = 32 * 1024
	maxStatusBody         = 1024
	maxPaymentSessionBody = 4 * 1024
)

// OrderHandlers exposes order endpoints for customers, store owners and admins.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithCreateIdempotency wraps order creation with an Idempotency-Key middleware.
func WithCreateIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}

	create := http.Handler(http.HandlerFunc(h.createOrder))
	if h.idempotency != nil {
		create = h.idempotency(create)
	}
	r.Method(http.MethodPost, "/", create)
	r.Get("/me", h.listMyOrders)
	r.Get("/store/{storeID}", h.listStoreOrders)
	r.Post("/payment-session", h.createPaymentSession)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}/status", h.updateStatus)
	r.Get("/{orderID}/payment-status", h.paymentStatus)
}

type createOrderItemRequest struct {
	ProductID string `json:"product_id"`
	// ProductTitle is accepted for client compatibility; the catalog title is authoritative.
	ProductTitle string          `json:"product_title"`
	ProductPrice decimal.Decimal `json:"product_price"`
	Quantity     int             `json:"quantity"`
}

type createOrderRequest struct {
	StoreID  string                   `json:"store_id"`
	Items    []createOrderItemRequest `json:"items"`
	Total    decimal.Decimal          `json:"total"`
	Currency string                   `json:"currency"`
	Metadata map[string]any           `json:"metadata"`
	// Status is ignored; new orders always start pending.
	Status string `json:"status"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type paymentSessionRequest struct {
	OrderID    string `json:"order_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type orderItemResponse struct {
	ProductID    string `json:"product_id"`
	ProductTitle string `json:"product_title"`
	ProductPrice string `json:"product_price"`
	Quantity     int    `json:"quantity"`
	LineTotal    string `json:"line_total"`
}

type orderResponse struct {
	ID                string              `json:"id"`
	StoreID           string              `json:"store_id"`
	CustomerID        string              `json:"customer_id"`
	Items             []orderItemResponse `json:"items"`
	Total             string              `json:"total"`
	Currency          string              `json:"currency"`
	Status            string              `json:"status"`
	PaymentIntentID   string              `json:"payment_intent_id,omitempty"`
	PaymentReferences []string            `json:"payment_references,omitempty"`
	PaymentStatus     string              `json:"payment_status,omitempty"`
	Metadata          map[string]any      `json:"metadata"`
	CreatedAt         string              `json:"created_at"`
	UpdatedAt         string              `json:"updated_at"`
	PaidAt            *string             `json:"paid_at"`
	CompletedAt       *string             `json:"completed_at"`
	CancelledAt       *string             `json:"cancelled_at"`
}

type orderPageResponse struct {
	Items []orderResponse `json:"items"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
	Pages int             `json:"pages"`
}

type paymentSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type paymentStatusResponse struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Error         string `json:"error,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !identity.HasAnyRole(auth.RoleCustomer, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "only customers can place orders", http.StatusForbidden))
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(r, maxCreateOrderBody, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	items := make([]services.CreateOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CreateOrderItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			UnitPrice: item.ProductPrice,
		})
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		CustomerID:   identity.Subject,
		StoreID:      strings.TrimSpace(req.StoreID),
		Items:        items,
		ClaimedTotal: req.Total,
		Currency:     strings.TrimSpace(req.Currency),
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newOrderResponse(order))
}

func (h *OrderHandlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	filter, ok := parseListFilter(w, r)
	if !ok {
		return
	}
	page, err := h.orders.ListCustomerOrders(ctx, identity.Subject, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPageResponse(page))
}

func (h *OrderHandlers) listStoreOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	storeID := strings.TrimSpace(chi.URLParam(r, "storeID"))
	if !identity.OwnsStore(storeID) && !identity.IsAdmin() {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "you don't have permission to view orders for this store", http.StatusForbidden))
		return
	}
	filter, ok := parseListFilter(w, r)
	if !ok {
		return
	}
	page, err := h.orders.ListStoreOrders(ctx, storeID, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPageResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadVisibleOrder(w, r, canViewOrder)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderResponse(order))
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadVisibleOrder(w, r, canManageOrder)
	if !ok {
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		var req updateStatusRequest
		if err := httpx.DecodeJSON(r, maxStatusBody, &req); err != nil {
			httpx.WriteDecodeError(w, r, err)
			return
		}
		raw = req.Status
	}
	status, valid := domain.ParseOrderStatus(raw)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status", "invalid status; must be one of: pending, paid, completed, cancelled", http.StatusBadRequest))
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)
	updated, err := h.orders.UpdateOrderStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: order.ID,
		Status:  status,
		ActorID: identity.Subject,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderResponse(updated))
}

func (h *OrderHandlers) createPaymentSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req paymentSessionRequest
	if err := httpx.DecodeJSON(r, maxPaymentSessionBody, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if order.CustomerID != identity.Subject && !identity.IsAdmin() {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "you don't have permission to pay for this order", http.StatusForbidden))
		return
	}

	session, err := h.orders.CreatePaymentSession(ctx, services.CreatePaymentSessionCommand{
		OrderID:    order.ID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		ActorID:    identity.Subject,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentSessionResponse{SessionID: session.SessionID, URL: session.RedirectURL})
}

func (h *OrderHandlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadVisibleOrder(w, r, canViewOrder)
	if !ok {
		return
	}
	view, err := h.orders.CheckPaymentStatus(ctx, order.ID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentStatusResponse{
		Status:        string(view.Status),
		PaymentStatus: view.PaymentStatus,
		Error:         view.GatewayError,
	})
}

func (h *OrderHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *OrderHandlers) loadVisibleOrder(w http.ResponseWriter, r *http.Request, allowed func(*auth.Identity, services.Order) bool) (services.Order, bool) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return services.Order{}, false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, false
	}
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return services.Order{}, false
	}
	if !allowed(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "you don't have permission to access this order", http.StatusForbidden))
		return services.Order{}, false
	}
	return order, true
}

func canViewOrder(identity *auth.Identity, order services.Order) bool {
	return order.CustomerID == identity.Subject || identity.OwnsStore(order.StoreID) || identity.IsAdmin()
}

func canManageOrder(identity *auth.Identity, order services.Order) bool {
	return identity.OwnsStore(order.StoreID) || identity.IsAdmin()
}

func parseListFilter(w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	params, err := pagination.FromRequest(r)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return services.OrderListFilter{}, false
	}
	filter := services.OrderListFilter{Page: params.Page, Limit: params.Limit}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_status", "invalid status filter", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		filter.Status = &status
	}
	return filter, true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderPriceMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("price_mismatch", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderTotalMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("total_mismatch", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderAlreadyPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_paid", "order is already paid", http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment provider request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderRepositoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_store_unavailable", "order store unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func newOrderResponse(order services.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemResponse{
			ProductID:    item.ProductID,
			ProductTitle: item.ProductTitle,
			ProductPrice: item.UnitPrice.StringFixed(2),
			Quantity:     item.Quantity,
			LineTotal:    item.LineTotal().StringFixed(2),
		})
	}
	metadata := order.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return orderResponse{
		ID:                order.ID,
		StoreID:           order.StoreID,
		CustomerID:        order.CustomerID,
		Items:             items,
		Total:             order.Total.StringFixed(2),
		Currency:          order.Currency,
		Status:            string(order.Status),
		PaymentIntentID:   order.PaymentReference,
		PaymentReferences: order.PaymentReferences,
		PaymentStatus:     order.PaymentStatus,
		Metadata:          metadata,
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
		PaidAt:            formatTimePtr(order.PaidAt),
		CompletedAt:       formatTimePtr(order.CompletedAt),
		CancelledAt:       formatTimePtr(order.CancelledAt),
	}
}

func newOrderPageResponse(page services.OrderPage) orderPageResponse {
	items := make([]orderResponse, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, newOrderResponse(order))
	}
	return orderPageResponse{Items: items, Total: page.Total, Page: page.Page, Limit: page.Limit, Pages: page.Pages}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}
