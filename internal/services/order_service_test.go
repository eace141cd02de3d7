package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/webrichesse/orders-api/internal/domain"
	"github.com/webrichesse/orders-api/internal/payments"
	"github.com/webrichesse/orders-api/internal/repositories"
	"github.com/webrichesse/orders-api/internal/repositories/memory"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type stubGateway struct {
	mu          sync.Mutex
	createFn    func(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	statusFn    func(context.Context, string) (string, error)
	parseFn     func([]byte, string) (payments.Event, error)
	createCalls []payments.CheckoutSessionRequest
	statusCalls []string
}

func (g *stubGateway) CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	g.mu.Lock()
	g.createCalls = append(g.createCalls, req)
	g.mu.Unlock()
	if g.createFn != nil {
		return g.createFn(ctx, req)
	}
	return payments.CheckoutSession{
		SessionID:        "cs_test_" + req.OrderID,
		RedirectURL:      "https://checkout.stripe.test/" + req.OrderID,
		PaymentReference: "pi_" + req.OrderID,
	}, nil
}

func (g *stubGateway) GetPaymentIntentStatus(ctx context.Context, reference string) (string, error) {
	g.mu.Lock()
	g.statusCalls = append(g.statusCalls, reference)
	g.mu.Unlock()
	if g.statusFn != nil {
		return g.statusFn(ctx, reference)
	}
	return "", errors.New("not implemented")
}

func (g *stubGateway) ParseEvent(payload []byte, header string) (payments.Event, error) {
	if g.parseFn != nil {
		return g.parseFn(payload, header)
	}
	return nil, payments.ErrInvalidEvent
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type logEntry struct {
	event  string
	fields map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{event: event, fields: fields})
}

func (l *recordingLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.event == event {
			return true
		}
	}
	return false
}

type orderFixture struct {
	svc       OrderService
	repo      *memory.OrderRepository
	catalog   *memory.Catalog
	gateway   *stubGateway
	publisher *recordingPublisher
	logger    *recordingLogger
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	f := &orderFixture{
		repo: memory.NewOrderRepository(),
		catalog: memory.NewCatalog(
			domain.Product{ID: "p1", StoreID: "store_1", Title: "Field Guide <b>PDF</b>", Price: decimal.RequireFromString("10.00")},
			domain.Product{ID: "p2", StoreID: "store_1", Title: "Preset Pack", Price: decimal.RequireFromString("4.99")},
			domain.Product{ID: "p9", StoreID: "store_9", Title: "Other Store", Price: decimal.RequireFromString("1.00")},
		),
		gateway:   &stubGateway{},
		publisher: &recordingPublisher{},
		logger:    &recordingLogger{},
	}
	ids := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   f.repo,
		Catalog:  f.catalog,
		Gateway:  f.gateway,
		Events:   f.publisher,
		Currency: "usd",
		Clock:    func() time.Time { return testNow },
		IDGenerator: func() string {
			ids++
			return "TEST" + string(rune('A'+ids-1))
		},
		Logger: f.logger.log,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *orderFixture) seed(t *testing.T, order domain.Order) domain.Order {
	t.Helper()
	if order.StoreID == "" {
		order.StoreID = "store_1"
	}
	if order.CustomerID == "" {
		order.CustomerID = "cust_1"
	}
	if order.Currency == "" {
		order.Currency = "USD"
	}
	if len(order.Items) == 0 {
		order.Items = []domain.OrderItem{{ProductID: "p1", ProductTitle: "Field Guide", UnitPrice: decimal.RequireFromString("10.00"), Quantity: 1}}
		order.Total = decimal.RequireFromString("10.00")
	}
	order.CreatedAt = testNow.Add(-time.Hour)
	order.UpdatedAt = order.CreatedAt
	if err := f.repo.Insert(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func (f *orderFixture) load(t *testing.T, orderID string) domain.Order {
	t.Helper()
	order, err := f.repo.FindByID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("load order %s: %v", orderID, err)
	}
	return order
}

func basket(items ...CreateOrderItem) []CreateOrderItem { return items }

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatal("expected error without repository")
	}
	if _, err := NewOrderService(OrderServiceDeps{Orders: memory.NewOrderRepository()}); err == nil {
		t.Fatal("expected error without catalog")
	}
	if _, err := NewOrderService(OrderServiceDeps{Orders: memory.NewOrderRepository(), Catalog: memory.NewCatalog()}); err == nil {
		t.Fatal("expected error without gateway")
	}
}

func TestCreateOrderUsesAuthoritativePrices(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID: "cust_1",
		StoreID:    "store_1",
		Items: basket(
			CreateOrderItem{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("10")},
			CreateOrderItem{ProductID: "p2", Quantity: 3, UnitPrice: decimal.RequireFromString("4.99")},
		),
		ClaimedTotal: decimal.RequireFromString("34.97"),
		Metadata:     map[string]any{"note": "<script>x</script>gift", "priority": true},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.ID != "ord_TESTA" {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if !order.Total.Equal(decimal.RequireFromString("34.97")) {
		t.Fatalf("expected total 34.97, got %s", order.Total)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentReference != "" || order.PaymentStatus != "" {
		t.Fatalf("unexpected initial state %+v", order)
	}
	if !order.CreatedAt.Equal(testNow) || !order.UpdatedAt.Equal(testNow) {
		t.Fatalf("expected timestamps to equal clock, got %s/%s", order.CreatedAt, order.UpdatedAt)
	}
	if order.Currency != "USD" {
		t.Fatalf("expected USD, got %s", order.Currency)
	}
	if order.Items[0].ProductTitle != "Field Guide PDF" {
		t.Fatalf("expected sanitised title, got %q", order.Items[0].ProductTitle)
	}
	if got := order.Metadata["note"]; got != "gift" {
		t.Fatalf("expected sanitised metadata, got %q", got)
	}

	stored := f.load(t, order.ID)
	if !stored.Total.Equal(order.Total) {
		t.Fatalf("stored total mismatch: %s", stored.Total)
	}
	if types := f.publisher.types(); len(types) != 1 || types[0] != orderEventCreated {
		t.Fatalf("expected order.created event, got %v", types)
	}
	if len(f.gateway.createCalls) != 0 {
		t.Fatal("creation must not contact the gateway")
	}
}

func TestCreateOrderTotalTolerance(t *testing.T) {
	f := newOrderFixture(t)
	cmd := CreateOrderCommand{
		CustomerID: "cust_1",
		StoreID:    "store_1",
		Items:      basket(CreateOrderItem{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")}),
	}

	cmd.ClaimedTotal = decimal.RequireFromString("20.01")
	if _, err := f.svc.CreateOrder(context.Background(), cmd); err != nil {
		t.Fatalf("expected claimed total within 0.01 to pass, got %v", err)
	}

	cmd.ClaimedTotal = decimal.RequireFromString("20.02")
	if _, err := f.svc.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrOrderTotalMismatch) {
		t.Fatalf("expected total mismatch, got %v", err)
	}
}

func TestCreateOrderRejections(t *testing.T) {
	ten := decimal.RequireFromString("10.00")
	cases := []struct {
		name string
		cmd  CreateOrderCommand
		want error
	}{
		{
			name: "missing customer",
			cmd:  CreateOrderCommand{StoreID: "store_1", Items: basket(CreateOrderItem{ProductID: "p1", Quantity: 1, UnitPrice: ten}), ClaimedTotal: ten},
			want: ErrOrderInvalidInput,
		},
		{
			name: "no items",
			cmd:  CreateOrderCommand{CustomerID: "cust_1", StoreID: "store_1", ClaimedTotal: ten},
			want: ErrOrderInvalidInput,
		},
		{
			name: "zero quantity",
			cmd:  CreateOrderCommand{CustomerID: "cust_1", StoreID: "store_1", Items: basket(CreateOrderItem{ProductID: "p1", Quantity: 0, UnitPrice: ten}), ClaimedTotal: ten},
			want: ErrOrderInvalidInput,
		},
		{
			name: "foreign currency",
			cmd:  CreateOrderCommand{CustomerID: "cust_1", StoreID: "store_1", Currency: "EUR", Items: basket(CreateOrderItem{ProductID: "p1", Quantity: 1, UnitPrice: ten}), ClaimedTotal: ten},
			want: ErrOrderInvalidInput,
		},
		{
			name: "unknown product",
			cmd:  CreateOrderCommand{CustomerID: "cust_1", StoreID: "store_1", Items: basket(CreateOrderItem{ProductID: "missing", Quantity: 1, UnitPrice: ten}), ClaimedTotal: ten},
			want: ErrOrderProductNotFound,
		},
		{
			name: "product from another store",
			cmd:  CreateOrderCommand{CustomerID: "cust_1", StoreID: "store_1", Items: basket(CreateOrderItem{ProductID: "p9", Quantity: 1, UnitPrice: decimal.NewFromInt(1)}), ClaimedTotal: decimal.NewFromInt(1)},
			want: ErrOrderProductNotFound,
		},
		{
			name: "tampered price",
			cmd:  CreateOrderCommand{CustomerID: "cust_1", StoreID: "store_1", Items: basket(CreateOrderItem{ProductID: "p1", Quantity: 1, UnitPrice: decimal.RequireFromString("1.00")}), ClaimedTotal: decimal.RequireFromString("1.00")},
			want: ErrOrderPriceMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrderFixture(t)
			if _, err := f.svc.CreateOrder(context.Background(), tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(f.publisher.events) != 0 {
				t.Fatalf("expected no events on rejection, got %v", f.publisher.types())
			}
		})
	}
}

func TestCreatePaymentSessionBindsReference(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seed(t, domain.Order{ID: "ord_1", Status: domain.OrderStatusPending})

	session, err := f.svc.CreatePaymentSession(context.Background(), CreatePaymentSessionCommand{
		OrderID:    order.ID,
		SuccessURL: "https://shop.test/success",
		CancelURL:  "https://shop.test/cancel",
	})
	if err != nil {
		t.Fatalf("CreatePaymentSession: %v", err)
	}
	if session.PaymentReference != "pi_ord_1" || session.RedirectURL == "" || session.SessionID != "cs_test_ord_1" {
		t.Fatalf("unexpected session %+v", session)
	}

	req := f.gateway.createCalls[0]
	if req.OrderID != "ord_1" || len(req.LineItems) != 1 {
		t.Fatalf("unexpected gateway request %+v", req)
	}
	if item := req.LineItems[0]; item.UnitAmount != 1000 || item.Quantity != 1 || item.Name != "Field Guide" {
		t.Fatalf("unexpected line item %+v", item)
	}
	if !strings.HasPrefix(req.IdempotencyKey, "checkout-ord_1-0-") {
		t.Fatalf("unexpected idempotency key %s", req.IdempotencyKey)
	}

	stored := f.load(t, order.ID)
	if stored.PaymentReference != "pi_ord_1" || stored.PaymentStatus != domain.PaymentStatusAwaiting {
		t.Fatalf("expected reference bound and awaiting, got %+v", stored)
	}
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("session must not move status, got %s", stored.Status)
	}
	if types := f.publisher.types(); len(types) != 1 || types[0] != orderEventSessionCreated {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestCreatePaymentSessionRejectsPaidOrdersWithoutMutation(t *testing.T) {
	for _, status := range []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusCompleted} {
		f := newOrderFixture(t)
		seeded := f.seed(t, domain.Order{ID: "ord_paid", Status: status, PaymentReference: "pi_old", PaymentReferences: []string{"pi_old"}, PaymentStatus: "succeeded"})

		_, err := f.svc.CreatePaymentSession(context.Background(), CreatePaymentSessionCommand{
			OrderID:    seeded.ID,
			SuccessURL: "https://shop.test/success",
			CancelURL:  "https://shop.test/cancel",
		})
		if !errors.Is(err, ErrOrderAlreadyPaid) {
			t.Fatalf("%s: expected already paid, got %v", status, err)
		}
		if len(f.gateway.createCalls) != 0 {
			t.Fatalf("%s: gateway must not be called", status)
		}
		stored := f.load(t, seeded.ID)
		if stored.PaymentReference != "pi_old" || !stored.UpdatedAt.Equal(seeded.UpdatedAt) {
			t.Fatalf("%s: order mutated: %+v", status, stored)
		}
	}
}

func TestCreatePaymentSessionCancelledOrder(t *testing.T) {
	f := newOrderFixture(t)
	f.seed(t, domain.Order{ID: "ord_c", Status: domain.OrderStatusCancelled})

	_, err := f.svc.CreatePaymentSession(context.Background(), CreatePaymentSessionCommand{
		OrderID:    "ord_c",
		SuccessURL: "https://shop.test/success",
		CancelURL:  "https://shop.test/cancel",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCreatePaymentSessionGatewayFailureLeavesOrderUntouched(t *testing.T) {
	f := newOrderFixture(t)
	seeded := f.seed(t, domain.Order{ID: "ord_g", Status: domain.OrderStatusPending})
	f.gateway.createFn = func(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		return payments.CheckoutSession{}, errors.New("stripe: connection reset")
	}

	_, err := f.svc.CreatePaymentSession(context.Background(), CreatePaymentSessionCommand{
		OrderID:    "ord_g",
		SuccessURL: "https://shop.test/success",
		CancelURL:  "https://shop.test/cancel",
	})
	if !errors.Is(err, ErrOrderPaymentGateway) || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected gateway error with cause, got %v", err)
	}
	stored := f.load(t, "ord_g")
	if stored.PaymentReference != "" || stored.PaymentStatus != "" || !stored.UpdatedAt.Equal(seeded.UpdatedAt) {
		t.Fatalf("order mutated after gateway failure: %+v", stored)
	}
}

func TestCreatePaymentSessionOrderPaidDuringGatewayCall(t *testing.T) {
	f := newOrderFixture(t)
	f.seed(t, domain.Order{ID: "ord_race", Status: domain.OrderStatusPending})
	f.gateway.createFn = func(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		paid := domain.OrderStatusPaid
		if _, err := f.repo.ConditionalUpdate(ctx, req.OrderID, repositories.OrderMutation{Status: &paid}, repositories.OrderPrecondition{}); err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
		return payments.CheckoutSession{SessionID: "cs_late", PaymentReference: "pi_late"}, nil
	}

	_, err := f.svc.CreatePaymentSession(context.Background(), CreatePaymentSessionCommand{
		OrderID:    "ord_race",
		SuccessURL: "https://shop.test/success",
		CancelURL:  "https://shop.test/cancel",
	})
	if !errors.Is(err, ErrOrderAlreadyPaid) {
		t.Fatalf("expected already paid, got %v", err)
	}
	if stored := f.load(t, "ord_race"); stored.HasPaymentReference("pi_late") {
		t.Fatal("late reference must not be bound")
	}
}

func TestCreatePaymentSessionValidatesInput(t *testing.T) {
	f := newOrderFixture(t)
	cases := []CreatePaymentSessionCommand{
		{SuccessURL: "https://a.test/s", CancelURL: "https://a.test/c"},
		{OrderID: "ord_1", SuccessURL: "/relative", CancelURL: "https://a.test/c"},
		{OrderID: "ord_1", SuccessURL: "https://a.test/s", CancelURL: "javascript:alert(1)"},
	}
	for _, cmd := range cases {
		if _, err := f.svc.CreatePaymentSession(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", cmd, err)
		}
	}
	if _, err := f.svc.CreatePaymentSession(context.Background(), CreatePaymentSessionCommand{
		OrderID: "ord_missing", SuccessURL: "https://a.test/s", CancelURL: "https://a.test/c",
	}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCheckPaymentStatusWithoutReferenceSkipsGateway(t *testing.T) {
	f := newOrderFixture(t)
	f.seed(t, domain.Order{ID: "ord_n", Status: domain.OrderStatusPending})

	view, err := f.svc.CheckPaymentStatus(context.Background(), "ord_n")
	if err != nil {
		t.Fatalf("CheckPaymentStatus: %v", err)
	}
	if view.Status != domain.OrderStatusPending || view.PaymentStatus != "" {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(f.gateway.statusCalls) != 0 {
		t.Fatal("gateway must not be called without a payment reference")
	}
}

func TestCheckPaymentStatusAppliesSuccess(t *testing.T) {
	f := newOrderFixture(t)
	f.seed(t, domain.Order{ID: "ord_s", Status: domain.OrderStatusPending, PaymentReference: "pi_s", PaymentReferences: []string{"pi_s"}, PaymentStatus: domain.PaymentStatusAwaiting})
	f.gateway.statusFn = func(context.Context, string) (string, error) { return "succeeded", nil }

	view, err := f.svc.CheckPaymentStatus(context.Background(), "ord_s")
	if err != nil {
		t.Fatalf("CheckPaymentStatus: %v", err)
	}
	if view.Status != domain.OrderStatusPaid || view.PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("expected paid/succeeded, got %+v", view)
	}
	stored := f.load(t, "ord_s")
	if stored.PaidAt == nil || !stored.PaidAt.Equal(testNow) {
		t.Fatalf("expected paid_at set, got %v", stored.PaidAt)
	}
	if f.gateway.statusCalls[0] != "pi_s" {
		t.Fatalf("unexpected lookup %v", f.gateway.statusCalls)
	}
}

func TestCheckPaymentStatusRecordsNonSuccessVerbatim(t *testing.T) {
	f := newOrderFixture(t)
	f.seed(t, domain.Order{ID: "ord_p", Status: domain.OrderStatusPending, PaymentReference: "pi_p", PaymentReferences: []string{"pi_p"}, PaymentStatus: domain.PaymentStatusAwaiting})
	f.gateway.statusFn = func(context.Context, string) (string, error) { return "processing", nil }

	view, err := f.svc.CheckPaymentStatus(context.Background(), "ord_p")
	if err != nil {
		t.Fatalf("CheckPaymentStatus: %v", err)
	}
	if view.Status != domain.OrderStatusPending || view.PaymentStatus != "processing" {
		t.Fatalf("expected pending/processing, got %+v", view)
	}
}

func TestCheckPaymentStatusGatewayFailureReturnsLastKnownState(t *testing.T) {
	f := newOrderFixture(t)
	f.seed(t, domain.Order{ID: "ord_e", Status: domain.OrderStatusPending, PaymentReference: "pi_e", PaymentReferences: []string{"pi_e"}, PaymentStatus: domain.PaymentStatusAwaiting})
	f.gateway.statusFn = func(context.Context, string) (string, error) { return "", errors.New("stripe: timeout") }

	view, err := f.svc.CheckPaymentStatus(context.Background(), "ord_e")
	if err != nil {
		t.Fatalf("expected stale view instead of error, got %v", err)
	}
	if view.PaymentStatus != domain.PaymentStatusAwaiting || view.GatewayError == "" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestListOrdersValidatesPagination(t *testing.T) {
	f := newOrderFixture(t)
	f.seed(t, domain.Order{ID: "ord_l1", Status: domain.OrderStatusPending})
	f.seed(t, domain.Order{ID: "ord_l2", Status: domain.OrderStatusPaid})

	page, err := f.svc.ListCustomerOrders(context.Background(), "cust_1", OrderListFilter{})
	if err != nil {
		t.Fatalf("ListCustomerOrders: %v", err)
	}
	if page.Page != 1 || page.Limit != 10 || page.Total != 2 {
		t.Fatalf("unexpected page %+v", page)
	}

	paid := domain.OrderStatusPaid
	page, err = f.svc.ListStoreOrders(context.Background(), "store_1", OrderListFilter{Page: 1, Limit: 5, Status: &paid})
	if err != nil {
		t.Fatalf("ListStoreOrders: %v", err)
	}
	if page.Total != 1 || page.Items[0].ID != "ord_l2" {
		t.Fatalf("unexpected filtered page %+v", page)
	}

	if _, err := f.svc.ListStoreOrders(context.Background(), "store_1", OrderListFilter{Limit: 101}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for oversized limit, got %v", err)
	}
	if _, err := f.svc.ListCustomerOrders(context.Background(), "", OrderListFilter{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for missing customer, got %v", err)
	}
}

type unavailableError struct{}

func (unavailableError) Error() string       { return "store down" }
func (unavailableError) IsNotFound() bool    { return false }
func (unavailableError) IsConflict() bool    { return false }
func (unavailableError) IsUnavailable() bool { return true }

func TestGetOrderMapsRepositoryErrors(t *testing.T) {
	f := newOrderFixture(t)
	if _, err := f.svc.GetOrder(context.Background(), "ord_none"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	svc := f.svc.(*orderService)
	if err := svc.mapRepositoryError(unavailableError{}); !errors.Is(err, ErrOrderRepositoryUnavailable) {
		t.Fatalf("expected unavailable mapping, got %v", err)
	}
}

func TestPublishFailuresAreLoggedNotReturned(t *testing.T) {
	f := newOrderFixture(t)
	f.publisher.err = errors.New("pubsub down")

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:   "cust_1",
		StoreID:      "store_1",
		Items:        basket(CreateOrderItem{ProductID: "p1", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")}),
		ClaimedTotal: decimal.RequireFromString("10.00"),
	})
	if err != nil {
		t.Fatalf("expected publish failure to be swallowed, got %v", err)
	}
	if !f.logger.has("order.event.publish.failed") {
		t.Fatal("expected publish failure to be logged")
	}
}
