package firestore

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/webrichesse/orders-api/internal/domain"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"10.00", "10"},
		{" 4.99 ", "4.99"},
		{int64(7), "7"},
		{float64(2.5), "2.5"},
	}
	for _, tc := range cases {
		got, err := parsePrice(tc.in)
		if err != nil {
			t.Fatalf("parsePrice(%v): %v", tc.in, err)
		}
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("parsePrice(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := parsePrice(nil); err == nil {
		t.Fatal("expected error for missing price")
	}
	if _, err := parsePrice(true); err == nil {
		t.Fatal("expected error for bool price")
	}
}

func TestOrderDocumentRoundTripKeepsPrecision(t *testing.T) {
	paid := time.Date(2026, 5, 4, 10, 0, 0, 0, time.FixedZone("JST", 9*3600))
	order := domain.Order{
		ID:         "ord_1",
		StoreID:    "store_1",
		CustomerID: "cust_1",
		Items: []domain.OrderItem{
			{ProductID: "p1", ProductTitle: "Font pack", UnitPrice: decimal.RequireFromString("4.99"), Quantity: 3},
		},
		Total:             decimal.RequireFromString("14.97"),
		Currency:          "USD",
		Status:            domain.OrderStatusPaid,
		PaymentReference:  "pi_1",
		PaymentReferences: []string{"cs_1", "pi_1"},
		PaymentStatus:     domain.PaymentStatusSucceeded,
		PaidAt:            &paid,
	}

	got, err := newOrderDocument(order).toDomain("ord_1")
	if err != nil {
		t.Fatalf("toDomain: %v", err)
	}
	if !got.Total.Equal(order.Total) || !got.Items[0].UnitPrice.Equal(order.Items[0].UnitPrice) {
		t.Fatalf("amounts drifted: %s %s", got.Total, got.Items[0].UnitPrice)
	}
	if got.PaidAt == nil || got.PaidAt.Location() != time.UTC || !got.PaidAt.Equal(paid) {
		t.Fatalf("expected paid_at normalised to UTC, got %v", got.PaidAt)
	}
	if len(got.PaymentReferences) != 2 || got.PaymentReference != "pi_1" {
		t.Fatalf("references lost: %+v", got)
	}
	if got.CompletedAt != nil || got.CancelledAt != nil {
		t.Fatal("unset timestamps must stay nil")
	}
}

func TestOrderDocumentRejectsCorruptTotal(t *testing.T) {
	if _, err := (orderDocument{Total: "ten"}).toDomain("ord_bad"); err == nil {
		t.Fatal("expected decode error")
	}
}
