package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestWrapErrorClassifies(t *testing.T) {
	if wrapError("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if err := wrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error to pass through, got %v", err)
	}

	var repoErr *Error
	if err := wrapError("orders.get", fmt.Errorf("scan: %w", pgx.ErrNoRows)); !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := wrapError("orders.insert", &pgconn.PgError{Code: codeUniqueViolation}); !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := wrapError("orders.list", &pgconn.PgError{Code: codeCannotConnectNow}); !errors.As(err, &repoErr) || !repoErr.IsUnavailable() {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := wrapError("orders.list", &pgconn.PgError{Code: "22P02"}); !errors.As(err, &repoErr) || repoErr.IsConflict() || repoErr.IsUnavailable() || repoErr.IsNotFound() {
		t.Fatalf("expected uncategorised error, got %v", err)
	}

	original := conflictError("orders.update", "reference taken")
	if err := wrapError("orders.update", original); err != original {
		t.Fatalf("repository errors must not be rewrapped, got %v", err)
	}
}

func TestPrefixedColumns(t *testing.T) {
	got := prefixed("o.", "id, total::text,\n\tstatus")
	if got != "o.id, o.total::text, o.status" {
		t.Fatalf("unexpected columns %q", got)
	}
}
