package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	resource := "projects/test/secrets/stripe_api_key/versions/latest"
	client.values[resource] = "sk_live_remote"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithLogger(zap.NewNop()),
		WithFallbackFile(""),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.ResolveSecret(ctx, "secret://stripe_api_key")
		if err != nil {
			t.Fatalf("ResolveSecret call %d returned error: %v", i, err)
		}
		if got != "sk_live_remote" {
			t.Fatalf("expected sk_live_remote, got %s", got)
		}
	}
	if calls := client.callCount(resource); calls != 1 {
		t.Fatalf("expected remote fetch once, got %d", calls)
	}

	fetcher.Invalidate("secret://stripe_api_key")
	if _, err := fetcher.Resolve(ctx, "secret://stripe_api_key"); err != nil {
		t.Fatalf("Resolve after invalidate returned error: %v", err)
	}
	if calls := client.callCount(resource); calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", calls)
	}
}

func TestResolveHonoursVersionProjectAndAlias(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	resource := "projects/billing/secrets/stripe_webhook/versions/7"
	client.values[resource] = "whsec_7"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("test"), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "sm://stripe/webhook?version=7&project=billing")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "whsec_7" {
		t.Fatalf("expected whsec_7, got %s", got)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	fallbackPath := writeFallback(t, "# local\nsecret://jwt=local-jwt\n")

	client := newFakeSecretClient()
	client.errors["projects/test/secrets/jwt/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithFallbackFile(fallbackPath),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://jwt")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "local-jwt" {
		t.Fatalf("expected fallback secret, got %s", got)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	fallbackPath := writeFallback(t, "secret://jwt=local-jwt\n")

	client := newFakeSecretClient()
	client.errors["projects/test/secrets/jwt/versions/latest"] = status.Error(codes.NotFound, "missing")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithFallbackFile(fallbackPath),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://jwt"); status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestResolveWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()

	original := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (secretManagerClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = original })

	fetcher, err := NewFetcher(ctx, WithProject("test"), WithFallbackFile(writeFallback(t, "sm://stripe/api=sk_test_local\n")))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://stripe/api")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "sk_test_local" {
		t.Fatalf("expected local secret, got %s", got)
	}
}

func TestParseReferenceRejectsUnknownScheme(t *testing.T) {
	if _, err := parseReference("vault://stripe"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := parseReference("secret://"); err == nil {
		t.Fatal("expected error for missing secret name")
	}
}

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err, ok := f.errors[name]; ok {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
