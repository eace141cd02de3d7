package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultOrderStore       = StoreFirestore
	defaultPostgresMaxConns = 10
	defaultCatalogCacheTTL  = 5 * time.Minute
	defaultOrderTopic       = "order-events"
	defaultCurrency         = "USD"
	defaultWebhookTolerance = 5 * time.Minute
	defaultWebhookBodyLimit = 64 * 1024
	defaultJWTIssuer        = ""
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultEventLedgerTTL   = 72 * time.Hour
)

// Order store backends selectable through API_ORDER_STORE.
const (
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
	StoreMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Store       StoreConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Cache       CacheConfig
	Events      EventsConfig
	Stripe      StripeConfig
	Auth        AuthConfig
	CORS        CORSConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig selects the order store backend.
type StoreConfig struct {
	Backend string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	Migrate  bool
}

// CacheConfig configures the optional Redis catalog cache. An empty address disables it.
type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CatalogTTL    time.Duration
}

// EventsConfig configures Pub/Sub order event publication. An empty project disables it.
type EventsConfig struct {
	ProjectID  string
	OrderTopic string
}

// StripeConfig collects the payment gateway settings.
type StripeConfig struct {
	APIKey           string
	WebhookSecret    string
	WebhookTolerance time.Duration
	WebhookBodyLimit int64
	Currency         string
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// CORSConfig lists the storefront origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string
}

// IdempotencyConfig controls the Idempotency-Key middleware and the webhook event ledger.
type IdempotencyConfig struct {
	Header         string
	TTL            time.Duration
	EventLedgerTTL time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// Load assembles configuration from defaults, .env, the process environment and
// an optional explicit map, in increasing precedence, then resolves secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", "development")),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "API_ORDER_STORE", defaultOrderStore)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:      stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
			MaxConns: intWithDefault(lookup, "API_POSTGRES_MAX_CONNS", defaultPostgresMaxConns),
			Migrate:  boolWithDefault(lookup, "API_POSTGRES_MIGRATE", true),
		},
		Cache: CacheConfig{
			RedisAddr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			RedisPassword: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			RedisDB:       intWithDefault(lookup, "API_REDIS_DB", 0),
			CatalogTTL:    durationWithDefault(lookup, "API_CATALOG_CACHE_TTL", defaultCatalogCacheTTL),
		},
		Events: EventsConfig{
			ProjectID:  stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_TOPIC", defaultOrderTopic),
		},
		Stripe: StripeConfig{
			APIKey:           stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
			WebhookSecret:    stringWithDefault(lookup, "API_STRIPE_WEBHOOK_SECRET", ""),
			WebhookTolerance: durationWithDefault(lookup, "API_STRIPE_WEBHOOK_TOLERANCE", defaultWebhookTolerance),
			WebhookBodyLimit: int64(intWithDefault(lookup, "API_STRIPE_WEBHOOK_BODY_LIMIT", defaultWebhookBodyLimit)),
			Currency:         strings.ToUpper(stringWithDefault(lookup, "API_STRIPE_CURRENCY", defaultCurrency)),
		},
		Auth: AuthConfig{
			JWTSecret: stringWithDefault(lookup, "API_JWT_SECRET", ""),
			Issuer:    stringWithDefault(lookup, "API_JWT_ISSUER", defaultJWTIssuer),
		},
		CORS: CORSConfig{
			AllowedOrigins: csvWithDefault(lookup, "API_CORS_ALLOWED_ORIGINS"),
		},
		Idempotency: IdempotencyConfig{
			Header:         stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", "Idempotency-Key"),
			TTL:            durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			EventLedgerTTL: durationWithDefault(lookup, "API_WEBHOOK_EVENT_TTL", defaultEventLedgerTTL),
		},
	}

	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []*string{
		&cfg.Stripe.APIKey,
		&cfg.Stripe.WebhookSecret,
		&cfg.Auth.JWTSecret,
		&cfg.Postgres.DSN,
		&cfg.Cache.RedisPassword,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProduction reports whether the service runs in a production environment.
func (c Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Store.Backend {
	case StoreFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	case StorePostgres:
		if cfg.Postgres.DSN == "" {
			invalid = append(invalid, "Postgres.DSN")
		}
		if cfg.Postgres.MaxConns <= 0 {
			invalid = append(invalid, "Postgres.MaxConns")
		}
	case StoreMemory:
	default:
		invalid = append(invalid, "Store.Backend")
	}
	if cfg.Stripe.APIKey == "" {
		invalid = append(invalid, "Stripe.APIKey")
	}
	if cfg.Stripe.WebhookSecret == "" && cfg.IsProduction() {
		invalid = append(invalid, "Stripe.WebhookSecret")
	}
	if len(cfg.Stripe.Currency) != 3 {
		invalid = append(invalid, "Stripe.Currency")
	}
	if cfg.Stripe.WebhookBodyLimit <= 0 {
		invalid = append(invalid, "Stripe.WebhookBodyLimit")
	}
	if cfg.Auth.JWTSecret == "" {
		invalid = append(invalid, "Auth.JWTSecret")
	}
	if cfg.Cache.RedisAddr != "" && cfg.Cache.CatalogTTL <= 0 {
		invalid = append(invalid, "Cache.CatalogTTL")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Idempotency.EventLedgerTTL <= 0 {
		invalid = append(invalid, "Idempotency.EventLedgerTTL")
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return &ValidationError{fields: invalid}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
