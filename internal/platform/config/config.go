package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 60 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultShipmentEventsTopic  = "shipment-events"
	defaultCurrency             = "ZAR"
	defaultDisplayLocale        = "en-ZA"
	defaultCreditAccounts       = "creditAccounts"
	defaultShipmentsCollection  = "shipments"
	defaultAdvisorCreditCost    = 5
	defaultAdvisorFreeInteracts = 3
	defaultAdvisorRatePerMinute = 20
	defaultAdvisorRateBurst     = 5
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	Storage   StorageConfig
	PubSub    PubSubConfig
	Pricing   PricingConfig
	Couriers  []CourierConfig
	Advisor   AdvisorConfig
	PSP       PSPConfig
	Security  SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID           string
	EmulatorHost        string
	CreditAccounts      string
	ShipmentsCollection string
}

// StorageConfig names the private label bucket and the key used to sign download links.
type StorageConfig struct {
	LabelsBucket string
	SignerKey    string
}

// PubSubConfig configures shipment event delivery.
type PubSubConfig struct {
	ProjectID           string
	ShipmentEventsTopic string
	EmulatorHost        string
}

// PricingConfig holds the audit-visible commission tiers and display settings.
type PricingConfig struct {
	StandardCommission decimal.Decimal
	PoolCommission     decimal.Decimal
	Currency           string
	DisplayLocale      string
}

// CourierConfig describes one courier REST integration.
type CourierConfig struct {
	Name    string
	BaseURL string
	APIKey  string
}

// AdvisorConfig points at the hosted model and sets interaction pricing.
type AdvisorConfig struct {
	Endpoint         string
	AuthToken        string
	Model            string
	CreditCost       int64
	FreeInteractions int
	// RatePerMinute caps :ask calls per user; zero disables the limit.
	RatePerMinute int
	RateBurst     int
}

// PSPConfig collects secrets for payment providers.
type PSPConfig struct {
	StripeAPIKey string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification for push endpoints.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// HMACConfig captures courier webhook signing expectations. Secrets are keyed by provider name.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	ClockSkew       time.Duration
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

// MissingSecretsError indicates that one or more required secrets resolved to nothing.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed secret identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeAPIKey", "Couriers[shiplogic].APIKey") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the effective environment using Load's precedence (.env < OS env < explicit map)
// so callers can build dependencies such as the secret fetcher before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles configuration from defaults, .env, the environment and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	env := lookupFunc(values)

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:           env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:        env.str("API_FIRESTORE_EMULATOR_HOST", ""),
			CreditAccounts:      env.str("API_FIRESTORE_CREDIT_ACCOUNTS", defaultCreditAccounts),
			ShipmentsCollection: env.str("API_FIRESTORE_SHIPMENTS", defaultShipmentsCollection),
		},
		Storage: StorageConfig{
			LabelsBucket: env.str("API_STORAGE_LABELS_BUCKET", ""),
			SignerKey:    env.str("API_STORAGE_SIGNER_KEY", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:           env.str("API_PUBSUB_PROJECT_ID", ""),
			ShipmentEventsTopic: env.str("API_PUBSUB_SHIPMENT_EVENTS_TOPIC", defaultShipmentEventsTopic),
			EmulatorHost:        env.str("PUBSUB_EMULATOR_HOST", ""),
		},
		Pricing: PricingConfig{
			StandardCommission: env.decimal("API_PRICING_STANDARD_COMMISSION", decimal.NewFromInt(25)),
			PoolCommission:     env.decimal("API_PRICING_POOL_COMMISSION", decimal.NewFromInt(5)),
			Currency:           strings.ToUpper(env.str("API_PRICING_CURRENCY", defaultCurrency)),
			DisplayLocale:      env.str("API_PRICING_DISPLAY_LOCALE", defaultDisplayLocale),
		},
		Advisor: AdvisorConfig{
			Endpoint:         env.str("API_ADVISOR_ENDPOINT", ""),
			AuthToken:        env.str("API_ADVISOR_AUTH_TOKEN", ""),
			Model:            env.str("API_ADVISOR_MODEL", ""),
			CreditCost:       int64(env.integer("API_ADVISOR_CREDIT_COST", defaultAdvisorCreditCost)),
			FreeInteractions: env.integer("API_ADVISOR_FREE_INTERACTIONS", defaultAdvisorFreeInteracts),
			RatePerMinute:    env.integer("API_ADVISOR_RATE_PER_MINUTE", defaultAdvisorRatePerMinute),
			RateBurst:        env.integer("API_ADVISOR_RATE_BURST", defaultAdvisorRateBurst),
		},
		PSP: PSPConfig{
			StripeAPIKey: env.str("API_PSP_STRIPE_API_KEY", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  env.csv("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         env.keyed("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				ClockSkew:       env.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
			},
		},
	}
	for _, name := range env.csv("API_COURIERS") {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		cfg.Couriers = append(cfg.Couriers, CourierConfig{
			Name:    strings.ToLower(name),
			BaseURL: env.str("API_COURIER_"+key+"_BASE_URL", ""),
			APIKey:  env.str("API_COURIER_"+key+"_API_KEY", ""),
		})
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	resolver := options.secret
	resolved := make(map[string]string)
	resolveField := func(name string, field *string) error {
		value, err := resolveSecret(ctx, *field, resolver)
		if err != nil {
			return err
		}
		*field = value
		resolved[name] = strings.TrimSpace(value)
		return nil
	}
	fields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"Advisor.AuthToken", &cfg.Advisor.AuthToken},
		{"Storage.SignerKey", &cfg.Storage.SignerKey},
	}
	for i := range cfg.Couriers {
		fields = append(fields, struct {
			name  string
			field *string
		}{fmt.Sprintf("Couriers[%s].APIKey", cfg.Couriers[i].Name), &cfg.Couriers[i].APIKey})
	}
	for _, target := range fields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}
	for provider, value := range cfg.Security.HMAC.Secrets {
		secret := value
		if err := resolveField(fmt.Sprintf("Security.HMAC.Secrets[%s]", provider), &secret); err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[provider] = secret
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "secret://"), "sm://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string
	require := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	require("Server.Port", cfg.Server.Port != "")
	require("Firebase.ProjectID", cfg.Firebase.ProjectID != "")
	require("Firestore.ProjectID", cfg.Firestore.ProjectID != "")
	require("Storage.LabelsBucket", cfg.Storage.LabelsBucket != "")
	require("PubSub.ShipmentEventsTopic", cfg.PubSub.ShipmentEventsTopic != "")
	require("Pricing.StandardCommission", !cfg.Pricing.StandardCommission.IsNegative())
	require("Pricing.PoolCommission", !cfg.Pricing.PoolCommission.IsNegative())
	require("Advisor.CreditCost", cfg.Advisor.CreditCost >= 0)
	require("Advisor.FreeInteractions", cfg.Advisor.FreeInteractions >= 0)
	for _, courier := range cfg.Couriers {
		require(fmt.Sprintf("Couriers[%s].BaseURL", courier.Name), courier.BaseURL != "")
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func readDotEnv(path string) (map[string]string, error) {
	values := map[string]string{}
	if path == "" {
		return values, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	parsed, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	for key, value := range parsed {
		values[key] = value
	}
	return values, nil
}

type lookupFunc map[string]string

func (l lookupFunc) str(key, fallback string) string {
	if value := strings.TrimSpace(l[key]); value != "" {
		return value
	}
	return fallback
}

func (l lookupFunc) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(l[key])); err == nil {
		return d
	}
	return fallback
}

func (l lookupFunc) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(l[key])); err == nil {
		return n
	}
	return fallback
}

func (l lookupFunc) decimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if d, err := decimal.NewFromString(strings.TrimSpace(l[key])); err == nil {
		return d
	}
	return fallback
}

func (l lookupFunc) csv(key string) []string {
	var out []string
	for _, part := range strings.Split(l[key], ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// keyed parses "name=value,name2=value2" with lower-cased names.
func (l lookupFunc) keyed(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range l.csv(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			values[name] = value
		}
	}
	return values
}
