package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID":   "market-dev",
		"API_STORAGE_LABELS_BUCKET": "market-labels-dev",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "market-dev" || cfg.PubSub.ProjectID != "market-dev" {
		t.Errorf("expected projects to default to firebase project, got %s / %s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if !cfg.Pricing.StandardCommission.Equal(decimal.NewFromInt(25)) || !cfg.Pricing.PoolCommission.Equal(decimal.NewFromInt(5)) {
		t.Errorf("unexpected default commission tiers %s / %s", cfg.Pricing.StandardCommission, cfg.Pricing.PoolCommission)
	}
	if cfg.Pricing.Currency != "ZAR" {
		t.Errorf("unexpected currency %s", cfg.Pricing.Currency)
	}
	if cfg.Advisor.CreditCost != 5 || cfg.Advisor.FreeInteractions != 3 {
		t.Errorf("unexpected advisor pricing %+v", cfg.Advisor)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Security.HMAC.SignatureHeader)
	}
	if len(cfg.Couriers) != 0 {
		t.Errorf("expected no couriers, got %+v", cfg.Couriers)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := baseEnv()
	for key, value := range map[string]string{
		"API_SERVER_PORT":                  "9090",
		"API_PRICING_STANDARD_COMMISSION":  "22.5",
		"API_PSP_STRIPE_API_KEY":           "sm://stripe/api",
		"API_ADVISOR_AUTH_TOKEN":           "secret://advisor/token",
		"API_ADVISOR_FREE_INTERACTIONS":    "0",
		"API_COURIERS":                     "shiplogic, pudo",
		"API_COURIER_SHIPLOGIC_BASE_URL":   "https://api.shiplogic.example/v2",
		"API_COURIER_SHIPLOGIC_API_KEY":    "secret://couriers/shiplogic",
		"API_COURIER_PUDO_BASE_URL":        "https://api.pudo.example",
		"API_SECURITY_HMAC_SECRETS":        "ShipLogic=secret://hmac/shiplogic,pudo=plain",
		"API_SECURITY_HMAC_CLOCK_SKEW":     "2m",
		"API_PUBSUB_SHIPMENT_EVENTS_TOPIC": "shipments-prod",
		"API_FIRESTORE_CREDIT_ACCOUNTS":    "wallets",
		"API_SECURITY_OIDC_AUDIENCE":       "https://api.example/internal",
		"API_SECURITY_OIDC_ISSUERS":        "https://accounts.google.com, accounts.google.com",
	} {
		env[key] = value
	}

	var refs []string
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		refs = append(refs, ref)
		return "resolved:" + ref, nil
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("unexpected port %s", cfg.Server.Port)
	}
	if !cfg.Pricing.StandardCommission.Equal(decimal.RequireFromString("22.5")) {
		t.Errorf("unexpected standard commission %s", cfg.Pricing.StandardCommission)
	}
	if cfg.PSP.StripeAPIKey != "resolved:secret://stripe/api" {
		t.Errorf("sm:// reference not normalised: %s", cfg.PSP.StripeAPIKey)
	}
	if cfg.Advisor.AuthToken != "resolved:secret://advisor/token" || cfg.Advisor.FreeInteractions != 0 {
		t.Errorf("unexpected advisor config %+v", cfg.Advisor)
	}
	if len(cfg.Couriers) != 2 || cfg.Couriers[0].Name != "shiplogic" || cfg.Couriers[1].Name != "pudo" {
		t.Fatalf("unexpected couriers %+v", cfg.Couriers)
	}
	if cfg.Couriers[0].APIKey != "resolved:secret://couriers/shiplogic" {
		t.Errorf("courier key not resolved: %s", cfg.Couriers[0].APIKey)
	}
	if cfg.Security.HMAC.Secrets["shiplogic"] != "resolved:secret://hmac/shiplogic" || cfg.Security.HMAC.Secrets["pudo"] != "plain" {
		t.Errorf("unexpected hmac secrets %v", cfg.Security.HMAC.Secrets)
	}
	if cfg.Security.HMAC.ClockSkew != 2*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Firestore.CreditAccounts != "wallets" || cfg.PubSub.ShipmentEventsTopic != "shipments-prod" {
		t.Errorf("unexpected collection/topic overrides")
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("unexpected issuers %v", cfg.Security.OIDC.Issuers)
	}
	if len(refs) != 4 {
		t.Errorf("expected four secret lookups, got %v", refs)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"API_COURIERS":                  "shiplogic",
		"API_PRICING_POOL_COMMISSION":   "-1",
		"API_ADVISOR_FREE_INTERACTIONS": "-2",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := map[string]bool{
		"Firebase.ProjectID":          true,
		"Firestore.ProjectID":         true,
		"Storage.LabelsBucket":        true,
		"Pricing.PoolCommission":      true,
		"Advisor.FreeInteractions":    true,
		"Couriers[shiplogic].BaseURL": true,
	}
	for _, field := range validation.Fields() {
		delete(want, field)
	}
	if len(want) != 0 {
		t.Fatalf("missing validation fields %v in %v", want, validation.Fields())
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_API_KEY"] = "sm://stripe/api"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if secretErr.Ref != "secret://stripe/api" {
		t.Fatalf("unexpected ref %s", secretErr.Ref)
	}
}

func TestLoadRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey", "PSP.StripeAPIKey"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing secrets error, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "PSP.StripeAPIKey" {
		t.Fatalf("unexpected names %v", names)
	}
	if redacted := missing.RedactedNames(); len(redacted) != 1 || redacted[0] == "PSP.StripeAPIKey" {
		t.Fatalf("expected redacted name, got %v", redacted)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	contents := "# local overrides\nAPI_FIREBASE_PROJECT_ID=from-dotenv\nexport API_STORAGE_LABELS_BUCKET=\"labels-local\"\nAPI_SERVER_PORT=7000\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"API_SERVER_PORT": "9000"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "from-dotenv" || cfg.Storage.LabelsBucket != "labels-local" {
		t.Fatalf("dotenv values not applied: %+v", cfg)
	}
	if cfg.Server.Port != "9000" {
		t.Fatalf("explicit map must win over dotenv, got %s", cfg.Server.Port)
	}
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load(context.Background(), WithEnvFile(filepath.Join(t.TempDir(), "absent.env")), WithoutSystemEnv(), WithEnvMap(baseEnv()))
	if err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}
