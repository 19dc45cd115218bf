package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/impimediavillage/marketplace/internal/platform/config"
	"github.com/impimediavillage/marketplace/internal/platform/requestctx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultClockSkew       = 5 * time.Minute
	maxWebhookBody         = 1 << 20
)

// ReplayGuard remembers accepted signatures until they expire.
type ReplayGuard interface {
	// Claim records key and reports true on first use; a key seen before expiry returns false.
	Claim(ctx context.Context, key string, expiry time.Time) (bool, error)
}

// MemoryReplayGuard is a process-local ReplayGuard. Multi-instance deployments still bound replays by
// the timestamp window.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryReplayGuard) Claim(_ context.Context, key string, expiry time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("auth: replay key is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, exp := range g.seen {
		if !exp.After(now) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = expiry
	return true, nil
}

// WebhookMetadata describes a verified courier callback.
type WebhookMetadata struct {
	Provider  string
	Timestamp time.Time
}

type webhookKey struct{}

// WebhookMetadataFromContext returns the metadata stored by RequireSignature.
func WebhookMetadataFromContext(ctx context.Context) (WebhookMetadata, bool) {
	meta, ok := ctx.Value(webhookKey{}).(WebhookMetadata)
	return meta, ok
}

// WebhookVerifier authenticates courier callbacks signed with a per-provider shared secret. The
// signature is HMAC-SHA256 over "<timestamp>.<raw body>", hex or base64 encoded, optionally prefixed
// with "sha256=".
type WebhookVerifier struct {
	secrets         map[string][]byte
	guard           ReplayGuard
	signatureHeader string
	timestampHeader string
	skew            time.Duration
	now             func() time.Time
}

// WebhookOption customises the verifier.
type WebhookOption func(*WebhookVerifier)

// WithWebhookClock injects the time source.
func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewWebhookVerifier builds a verifier from the HMAC security config. A nil guard uses an in-memory one.
func NewWebhookVerifier(cfg config.HMACConfig, guard ReplayGuard, opts ...WebhookOption) *WebhookVerifier {
	secrets := make(map[string][]byte, len(cfg.Secrets))
	for provider, secret := range cfg.Secrets {
		provider = strings.ToLower(strings.TrimSpace(provider))
		if provider != "" && secret != "" {
			secrets[provider] = []byte(secret)
		}
	}
	v := &WebhookVerifier{
		secrets:         secrets,
		guard:           guard,
		signatureHeader: firstNonEmpty(cfg.SignatureHeader, defaultSignatureHeader),
		timestampHeader: firstNonEmpty(cfg.TimestampHeader, defaultTimestampHeader),
		skew:            cfg.ClockSkew,
		now:             time.Now,
	}
	if v.skew <= 0 {
		v.skew = defaultClockSkew
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if v.guard == nil {
		memory := NewMemoryReplayGuard()
		memory.now = v.now
		v.guard = memory
	}
	return v
}

// RequireSignature verifies the request for the provider named by providerOf. The body is restored for
// the next handler.
func (v *WebhookVerifier) RequireSignature(providerOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			provider := strings.ToLower(strings.TrimSpace(providerOf(r)))
			secret, ok := v.secrets[provider]
			if !ok {
				v.reject(ctx, w, http.StatusUnauthorized, "unknown_provider", "webhook provider not recognised", provider)
				return
			}

			signature, err := decodeSignature(r.Header.Get(v.signatureHeader))
			if err != nil {
				v.reject(ctx, w, http.StatusUnauthorized, "signature_invalid", "signature missing or malformed", provider)
				return
			}
			rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			timestamp, err := parseSignatureTimestamp(rawTimestamp)
			if err != nil {
				v.reject(ctx, w, http.StatusUnauthorized, "timestamp_invalid", "signature timestamp missing or invalid", provider)
				return
			}
			if drift := v.now().Sub(timestamp); drift > v.skew || drift < -v.skew {
				v.reject(ctx, w, http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", provider)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
			_ = r.Body.Close()
			if err != nil || len(body) > maxWebhookBody {
				v.reject(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read webhook body", provider)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			mac := hmac.New(sha256.New, secret)
			_, _ = mac.Write([]byte(rawTimestamp + "."))
			_, _ = mac.Write(body)
			if !hmac.Equal(signature, mac.Sum(nil)) {
				v.reject(ctx, w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed", provider)
				return
			}

			fresh, err := v.guard.Claim(ctx, provider+":"+hex.EncodeToString(signature), timestamp.Add(2*v.skew))
			if err != nil {
				requestctx.Logger(ctx).Error("webhook replay guard failed", zap.String("provider", provider), zap.Error(err))
				v.reject(ctx, w, http.StatusServiceUnavailable, "unavailable", "verification unavailable", provider)
				return
			}
			if !fresh {
				v.reject(ctx, w, http.StatusConflict, "replayed_request", "webhook already processed", provider)
				return
			}

			recordVerification(ctx, "hmac", "ok")
			ctx = context.WithValue(ctx, webhookKey{}, WebhookMetadata{Provider: provider, Timestamp: timestamp})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (v *WebhookVerifier) reject(ctx context.Context, w http.ResponseWriter, status int, reason, message, provider string) {
	recordVerification(ctx, "hmac", reason)
	requestctx.Logger(ctx).Warn("webhook rejected", zap.String("provider", provider), zap.String("reason", reason))
	writeAuthError(ctx, w, status, reason, message)
}

// SignWebhook produces the header values a courier would send. It is used by tests and local tooling.
func SignWebhook(secret string, timestamp time.Time, body []byte) (signature, ts string) {
	ts = strconv.FormatInt(timestamp.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + "."))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), ts
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "sha256=")
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be a hex or base64 sha256 digest")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
