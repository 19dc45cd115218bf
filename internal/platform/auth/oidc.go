package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/impimediavillage/marketplace/internal/platform/config"
	"github.com/impimediavillage/marketplace/internal/platform/requestctx"
)

var (
	// ErrJWKSKeyNotFound is returned when the key ID is absent from a fresh key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing the key set.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSTTL        = 15 * time.Minute
	minJWKSRefetchPeriod  = 30 * time.Second
	defaultJWKSHTTPTimeout = 5 * time.Second
)

// JWKSCache fetches Google's signing keys and keeps them for the Cache-Control max-age of the response.
// An unknown key ID triggers a refetch at most once every 30 seconds.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	keys        map[string]jose.JSONWebKey
	expiry      time.Time
	lastFetched time.Time
}

// NewJWKSCache builds a cache for url. A nil client uses a 5 second timeout.
func NewJWKSCache(url string, client *http.Client, now func() time.Time) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: defaultJWKSHTTPTimeout}
	}
	if now == nil {
		now = time.Now
	}
	return &JWKSCache{url: url, client: client, now: now}
}

// Key returns the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.keys) == 0 || !now.Before(c.expiry) {
		if err := c.fetchLocked(ctx); err != nil {
			return nil, err
		}
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	if now.Sub(c.lastFetched) >= minJWKSRefetchPeriod {
		if err := c.fetchLocked(ctx); err != nil {
			return nil, err
		}
		if jwk, ok := c.keys[kid]; ok {
			return jwk.Key, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) fetchLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() && jwk.IsPublic() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSTTL
	}
	now := c.now()
	c.keys = keys
	c.lastFetched = now
	c.expiry = now.Add(ttl)
	return nil
}

func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// ServiceIdentity is the verified caller of an internal push endpoint.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

// ServiceIdentityFromContext returns the identity stored by RequirePushToken.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// PushVerifier authenticates Pub/Sub push deliveries carrying a Google-signed OIDC token.
type PushVerifier struct {
	keys     *JWKSCache
	audience string
	issuers  []string
	now      func() time.Time
}

// NewPushVerifier builds a verifier from the OIDC security config.
func NewPushVerifier(cfg config.OIDCConfig, keys *JWKSCache, now func() time.Time) *PushVerifier {
	if now == nil {
		now = time.Now
	}
	issuers := make([]string, 0, len(cfg.Issuers))
	for _, issuer := range cfg.Issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers = append(issuers, issuer)
		}
	}
	return &PushVerifier{keys: keys, audience: strings.TrimSpace(cfg.Audience), issuers: issuers, now: now}
}

// RequirePushToken rejects requests without a valid RS256 bearer token for the configured audience.
func (v *PushVerifier) RequirePushToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if v == nil || v.keys == nil || v.audience == "" {
			v.reject(ctx, w, http.StatusServiceUnavailable, "not_configured", nil)
			return
		}
		raw, ok := extractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			v.reject(ctx, w, http.StatusUnauthorized, "token_missing", nil)
			return
		}

		claims := jwt.MapClaims{}
		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithoutClaimsValidation())
		_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("auth: token missing kid header")
			}
			return v.keys.Key(ctx, kid)
		})
		if err != nil {
			if errors.Is(err, ErrJWKSFetchFailed) {
				v.reject(ctx, w, http.StatusServiceUnavailable, "jwks_unavailable", err)
				return
			}
			v.reject(ctx, w, http.StatusUnauthorized, "token_invalid", err)
			return
		}

		now := v.now().Unix()
		if !claims.VerifyExpiresAt(now, true) || !claims.VerifyIssuedAt(now, false) {
			v.reject(ctx, w, http.StatusUnauthorized, "token_expired", nil)
			return
		}
		issuer, _ := claims["iss"].(string)
		if len(v.issuers) > 0 && !slices.Contains(v.issuers, issuer) {
			v.reject(ctx, w, http.StatusUnauthorized, "issuer_mismatch", nil)
			return
		}
		if !claims.VerifyAudience(v.audience, true) {
			v.reject(ctx, w, http.StatusUnauthorized, "audience_mismatch", nil)
			return
		}

		identity := &ServiceIdentity{Issuer: issuer}
		identity.Subject, _ = claims["sub"].(string)
		identity.Email, _ = claims["email"].(string)
		recordVerification(ctx, "oidc", "ok")
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, serviceIdentityKey{}, identity)))
	})
}

func (v *PushVerifier) reject(ctx context.Context, w http.ResponseWriter, status int, reason string, err error) {
	recordVerification(ctx, "oidc", reason)
	fields := []zap.Field{zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	requestctx.Logger(ctx).Warn("push token rejected", fields...)
	code := "invalid_token"
	if status == http.StatusServiceUnavailable {
		code = "unavailable"
	}
	writeAuthError(ctx, w, status, code, "push token verification failed: "+reason)
}
