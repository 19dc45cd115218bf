package auth

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const authMetricNamespace = "github.com/impimediavillage/marketplace/auth"

var (
	verificationsOnce    sync.Once
	verificationsCounter metric.Int64Counter
)

// recordVerification counts server-to-server verification outcomes by kind ("hmac", "oidc") and reason.
func recordVerification(ctx context.Context, kind, reason string) {
	verificationsOnce.Do(func() {
		counter, err := otel.GetMeterProvider().Meter(authMetricNamespace).Int64Counter(
			"auth.verifications",
			metric.WithDescription("Webhook and push-token verification outcomes"),
		)
		if err == nil {
			verificationsCounter = counter
		}
	})
	if verificationsCounter == nil {
		return
	}
	verificationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}
