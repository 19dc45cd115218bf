// Package storage persists courier label PDFs in Cloud Storage and issues signed download URLs for them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	labelContentType      = "application/pdf"
	defaultDownloadExpiry = 10 * time.Minute
	maxDownloadExpiry     = 15 * time.Minute
)

var (
	errNoSigner      = errors.New("storage: signer is required")
	errNoWriter      = errors.New("storage: object writer is required")
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errEmptyPayload  = errors.New("storage: label payload is empty")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
)

// ObjectWriter uploads a complete object.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// GCSWriter writes objects through a Cloud Storage client.
type GCSWriter struct {
	client *gcs.Client
}

// NewGCSWriter wraps client.
func NewGCSWriter(client *gcs.Client) (*GCSWriter, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return &GCSWriter{client: client}, nil
}

func (w *GCSWriter) WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error {
	writer := w.client.Bucket(bucket).Object(object).NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "private, max-age=0"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("storage: write %s/%s: %w", bucket, object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("storage: finalise %s/%s: %w", bucket, object, err)
	}
	return nil
}

// LabelStore keeps generated shipping labels in a private bucket.
type LabelStore struct {
	bucket string
	writer ObjectWriter
	signer Signer
	scheme gcs.SigningScheme
	now    func() time.Time
}

// LabelStoreOption customises a LabelStore.
type LabelStoreOption func(*LabelStore)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme gcs.SigningScheme) LabelStoreOption {
	return func(s *LabelStore) {
		if scheme != 0 {
			s.scheme = scheme
		}
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) LabelStoreOption {
	return func(s *LabelStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewLabelStore constructs a store for the given bucket.
func NewLabelStore(bucket string, writer ObjectWriter, signer Signer, opts ...LabelStoreOption) (*LabelStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	if writer == nil {
		return nil, errNoWriter
	}
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	store := &LabelStore{
		bucket: bucket,
		writer: writer,
		signer: signer,
		scheme: gcs.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Put uploads a label PDF under object.
func (s *LabelStore) Put(ctx context.Context, object string, pdf []byte) error {
	object = strings.TrimSpace(object)
	if object == "" {
		return errInvalidObject
	}
	if len(pdf) == 0 {
		return errEmptyPayload
	}
	return s.writer.WriteObject(ctx, s.bucket, object, labelContentType, pdf)
}

// SignedDownloadURL returns a GET URL for object valid for expiresIn (default 10m, at most 15m).
func (s *LabelStore) SignedDownloadURL(ctx context.Context, object string, expiresIn time.Duration) (string, time.Time, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return "", time.Time{}, errInvalidObject
	}
	if expiresIn <= 0 {
		expiresIn = defaultDownloadExpiry
	}
	if expiresIn > maxDownloadExpiry {
		return "", time.Time{}, errExpiryTooLong
	}

	expiresAt := s.now().UTC().Add(expiresIn)
	url, err := gcs.SignedURL(s.bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Method:         "GET",
		Expires:        expiresAt,
		Scheme:         s.scheme,
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign url: %w", err)
	}
	return url, expiresAt, nil
}

// LabelObjectPath composes the object key for a shipment label.
func LabelObjectPath(shipmentID, trackingNumber string) (string, error) {
	shipmentID, err := validateSegment("shipmentID", shipmentID)
	if err != nil {
		return "", err
	}
	trackingNumber, err = validateSegment("trackingNumber", trackingNumber)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("labels/shipments/%s/%s.pdf", shipmentID, trackingNumber), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") || strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	return value, nil
}
