package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
}

func (f *fakeSigner) Email() string { return f.email }

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signature"), nil
}

type recordingWriter struct {
	bucket      string
	object      string
	contentType string
	data        []byte
}

func (w *recordingWriter) WriteObject(_ context.Context, bucket, object, contentType string, data []byte) error {
	w.bucket, w.object, w.contentType, w.data = bucket, object, contentType, data
	return nil
}

func TestLabelStorePutWritesPDF(t *testing.T) {
	writer := &recordingWriter{}
	store, err := NewLabelStore("labels-bucket", writer, &fakeSigner{email: "labels@example.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("NewLabelStore: %v", err)
	}

	if err := store.Put(context.Background(), "labels/shipments/shp_1/TRK1.pdf", []byte("%PDF")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if writer.bucket != "labels-bucket" || writer.object != "labels/shipments/shp_1/TRK1.pdf" {
		t.Fatalf("unexpected destination %s/%s", writer.bucket, writer.object)
	}
	if writer.contentType != "application/pdf" {
		t.Fatalf("unexpected content type %s", writer.contentType)
	}

	if err := store.Put(context.Background(), "labels/x.pdf", nil); !errors.Is(err, errEmptyPayload) {
		t.Fatalf("expected empty payload error, got %v", err)
	}
}

func TestLabelStoreSignedDownloadURL(t *testing.T) {
	signer := &fakeSigner{email: "labels@example.iam.gserviceaccount.com"}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, err := NewLabelStore("labels-bucket", &recordingWriter{}, signer, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewLabelStore: %v", err)
	}

	url, expiresAt, err := store.SignedDownloadURL(context.Background(), "labels/shipments/shp_1/TRK1.pdf", 5*time.Minute)
	if err != nil {
		t.Fatalf("SignedDownloadURL: %v", err)
	}
	if !strings.Contains(url, "labels-bucket") || !strings.Contains(url, "TRK1.pdf") {
		t.Fatalf("unexpected url %s", url)
	}
	if !expiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}
	if len(signer.payloads) == 0 {
		t.Fatal("expected signer to be invoked")
	}

	if _, _, err := store.SignedDownloadURL(context.Background(), "labels/x.pdf", time.Hour); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestNewLabelStoreValidation(t *testing.T) {
	signer := &fakeSigner{email: "a@b"}
	if _, err := NewLabelStore(" ", &recordingWriter{}, signer); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected bucket error, got %v", err)
	}
	if _, err := NewLabelStore("b", nil, signer); !errors.Is(err, errNoWriter) {
		t.Fatalf("expected writer error, got %v", err)
	}
	if _, err := NewLabelStore("b", &recordingWriter{}, &fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected signer error, got %v", err)
	}
}

func TestLabelObjectPath(t *testing.T) {
	path, err := LabelObjectPath(" shp_1 ", "TRK 9")
	if err != nil {
		t.Fatalf("LabelObjectPath: %v", err)
	}
	if path != "labels/shipments/shp_1/TRK 9.pdf" {
		t.Fatalf("unexpected path %s", path)
	}
	if _, err := LabelObjectPath("shp_1", "../etc"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := LabelObjectPath("", "TRK"); err == nil {
		t.Fatal("expected missing shipment id to be rejected")
	}
}

func TestKeySignerSigns(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	raw, _ := json.Marshal(map[string]string{
		"client_email": "labels@example.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})

	signer, err := NewKeySigner(raw)
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}
	if signer.Email() != "labels@example.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %s", signer.Email())
	}
	sig, err := signer.SignBytes(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("SignBytes: %v", err)
	}
	if len(sig) != 256 {
		t.Fatalf("unexpected signature length %d", len(sig))
	}

	if _, err := NewKeySigner([]byte(`{"client_email":"x@y","private_key":"nope"}`)); err == nil {
		t.Fatal("expected invalid PEM to fail")
	}
}
