package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/impimediavillage/marketplace/internal/platform/firestore"
)

const defaultCollection = "idempotencyKeys"

// FirestoreStore keeps reservations in a Firestore collection. A TTL policy on expiresAt removes stale
// documents; Reserve treats expired documents as absent so the policy's lag is harmless.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

// NewFirestoreStore builds a store on collection, defaulting to idempotencyKeys.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{provider: provider, collection: collection}, nil
}

type keyDocument struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders"`
	ResponseBody    []byte              `firestore:"responseBody"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func (d keyDocument) record() Record {
	return Record{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		Status:      Status(d.Status),
		Response:    Response{Status: d.ResponseStatus, Headers: d.ResponseHeaders, Body: d.ResponseBody},
		ExpiresAt:   d.ExpiresAt,
	}
}

func (s *FirestoreStore) ref(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	ref, err := s.ref(ctx, key)
	if err != nil {
		return Reservation{}, err
	}
	var result Reservation
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err := pfirestore.WrapError("idempotency.reserve", err); err != nil {
			var repoErr *pfirestore.Error
			if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
				return err
			}
		} else {
			doc, err := pfirestore.Decode[keyDocument](snap)
			if err != nil {
				return err
			}
			if now.Before(doc.ExpiresAt) {
				result, err = reservationFor(doc.record(), fingerprint)
				return err
			}
		}
		doc := keyDocument{Key: key, Fingerprint: fingerprint, Status: string(StatusPending), ExpiresAt: now.Add(ttl)}
		result = Reservation{State: ReservationNew, Record: doc.record()}
		return tx.Set(ref, doc)
	})
	return result, err
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err == nil {
			doc, err := pfirestore.Decode[keyDocument](snap)
			if err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
		} else if err := pfirestore.WrapError("idempotency.complete", err); err != nil {
			var repoErr *pfirestore.Error
			if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
				return err
			}
		}
		return tx.Set(ref, keyDocument{
			Key:             key,
			Fingerprint:     fingerprint,
			Status:          string(StatusCompleted),
			ResponseStatus:  resp.Status,
			ResponseHeaders: resp.Headers,
			ResponseBody:    resp.Body,
			ExpiresAt:       now.Add(ttl),
		})
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return pfirestore.WrapError("idempotency.release", err)
}
