package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/webrichesse/orders-api/internal/platform/firestore"
)

// Collections used by the service. Documents carry expires_at so a Firestore
// TTL policy can purge them.
const (
	RequestCollection = "idempotency_keys"
	EventCollection   = "webhook_events"
)

// FirestoreStore implements Store on a Firestore collection.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

func NewFirestoreStore(provider *pfirestore.Provider, collection string) *FirestoreStore {
	if collection == "" {
		collection = RequestCollection
	}
	return &FirestoreStore{provider: provider, collection: collection}
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ref, err := s.doc(ctx, key)
	if err != nil {
		return Reservation{}, err
	}

	var result Reservation
	err = s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing firestoreRecord
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if record := existing.toRecord(); !expired(record, now) {
				result, err = reservationFor(record, fingerprint)
				return err
			}
		}
		record := newPendingRecord(key, fingerprint, now, normalizeTTL(ttl))
		if err := tx.Set(ref, fromRecord(record)); err != nil {
			return err
		}
		result = Reservation{State: ReservationStateNew, Record: record}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			return Reservation{}, ErrFingerprintMismatch
		}
		return Reservation{}, err
	}
	return result, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}

	err = s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		record := Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing firestoreRecord
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record.CreatedAt = existing.CreatedAt
		case status.Code(err) != codes.NotFound:
			return err
		}

		record.Status = StatusCompleted
		record.ResponseStatus = resp.Status
		record.ResponseHeaders = storableHeaders(resp.Headers)
		record.ResponseBody = append([]byte(nil), resp.Body...)
		record.UpdatedAt = now
		record.ExpiresAt = now.Add(normalizeTTL(ttl))
		return tx.Set(ref, fromRecord(record))
	})
	if errors.Is(err, ErrFingerprintMismatch) {
		return ErrFingerprintMismatch
	}
	return err
}

func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	err = s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var existing firestoreRecord
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if existing.Fingerprint != fingerprint || existing.Status != string(StatusPending) {
			return nil
		}
		return tx.Delete(ref)
	})
	return err
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

type firestoreRecord struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers,omitempty"`
	ResponseBody    []byte              `firestore:"response_body,omitempty"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func fromRecord(r Record) firestoreRecord {
	return firestoreRecord{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}
