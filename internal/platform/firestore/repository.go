package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
)

// QueryBuilder customises a collection query before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// BaseRepository wraps typed access to one collection. T is the firestore-tagged document struct.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
}

// NewBaseRepository binds a BaseRepository to a collection.
func NewBaseRepository[T any](provider *Provider, collection string) *BaseRepository[T] {
	return &BaseRepository[T]{provider: provider, collection: strings.TrimSpace(collection)}
}

// Provider exposes the underlying provider for transactional callers.
func (r *BaseRepository[T]) Provider() *Provider {
	return r.provider
}

// Create writes a new document and fails with a conflict if the ID is taken.
func (r *BaseRepository[T]) Create(ctx context.Context, id string, value T) error {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := doc.Create(ctx, value); err != nil {
		return WrapError(r.op("create"), err)
	}
	return nil
}

// Get fetches and decodes the document by ID.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return zero, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		return zero, WrapError(r.op("get"), err)
	}
	return r.Decode(snap)
}

// Decode hydrates the document struct from a snapshot.
func (r *BaseRepository[T]) Decode(snap *firestore.DocumentSnapshot) (T, error) {
	var target T
	if err := snap.DataTo(&target); err != nil {
		return target, fmt.Errorf("firestore: decode %s/%s: %w", r.collection, snap.Ref.ID, err)
	}
	return target, nil
}

// Query runs a collection query and decodes every result.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]T, error) {
	var out []T
	err := r.Each(ctx, build, func(_ *firestore.DocumentSnapshot, value T) error {
		out = append(out, value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Each streams decoded query results to fn along with their snapshots.
// Iteration stops at the first error returned by fn.
func (r *BaseRepository[T]) Each(ctx context.Context, build QueryBuilder, fn func(*firestore.DocumentSnapshot, T) error) error {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return WrapError(r.op("query"), err)
		}
		decoded, err := r.Decode(snap)
		if err != nil {
			return err
		}
		if err := fn(snap, decoded); err != nil {
			return err
		}
	}
}

// Count runs a server-side count aggregation over the query.
func (r *BaseRepository[T]) Count(ctx context.Context, build QueryBuilder) (int, error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return 0, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	results, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, WrapError(r.op("count"), err)
	}
	value, ok := results["total"].(*firestorepb.Value)
	if !ok {
		return 0, WrapError(r.op("count"), errors.New("firestore: count aggregation missing"))
	}
	return int(value.GetIntegerValue()), nil
}

// DocumentRef returns the reference for id, used inside transactions.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (r *BaseRepository[T]) collectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, WrapError("firestore.collection", errors.New("firestore: provider is nil"))
	}
	if r.collection == "" {
		return nil, WrapError("firestore.collection", errors.New("firestore: collection name is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

func (r *BaseRepository[T]) op(action string) string {
	return r.collection + "." + action
}
