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

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection gives typed access to one top-level collection. T must be decodable with DataTo.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed helper to the named collection.
func NewCollection[T any](provider *Provider, name string) (*Collection[T], error) {
	if provider == nil {
		return nil, errors.New("firestore: provider is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	return &Collection[T]{provider: provider, name: name}, nil
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Doc returns the reference for id.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("firestore: %s document id is required", c.name)
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name).Doc(id), nil
}

// Create writes value under id, failing with a conflict when the document exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, value)
	return WrapError(c.op("create"), err)
}

// Get fetches and decodes the document.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return zero, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return zero, WrapError(c.op("get"), err)
	}
	return Decode[T](snap)
}

// Document pairs a decoded payload with its document ID.
type Document[T any] struct {
	ID   string
	Data T
}

// Query decodes every document matched by build. coll selects a subcollection; nil means this collection.
func (c *Collection[T]) Query(ctx context.Context, coll func(*firestore.Client) *firestore.CollectionRef, build QueryBuilder) ([]Document[T], error) {
	query, err := c.query(ctx, coll, build)
	if err != nil {
		return nil, err
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		value, err := Decode[T](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, Document[T]{ID: snap.Ref.ID, Data: value})
	}
}

// Count runs a server-side count aggregation.
func (c *Collection[T]) Count(ctx context.Context, coll func(*firestore.Client) *firestore.CollectionRef, build QueryBuilder) (int, error) {
	query, err := c.query(ctx, coll, build)
	if err != nil {
		return 0, err
	}
	result, err := query.NewAggregationQuery().WithCount("n").Get(ctx)
	if err != nil {
		return 0, WrapError(c.op("count"), err)
	}
	value, ok := result["n"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("firestore: %s count returned %T", c.name, result["n"])
	}
	return int(value.GetIntegerValue()), nil
}

func (c *Collection[T]) query(ctx context.Context, coll func(*firestore.Client) *firestore.CollectionRef, build QueryBuilder) (firestore.Query, error) {
	client, err := c.provider.Client(ctx)
	if err != nil {
		return firestore.Query{}, err
	}
	ref := client.Collection(c.name)
	if coll != nil {
		ref = coll(client)
	}
	query := ref.Query
	if build != nil {
		query = build(query)
	}
	return query, nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}

// Decode hydrates T from a snapshot.
func Decode[T any](snap *firestore.DocumentSnapshot) (T, error) {
	var value T
	if err := snap.DataTo(&value); err != nil {
		return value, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return value, nil
}
