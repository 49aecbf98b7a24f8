package queue

import (
	"context"
	"fmt"
	"time"
)

// PutCached stores value under key in the cachedData collection.
func PutCached(ctx context.Context, s Store, key string, value []byte) error {
	existing, err := s.GetItemsByIndex(ctx, CollectionCache, IndexKey, key)
	if err != nil {
		return fmt.Errorf("lookup cached %q: %w", key, err)
	}

	rec := &Record{
		Key:       key,
		Payload:   value,
		CreatedAt: time.Now().UTC(),
	}
	if len(existing) > 0 {
		rec.ID = existing[0].ID
		return s.UpdateItem(ctx, CollectionCache, rec)
	}
	_, err = s.AddItem(ctx, CollectionCache, rec)
	return err
}

// GetCached returns the value stored under key.
func GetCached(ctx context.Context, s Store, key string) ([]byte, error) {
	recs, err := s.GetItemsByIndex(ctx, CollectionCache, IndexKey, key)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0].Payload, nil
}

// DeleteCached removes key from the cache. Missing keys are ignored.
func DeleteCached(ctx context.Context, s Store, key string) error {
	recs, err := s.GetItemsByIndex(ctx, CollectionCache, IndexKey, key)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := s.DeleteItem(ctx, CollectionCache, r.ID); err != nil {
			return err
		}
	}
	return nil
}
