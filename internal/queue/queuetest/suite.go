// Package queuetest holds the behaviour every queue.Store backend must pass.
package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) queue.Store

// RunStoreSuite runs the store contract against stores made by newStore.
func RunStoreSuite(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s queue.Store)
	}{
		{"AddAndGet", testAddAndGet},
		{"InsertionOrder", testInsertionOrder},
		{"GetItemsByIndex", testGetItemsByIndex},
		{"UpdateUpserts", testUpdateUpserts},
		{"DeleteAndClear", testDeleteAndClear},
		{"UnknownCollectionAndIndex", testUnknownCollectionAndIndex},
		{"WorkItemRoundTrip", testWorkItemRoundTrip},
		{"CacheHelpers", testCacheHelpers},
		{"JournalTrims", testJournalTrims},
		{"ConcurrentAdds", testConcurrentAdds},
		{"SchemaVersion", testSchemaVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func chatRecord(motherID, status string) *queue.Record {
	return &queue.Record{
		Kind:       string(domain.KindChat),
		ClientID:   "client-" + motherID,
		Key:        motherID,
		Payload:    []byte(`{"mother_id":"` + motherID + `","message":"hi"}`),
		Target:     "/api/chat",
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		SyncStatus: status,
	}
}

func testAddAndGet(t *testing.T, s queue.Store) {
	ctx := context.Background()

	rec := chatRecord("42", "pending")
	id, err := s.AddItem(ctx, queue.CollectionChats, rec)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.GetItem(ctx, queue.CollectionChats, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.ClientID, got.ClientID)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, rec.Target, got.Target)
	assert.Equal(t, "pending", got.SyncStatus)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.GetItem(ctx, queue.CollectionChats, id+1000)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	n, err := s.GetCount(ctx, queue.CollectionChats)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testInsertionOrder(t *testing.T, s queue.Store) {
	ctx := context.Background()

	var ids []int64
	for _, m := range []string{"c", "a", "b"} {
		id, err := s.AddItem(ctx, queue.CollectionChats, chatRecord(m, "pending"))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, err := s.GetAllItems(ctx, queue.CollectionChats)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, r := range all {
		assert.Equal(t, ids[i], r.ID)
	}
	assert.Equal(t, "c", all[0].Key)
}

func testGetItemsByIndex(t *testing.T, s queue.Store) {
	ctx := context.Background()

	_, err := s.AddItem(ctx, queue.CollectionChats, chatRecord("1", "pending"))
	require.NoError(t, err)
	_, err = s.AddItem(ctx, queue.CollectionChats, chatRecord("2", "failed"))
	require.NoError(t, err)
	_, err = s.AddItem(ctx, queue.CollectionChats, chatRecord("1", "pending"))
	require.NoError(t, err)

	pending, err := s.GetItemsByIndex(ctx, queue.CollectionChats, queue.IndexSyncStatus, domain.SyncStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Less(t, pending[0].ID, pending[1].ID)

	byMother, err := s.GetItemsByIndex(ctx, queue.CollectionChats, queue.IndexMotherID, "2")
	require.NoError(t, err)
	require.Len(t, byMother, 1)
	assert.Equal(t, "failed", byMother[0].SyncStatus)

	n, err := s.CountByIndex(ctx, queue.CollectionChats, queue.IndexSyncStatus, "failed")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	none, err := s.GetItemsByIndex(ctx, queue.CollectionChats, queue.IndexMotherID, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUpdateUpserts(t *testing.T, s queue.Store) {
	ctx := context.Background()

	rec := chatRecord("7", "pending")
	id, err := s.AddItem(ctx, queue.CollectionChats, rec)
	require.NoError(t, err)

	rec.ID = id
	rec.RetryCount = 1
	rec.LastError = "connection refused"
	require.NoError(t, s.UpdateItem(ctx, queue.CollectionChats, rec))

	got, err := s.GetItem(ctx, queue.CollectionChats, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "connection refused", got.LastError)

	// Missing id is inserted under that id.
	ghost := chatRecord("8", "pending")
	ghost.ID = id + 50
	require.NoError(t, s.UpdateItem(ctx, queue.CollectionChats, ghost))

	got, err = s.GetItem(ctx, queue.CollectionChats, ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, "8", got.Key)
}

func testDeleteAndClear(t *testing.T, s queue.Store) {
	ctx := context.Background()

	id, err := s.AddItem(ctx, queue.CollectionForms, &queue.Record{Kind: "form", Key: "vitals", Payload: []byte(`{}`), SyncStatus: "pending"})
	require.NoError(t, err)
	_, err = s.AddItem(ctx, queue.CollectionForms, &queue.Record{Kind: "form", Key: "vitals", Payload: []byte(`{}`), SyncStatus: "pending"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteItem(ctx, queue.CollectionForms, id))
	require.NoError(t, s.DeleteItem(ctx, queue.CollectionForms, id))

	n, err := s.GetCount(ctx, queue.CollectionForms)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.ClearStore(ctx, queue.CollectionForms))
	n, err = s.GetCount(ctx, queue.CollectionForms)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Ids are not reused after deletion.
	next, err := s.AddItem(ctx, queue.CollectionForms, &queue.Record{Kind: "form", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func testUnknownCollectionAndIndex(t *testing.T, s queue.Store) {
	ctx := context.Background()

	_, err := s.AddItem(ctx, queue.Collection("pendingVisits"), &queue.Record{})
	assert.ErrorIs(t, err, queue.ErrUnknownCollection)

	_, err = s.GetItemsByIndex(ctx, queue.CollectionForms, queue.IndexMotherID, "1")
	assert.ErrorIs(t, err, queue.ErrUnknownIndex)

	_, err = s.GetItemsByIndex(ctx, queue.CollectionCache, queue.IndexSyncStatus, "pending")
	assert.ErrorIs(t, err, queue.ErrUnknownIndex)
}

func testWorkItemRoundTrip(t *testing.T, s queue.Store) {
	ctx := context.Background()

	item := &domain.WorkItem{
		ClientID: "6f1c0b2e-1111-4c2d-9c1f-7a7a7a7a7a7a",
		Kind:     domain.KindDocument,
		Payload: &domain.DocumentPayload{
			MotherID:     "42",
			DocumentType: "ultrasound",
			Name:         "scan.png",
			MediaType:    "image/png",
			Size:         4,
			Content:      []byte{0x89, 'P', 'N', 'G'},
		},
		Target:     "/api/documents",
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		SyncStatus: domain.SyncStatusPending,
	}

	rec, err := queue.EncodeWorkItem(item)
	require.NoError(t, err)

	id, err := s.AddItem(ctx, queue.CollectionDocuments, rec)
	require.NoError(t, err)

	stored, err := s.GetItem(ctx, queue.CollectionDocuments, id)
	require.NoError(t, err)

	got, err := queue.DecodeWorkItem(*stored)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, item.ClientID, got.ClientID)

	doc, err := domain.PayloadAs[*domain.DocumentPayload](*got)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, doc.Content)
	assert.Equal(t, "image/png", doc.MediaType)
	assert.Equal(t, "scan.png", doc.Name)

	byOwner, err := s.GetItemsByIndex(ctx, queue.CollectionDocuments, queue.IndexMotherID, "42")
	require.NoError(t, err)
	assert.Len(t, byOwner, 1)
}

func testCacheHelpers(t *testing.T, s queue.Store) {
	ctx := context.Background()

	_, err := queue.GetCached(ctx, s, "profile")
	assert.ErrorIs(t, err, queue.ErrNotFound)

	require.NoError(t, queue.PutCached(ctx, s, "profile", []byte(`{"v":1}`)))
	require.NoError(t, queue.PutCached(ctx, s, "profile", []byte(`{"v":2}`)))

	v, err := queue.GetCached(ctx, s, "profile")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(v))

	n, err := s.GetCount(ctx, queue.CollectionCache)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, queue.DeleteCached(ctx, s, "profile"))
	_, err = queue.GetCached(ctx, s, "profile")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func testJournalTrims(t *testing.T, s queue.Store) {
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := queue.AppendJournal(ctx, s, queue.JournalEntry{
			Status: queue.JournalComplete,
			Report: domain.SyncReport{Chats: domain.DomainReport{Synced: i, Total: i}},
		}, 3)
		require.NoError(t, err)
	}

	entries, err := queue.ListJournal(ctx, s, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 4, entries[0].Report.Chats.Synced)
	assert.Equal(t, 2, entries[2].Report.Chats.Synced)

	latest, err := queue.ListJournal(ctx, s, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, queue.JournalComplete, latest[0].Status)
}

func testConcurrentAdds(t *testing.T, s queue.Store) {
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddItem(ctx, queue.CollectionChats, chatRecord("9", "pending"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	count, err := s.GetCount(ctx, queue.CollectionChats)
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func testSchemaVersion(t *testing.T, s queue.Store) {
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}
