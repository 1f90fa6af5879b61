package indexer

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"bucketchain/core/events"
	"bucketchain/core/types"
)

func setupIndexer(t *testing.T) *Indexer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	idx, err := New(db)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func event(eventType string, height, bucket int, provider string) *types.Event {
	attrs := map[string]string{"height": fmt.Sprint(height)}
	if bucket > 0 {
		attrs["bucket"] = fmt.Sprint(bucket)
	}
	if provider != "" {
		attrs["provider"] = provider
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func TestRecordAndQueryFilters(t *testing.T) {
	idx := setupIndexer(t)
	ctx := context.Background()
	fixtures := []*types.Event{
		event("storage.bucket.created", 1, 1, ""),
		event("storage.request.created", 2, 1, "bkt1provider"),
		event("storage.agreement.accepted", 3, 1, "bkt1provider"),
		event("storage.bucket.created", 3, 2, ""),
		event("storage.challenge.created", 5, 2, "bkt1other"),
	}
	for _, evt := range fixtures {
		if err := idx.Record(ctx, evt); err != nil {
			t.Fatalf("record %s: %v", evt.Type, err)
		}
	}

	all, err := idx.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != len(fixtures) {
		t.Fatalf("expected %d records, got %d", len(fixtures), len(all))
	}
	for i, rec := range all {
		if rec.Type != fixtures[i].Type {
			t.Fatalf("record %d out of order: %s", i, rec.Type)
		}
		if rec.Attrs["height"] != fixtures[i].Attributes["height"] {
			t.Fatalf("attributes not restored: %+v", rec.Attrs)
		}
	}

	byBucket, err := idx.Query(ctx, Filter{Bucket: 1})
	if err != nil || len(byBucket) != 3 {
		t.Fatalf("bucket filter: %d records, err %v", len(byBucket), err)
	}
	byProvider, err := idx.Query(ctx, Filter{Provider: "BKT1PROVIDER"})
	if err != nil || len(byProvider) != 2 {
		t.Fatalf("provider filter: %d records, err %v", len(byProvider), err)
	}
	byType, err := idx.Query(ctx, Filter{Type: "storage.bucket.created", FromHeight: 2})
	if err != nil || len(byType) != 1 || byType[0].Bucket != 2 {
		t.Fatalf("type+height filter: %+v, err %v", byType, err)
	}
	window, err := idx.Query(ctx, Filter{FromHeight: 2, ToHeight: 3, Limit: 2})
	if err != nil || len(window) != 2 || window[0].Height != 2 {
		t.Fatalf("height window: %+v, err %v", window, err)
	}
}

func TestRecordRejectsMalformedHeight(t *testing.T) {
	idx := setupIndexer(t)
	err := idx.Record(context.Background(), &types.Event{Type: "x", Attributes: map[string]string{"height": "tall"}})
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEmitIndexesTypedEvents(t *testing.T) {
	idx := setupIndexer(t)
	var emitter events.Emitter = idx
	emitter.Emit(events.TypedEvent{Payload: event("storage.provider.registered", 7, 0, "bkt1p")})
	emitter.Emit(events.TypedEvent{})

	got, err := idx.Query(context.Background(), Filter{Type: "storage.provider.registered"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Height != 7 || got[0].Provider != "bkt1p" {
		t.Fatalf("unexpected records: %+v", got)
	}
}
