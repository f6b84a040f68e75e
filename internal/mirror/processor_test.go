package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bleepstore/bleeprelay/internal/config"
	"github.com/bleepstore/bleeprelay/internal/queue"
	"github.com/bleepstore/bleeprelay/internal/replicate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRunner() *replicate.Runner {
	return replicate.NewRunner(replicate.RetryPolicy{
		MinBackoff: time.Millisecond,
		MaxBackoff: time.Millisecond,
		Factor:     1,
		MaxRetries: 1,
	}, testLogger())
}

func testProcessor(store Store, cfg config.MirrorConfig) *Processor {
	if cfg.Prefix == "" {
		cfg.Prefix = "mirror"
	}
	return NewProcessor(store, testRunner(), cfg, testLogger())
}

func objectEntry(bucket, key string) *queue.ObjectEntry {
	return &queue.ObjectEntry{
		Bucket: bucket,
		Key:    key,
		MD: queue.ObjectMD{
			ContentLength: 100,
			ContentMD5:    "m",
			VersionID:     "v1",
			OwnerID:       "source-owner",
			Location: []queue.Location{
				{PartNumber: 1, PartSize: 100, DataStoreETag: "1:e", DataStoreName: "us-east-1", DataStoreType: "aws_s3"},
			},
		},
	}
}

func TestProcessorMirrorsObjectEntry(t *testing.T) {
	store := NewMemoryStore()
	p := testProcessor(store, config.MirrorConfig{})

	committable := p.Handle(context.Background(), queue.Record{}, objectEntry("photos", "cat.jpg"))
	if !committable {
		t.Fatal("Handle returned false")
	}

	md := store.GetObject("mirror-photos", "cat.jpg")
	if md == nil {
		t.Fatal("object not mirrored")
	}
	if md.ContentLength != 100 {
		t.Errorf("content length = %d", md.ContentLength)
	}
	// Versioned entry: the version id lands on every location.
	if md.Location[0].DataStoreVersionID != "v1" {
		t.Errorf("location version = %q, want v1", md.Location[0].DataStoreVersionID)
	}
}

func TestProcessorCanonicalizesBackendIdentity(t *testing.T) {
	store := NewMemoryStore()
	p := testProcessor(store, config.MirrorConfig{
		CanonicalDataStoreName: "mirror-store",
		CanonicalDataStoreType: "aws_s3",
		CanonicalOwnerID:       "mirror-owner",
		CanonicalOwnerDisplay:  "Mirror",
	})

	p.Handle(context.Background(), queue.Record{}, objectEntry("photos", "cat.jpg"))

	md := store.GetObject("mirror-photos", "cat.jpg")
	if md == nil {
		t.Fatal("object not mirrored")
	}
	if md.OwnerID != "mirror-owner" || md.OwnerDisplay != "Mirror" {
		t.Errorf("owner = %q/%q", md.OwnerID, md.OwnerDisplay)
	}
	if md.Location[0].DataStoreName != "mirror-store" {
		t.Errorf("data store name = %q", md.Location[0].DataStoreName)
	}
	if md.Location[0].DataStoreVersionID != "v1" {
		t.Errorf("location version = %q, want v1", md.Location[0].DataStoreVersionID)
	}
}

func TestProcessorDeleteEntry(t *testing.T) {
	store := NewMemoryStore()
	p := testProcessor(store, config.MirrorConfig{})
	ctx := context.Background()

	p.Handle(ctx, queue.Record{}, objectEntry("photos", "cat.jpg"))
	p.Handle(ctx, queue.Record{}, &queue.DeleteEntry{Bucket: "photos", Key: "cat.jpg"})

	if store.GetObject("mirror-photos", "cat.jpg") != nil {
		t.Error("object still present after delete entry")
	}
}

func TestProcessorBucketEntriesGated(t *testing.T) {
	store := NewMemoryStore()
	p := testProcessor(store, config.MirrorConfig{})
	ctx := context.Background()

	if !p.Handle(ctx, queue.Record{}, &queue.BucketEntry{Bucket: "photos"}) {
		t.Fatal("Handle returned false")
	}
	if store.HasBucket("mirror-photos") {
		t.Error("bucket mirrored while bucket handlers are off")
	}

	p = testProcessor(store, config.MirrorConfig{ProcessBucketEntries: true})
	p.Handle(ctx, queue.Record{}, &queue.BucketEntry{Bucket: "photos"})
	if !store.HasBucket("mirror-photos") {
		t.Error("bucket not mirrored with bucket handlers on")
	}

	p.Handle(ctx, queue.Record{}, &queue.BucketMdEntry{Name: "photos", Value: []byte(`{"acl":{}}`)})
	if store.GetBucketMd("mirror-photos") == nil {
		t.Error("bucket metadata not mirrored")
	}

	p.Handle(ctx, queue.Record{}, &queue.BucketEntry{Bucket: "photos", Deleted: true})
	if store.HasBucket("mirror-photos") {
		t.Error("bucket still present after delete")
	}
}

func TestProcessorActionEntryIgnored(t *testing.T) {
	store := NewMemoryStore()
	p := testProcessor(store, config.MirrorConfig{})

	if !p.Handle(context.Background(), queue.Record{}, &queue.ActionEntry{ActionType: "copyData"}) {
		t.Error("Handle returned false for an action entry")
	}
}

// failingStore fails every write a fixed number of times before succeeding.
type failingStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (s *failingStore) PutObjectNoVer(ctx context.Context, bucket, key string, md *queue.ObjectMD) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.PutObjectNoVer(ctx, bucket, key, md)
}

func TestProcessorRetriesStoreWrites(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failures: 1}
	p := testProcessor(store, config.MirrorConfig{})

	committable := p.Handle(context.Background(), queue.Record{}, objectEntry("photos", "cat.jpg"))
	if !committable {
		t.Fatal("Handle returned false")
	}
	if store.calls != 2 {
		t.Errorf("store calls = %d, want 2", store.calls)
	}
	if store.GetObject("mirror-photos", "cat.jpg") == nil {
		t.Error("object not mirrored after retry")
	}
}

func TestProcessorSkipsTerminalFailures(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failures: 100}
	p := testProcessor(store, config.MirrorConfig{})

	// The write fails terminally but the entry still commits: one bad record
	// must not stall the partition.
	if !p.Handle(context.Background(), queue.Record{}, objectEntry("photos", "cat.jpg")) {
		t.Error("Handle returned false for a terminally failed write")
	}
}
