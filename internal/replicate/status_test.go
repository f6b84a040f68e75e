package replicate

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/bleepstore/bleeprelay/internal/queue"
)

func testPublisher(producer *mockProducer) *Publisher {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPublisher(producer, "status", "metrics", "crr", nil, log)
}

func TestPublishStatusCarriesUpdatedEntry(t *testing.T) {
	producer := &mockProducer{}
	pub := testPublisher(producer)

	e := dataEntry(100, "m1", nil)
	e.SetSiteStatus("remote", queue.StatusCompleted)

	key := queue.VersionedKey(e.Key, e.MD.VersionID)
	if err := pub.PublishStatus(e, key); err != nil {
		t.Fatalf("PublishStatus: %v", err)
	}

	msgs := producer.onTopic("status")
	if len(msgs) != 1 {
		t.Fatalf("%d status messages, want 1", len(msgs))
	}
	if string(msgs[0].key) != key {
		t.Errorf("key = %q, want %q", msgs[0].key, key)
	}

	parsed, err := queue.NewParser().Parse(queue.Record{Value: msgs[0].value})
	if err != nil {
		t.Fatalf("reparse of published entry: %v", err)
	}
	obj, ok := parsed.(*queue.ObjectEntry)
	if !ok {
		t.Fatalf("published %T, want *ObjectEntry", parsed)
	}
	if obj.SiteStatus("remote") != queue.StatusCompleted {
		t.Errorf("published site status = %q, want COMPLETED", obj.SiteStatus("remote"))
	}
}

func TestMetricsRecordShape(t *testing.T) {
	producer := &mockProducer{}
	pub := testPublisher(producer)

	pub.ReportQueued("remote", "b", "k", "v1", 2048)
	pub.ReportCompleted("remote", "b", "k", "v1", 2048)
	pub.ReportFailed("remote", "b", "k", "v1", 2048)

	msgs := producer.onTopic("metrics")
	if len(msgs) != 3 {
		t.Fatalf("%d metrics messages, want 3", len(msgs))
	}

	wantTypes := []string{"queued", "completed", "failed"}
	for i, msg := range msgs {
		var rec MetricsRecord
		if err := json.Unmarshal(msg.value, &rec); err != nil {
			t.Fatalf("metrics record %d: %v", i, err)
		}
		if rec.Type != wantTypes[i] {
			t.Errorf("record %d type = %q, want %q", i, rec.Type, wantTypes[i])
		}
		if rec.Ops != 1 || rec.Bytes != 2048 {
			t.Errorf("record %d ops/bytes = %d/%d", i, rec.Ops, rec.Bytes)
		}
		if rec.Extension != "crr" {
			t.Errorf("record %d extension = %q", i, rec.Extension)
		}
		if rec.Site != "remote" || rec.BucketName != "b" || rec.ObjectKey != "k" || rec.VersionID != "v1" {
			t.Errorf("record %d identity = %+v", i, rec)
		}
		if rec.Timestamp == 0 {
			t.Errorf("record %d has no timestamp", i)
		}
		if string(msg.key) != "remote" {
			t.Errorf("record %d key = %q, want site", i, msg.key)
		}
	}
}
