package queue

import (
	"encoding/json"
	"errors"
	"testing"

	relayerr "github.com/bleepstore/bleeprelay/internal/errors"
)

func mustParse(t *testing.T, value []byte) Entry {
	t.Helper()
	e, err := NewParser().Parse(Record{Value: value})
	if err != nil {
		t.Fatalf("Parse(%s): %v", value, err)
	}
	return e
}

func TestParseObjectEntry(t *testing.T) {
	value := []byte(`{
		"type": "put",
		"bucket": "photos",
		"key": "cat.jpg\u0000v42",
		"value": {
			"content-length": 2048,
			"content-md5": "abc",
			"versionId": "v42",
			"location": [{"partNumber":1,"partSize":2048,"dataStoreETag":"1:e","dataStoreName":"us-east-1"}],
			"replicationInfo": {
				"status": "PENDING",
				"backends": [{"site":"remote","status":"PENDING"}],
				"content": ["DATA"],
				"storageClass": "remote"
			}
		}
	}`)

	e := mustParse(t, value)
	obj, ok := e.(*ObjectEntry)
	if !ok {
		t.Fatalf("got %T, want *ObjectEntry", e)
	}
	if obj.Bucket != "photos" {
		t.Errorf("bucket = %q", obj.Bucket)
	}
	if obj.MD.ContentLength != 2048 {
		t.Errorf("content length = %d", obj.MD.ContentLength)
	}
	if len(obj.MD.Location) != 1 || obj.MD.Location[0].DataStoreETag != "1:e" {
		t.Errorf("location = %+v", obj.MD.Location)
	}
	if obj.SiteStatus("remote") != StatusPending {
		t.Errorf("site status = %q", obj.SiteStatus("remote"))
	}
}

func TestParseDeleteEntry(t *testing.T) {
	e := mustParse(t, []byte(`{"type":"del","bucket":"photos","key":"cat.jpg\u0000v42"}`))
	del, ok := e.(*DeleteEntry)
	if !ok {
		t.Fatalf("got %T, want *DeleteEntry", e)
	}
	if del.ObjectKey() != "cat.jpg" {
		t.Errorf("object key = %q", del.ObjectKey())
	}
	if del.VersionID() != "v42" {
		t.Errorf("version id = %q", del.VersionID())
	}
}

func TestParseBucketEntries(t *testing.T) {
	e := mustParse(t, []byte(`{"type":"put","bucket":"users..bucket","key":"photos"}`))
	b, ok := e.(*BucketEntry)
	if !ok || b.Bucket != "photos" || b.Deleted {
		t.Fatalf("got %#v, want creation of photos", e)
	}

	e = mustParse(t, []byte(`{"type":"del","bucket":"users..bucket","key":"photos"}`))
	b, ok = e.(*BucketEntry)
	if !ok || b.Bucket != "photos" || !b.Deleted {
		t.Fatalf("got %#v, want deletion of photos", e)
	}
}

func TestParseBucketMdEntry(t *testing.T) {
	e := mustParse(t, []byte(`{"type":"put","bucket":"photos","key":"photos","value":{"acl":{}}}`))
	md, ok := e.(*BucketMdEntry)
	if !ok || md.Name != "photos" {
		t.Fatalf("got %#v, want bucket-md for photos", e)
	}
}

func TestParseActionEntry(t *testing.T) {
	e := mustParse(t, []byte(`{"action":"copyData","value":{"target":"x"}}`))
	a, ok := e.(*ActionEntry)
	if !ok || a.ActionType != "copyData" {
		t.Fatalf("got %#v, want copyData action", e)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"put"}`),
		[]byte(`{"type":"frob","bucket":"b","key":"k"}`),
		[]byte(`{"type":"del","bucket":"b"}`),
		[]byte(`{"type":"put","bucket":"b","key":"k","value":"not an object"}`),
	}
	for _, value := range cases {
		_, err := NewParser().Parse(Record{Value: value})
		if !errors.Is(err, relayerr.ErrMalformedEntry) {
			t.Errorf("Parse(%s) error = %v, want ErrMalformedEntry", value, err)
		}
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	values := [][]byte{
		[]byte(`{"type":"put","bucket":"b","key":"k\u0000v1","value":{"content-length":1,"content-md5":"m","location":[],"replicationInfo":{"backends":[],"content":["DATA"]}}}`),
		[]byte(`{"type":"del","bucket":"b","key":"k\u0000v1"}`),
		[]byte(`{"type":"put","bucket":"users..bucket","key":"newbucket"}`),
		[]byte(`{"type":"del","bucket":"users..bucket","key":"oldbucket"}`),
		[]byte(`{"type":"put","bucket":"b","key":"b","value":{"owner":"o"}}`),
		[]byte(`{"action":"copyData","value":{"x":1}}`),
	}

	parser := NewParser()
	for _, value := range values {
		first, err := parser.Parse(Record{Value: value})
		if err != nil {
			t.Fatalf("Parse(%s): %v", value, err)
		}
		encoded, err := Serialize(first)
		if err != nil {
			t.Fatalf("Serialize(%s): %v", value, err)
		}
		second, err := parser.Parse(Record{Value: encoded})
		if err != nil {
			t.Fatalf("reparse of %s: %v", encoded, err)
		}

		a, _ := json.Marshal(first)
		b, _ := json.Marshal(second)
		if string(a) != string(b) {
			t.Errorf("round trip changed entry:\n  in:  %s\n  out: %s", a, b)
		}
	}
}

func TestVersionedKey(t *testing.T) {
	if got := VersionedKey("k", "v1"); got != "k\x00v1" {
		t.Errorf("VersionedKey = %q", got)
	}
	if got := VersionedKey("k", ""); got != "k" {
		t.Errorf("VersionedKey without version = %q", got)
	}
}

func TestSiteStatusMutators(t *testing.T) {
	e := &ObjectEntry{MD: ObjectMD{}}

	if got := e.SiteStatus("remote"); got != StatusPending {
		t.Errorf("status of unknown site = %q, want PENDING", got)
	}

	e.SetSiteStatus("remote", StatusCompleted)
	if got := e.SiteStatus("remote"); got != StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", got)
	}

	e.SetSiteDataStoreVersionID("remote", "dv1")
	if got := e.SiteDataStoreVersionID("remote"); got != "dv1" {
		t.Errorf("version = %q, want dv1", got)
	}
	if len(e.MD.Replication.Backends) != 1 {
		t.Errorf("backends = %d entries, want 1", len(e.MD.Replication.Backends))
	}
}

func TestHasContent(t *testing.T) {
	e := &ObjectEntry{MD: ObjectMD{Replication: ReplicationInfo{Content: []string{ContentData, ContentMPU}}}}
	if !e.HasContent(ContentMPU) {
		t.Error("HasContent(MPU) = false")
	}
	if e.HasContent(ContentPutTagging) {
		t.Error("HasContent(PUT_TAGGING) = true")
	}
}
