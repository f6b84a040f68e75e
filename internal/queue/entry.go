// Package queue implements BleepRelay's log-bus layer: the typed entry
// model for replication log records, Kafka consumer/producer wrappers, and
// the worker harness that binds entries to replication tasks.
package queue

import (
	"encoding/json"
	"fmt"

	relayerr "github.com/bleepstore/bleeprelay/internal/errors"
)

// Replication site statuses.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Replication content categories.
const (
	ContentMetadata      = "METADATA"
	ContentData          = "DATA"
	ContentMPU           = "MPU"
	ContentPutTagging    = "PUT_TAGGING"
	ContentDeleteTagging = "DELETE_TAGGING"
)

// DefaultUsersBucket is the special bucket whose entries record bucket
// creation and deletion rather than object mutations.
const DefaultUsersBucket = "users..bucket"

// versionSeparator joins an object key and its version ID into a versioned
// key in del records.
const versionSeparator = "\x00"

// Record is one raw log-bus record as delivered by the consumer.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// envelope is the outer JSON layer of every log record.
type envelope struct {
	Type   string          `json:"type"`
	Bucket string          `json:"bucket"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Action string          `json:"action,omitempty"`
}

// Entry is the tagged variant produced by parsing a log record. Exactly one
// of the concrete entry types below implements it.
type Entry interface {
	// entryType names the variant for logging.
	entryType() string
}

// Location is one ordered element of an object's data location list.
type Location struct {
	PartNumber    int    `json:"partNumber"`
	PartSize      int64  `json:"partSize"`
	PartETag      string `json:"partETag,omitempty"`
	DataStoreETag string `json:"dataStoreETag"`
	DataStoreName string `json:"dataStoreName"`
	DataStoreType string `json:"dataStoreType,omitempty"`
	// DataStoreVersionID is set by the mirror processor when the source
	// version id is known.
	DataStoreVersionID string `json:"dataStoreVersionId,omitempty"`
}

// SiteStatus tracks the replication state of one destination site.
type SiteStatus struct {
	Site               string `json:"site"`
	Status             string `json:"status"`
	DataStoreVersionID string `json:"dataStoreVersionId,omitempty"`
}

// ReplicationInfo enumerates what must be replicated and where.
type ReplicationInfo struct {
	Status       string       `json:"status,omitempty"`
	Backends     []SiteStatus `json:"backends"`
	Content      []string     `json:"content"`
	StorageClass string       `json:"storageClass,omitempty"`
	StorageType  string       `json:"storageType,omitempty"`
	IsNFS        bool         `json:"isNFS,omitempty"`
	Role         string       `json:"role,omitempty"`
}

// ObjectMD is the serialized object metadata carried in the inner value of
// an object entry.
type ObjectMD struct {
	ContentLength      int64             `json:"content-length"`
	ContentMD5         string            `json:"content-md5"`
	ContentType        string            `json:"content-type,omitempty"`
	CacheControl       string            `json:"cache-control,omitempty"`
	ContentDisposition string            `json:"content-disposition,omitempty"`
	ContentEncoding    string            `json:"content-encoding,omitempty"`
	UserMetadata       map[string]string `json:"user-metadata,omitempty"`
	OwnerID            string            `json:"owner-id,omitempty"`
	OwnerDisplay       string            `json:"owner-display-name,omitempty"`
	VersionID          string            `json:"versionId,omitempty"`
	IsDeleteMarker     bool              `json:"isDeleteMarker,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
	Location           []Location        `json:"location"`
	Replication        ReplicationInfo   `json:"replicationInfo"`
}

// ObjectEntry is a put record for an object: data replication, a
// metadata-only mutation, a tagging operation, or a delete marker.
type ObjectEntry struct {
	Bucket string
	Key    string
	MD     ObjectMD
}

func (e *ObjectEntry) entryType() string { return "object" }

// DeleteEntry is a del record naming a versioned object key.
type DeleteEntry struct {
	Bucket string
	// Key is the versioned key: objectKey + "\x00" + versionId.
	Key string
}

func (e *DeleteEntry) entryType() string { return "delete" }

// ObjectKey splits the versioned key and returns the plain object key.
func (e *DeleteEntry) ObjectKey() string {
	for i := 0; i < len(e.Key); i++ {
		if e.Key[i] == 0 {
			return e.Key[:i]
		}
	}
	return e.Key
}

// VersionID splits the versioned key and returns the version ID, or "".
func (e *DeleteEntry) VersionID() string {
	for i := 0; i < len(e.Key); i++ {
		if e.Key[i] == 0 {
			return e.Key[i+1:]
		}
	}
	return ""
}

// ActionEntry is an operational action record such as copyData.
type ActionEntry struct {
	ActionType string
	Parameters json.RawMessage
}

func (e *ActionEntry) entryType() string { return "action" }

// BucketEntry is a usersBucket record marking bucket creation (put with the
// bucket name as key) or deletion (del).
type BucketEntry struct {
	Bucket  string
	Deleted bool
}

func (e *BucketEntry) entryType() string { return "bucket" }

// BucketMdEntry carries serialized bucket metadata (bucket == key == name).
type BucketMdEntry struct {
	Name  string
	Value json.RawMessage
}

func (e *BucketMdEntry) entryType() string { return "bucket-md" }

// Parser turns raw log records into typed entries.
type Parser struct {
	// UsersBucket is the bucket-listing bucket name; records addressed to
	// it parse as BucketEntry.
	UsersBucket string
}

// NewParser returns a Parser using the default usersBucket name.
func NewParser() *Parser {
	return &Parser{UsersBucket: DefaultUsersBucket}
}

// Parse decodes one log record into its typed entry variant. It returns
// ErrMalformedEntry when the record cannot be decoded or required fields
// are absent.
func (p *Parser) Parse(rec Record) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		return nil, relayerr.ErrMalformedEntry.Wrap(err)
	}

	if env.Action != "" {
		return &ActionEntry{ActionType: env.Action, Parameters: env.Value}, nil
	}

	if env.Bucket == "" {
		return nil, relayerr.ErrMalformedEntry.Wrap(fmt.Errorf("missing bucket"))
	}

	usersBucket := p.UsersBucket
	if usersBucket == "" {
		usersBucket = DefaultUsersBucket
	}

	switch env.Type {
	case "del":
		if env.Bucket == usersBucket {
			return &BucketEntry{Bucket: env.Key, Deleted: true}, nil
		}
		if env.Key == "" {
			return nil, relayerr.ErrMalformedEntry.Wrap(fmt.Errorf("missing key in del record"))
		}
		return &DeleteEntry{Bucket: env.Bucket, Key: env.Key}, nil

	case "put":
		if env.Bucket == usersBucket {
			if env.Key == "" {
				return nil, relayerr.ErrMalformedEntry.Wrap(fmt.Errorf("missing key in usersBucket record"))
			}
			return &BucketEntry{Bucket: env.Key}, nil
		}
		// Bucket metadata records address the bucket itself.
		if env.Key == env.Bucket || env.Key == "" {
			return &BucketMdEntry{Name: env.Bucket, Value: env.Value}, nil
		}
		var md ObjectMD
		if err := json.Unmarshal(env.Value, &md); err != nil {
			return nil, relayerr.ErrMalformedEntry.Wrap(err)
		}
		return &ObjectEntry{Bucket: env.Bucket, Key: env.Key, MD: md}, nil

	default:
		return nil, relayerr.ErrMalformedEntry.Wrap(fmt.Errorf("unknown record type %q", env.Type))
	}
}

// Serialize re-encodes the entry as an outbound log record value. Parse and
// Serialize round-trip for every variant.
func Serialize(e Entry) ([]byte, error) {
	switch v := e.(type) {
	case *ObjectEntry:
		inner, err := json.Marshal(&v.MD)
		if err != nil {
			return nil, err
		}
		return json.Marshal(&envelope{Type: "put", Bucket: v.Bucket, Key: v.Key, Value: inner})
	case *DeleteEntry:
		return json.Marshal(&envelope{Type: "del", Bucket: v.Bucket, Key: v.Key})
	case *ActionEntry:
		return json.Marshal(&envelope{Action: v.ActionType, Value: v.Parameters})
	case *BucketEntry:
		typ := "put"
		if v.Deleted {
			typ = "del"
		}
		return json.Marshal(&envelope{Type: typ, Bucket: DefaultUsersBucket, Key: v.Bucket})
	case *BucketMdEntry:
		return json.Marshal(&envelope{Type: "put", Bucket: v.Name, Key: v.Name, Value: v.Value})
	default:
		return nil, fmt.Errorf("unknown entry variant %T", e)
	}
}

// VersionedKey joins an object key and version ID the way del records
// encode them.
func VersionedKey(key, versionID string) string {
	if versionID == "" {
		return key
	}
	return key + versionSeparator + versionID
}

// SiteStatus returns the replication status recorded for the given site,
// or StatusPending when the site has no backend record yet.
func (e *ObjectEntry) SiteStatus(site string) string {
	for _, b := range e.MD.Replication.Backends {
		if b.Site == site {
			return b.Status
		}
	}
	return StatusPending
}

// SetSiteStatus records the replication status for the given site, adding a
// backend record if the site has none.
func (e *ObjectEntry) SetSiteStatus(site, status string) {
	for i := range e.MD.Replication.Backends {
		if e.MD.Replication.Backends[i].Site == site {
			e.MD.Replication.Backends[i].Status = status
			return
		}
	}
	e.MD.Replication.Backends = append(e.MD.Replication.Backends, SiteStatus{Site: site, Status: status})
}

// SiteDataStoreVersionID returns the destination version ID recorded for
// the given site, or "".
func (e *ObjectEntry) SiteDataStoreVersionID(site string) string {
	for _, b := range e.MD.Replication.Backends {
		if b.Site == site {
			return b.DataStoreVersionID
		}
	}
	return ""
}

// SetSiteDataStoreVersionID records the destination version ID for the
// given site, adding a backend record if the site has none.
func (e *ObjectEntry) SetSiteDataStoreVersionID(site, id string) {
	for i := range e.MD.Replication.Backends {
		if e.MD.Replication.Backends[i].Site == site {
			e.MD.Replication.Backends[i].DataStoreVersionID = id
			return
		}
	}
	e.MD.Replication.Backends = append(e.MD.Replication.Backends, SiteStatus{
		Site:               site,
		Status:             StatusPending,
		DataStoreVersionID: id,
	})
}

// SetOwner replaces the entry's owner identity.
func (e *ObjectEntry) SetOwner(id, display string) {
	e.MD.OwnerID = id
	e.MD.OwnerDisplay = display
}

// SetLocations replaces the entry's data location list. The mirror
// processor uses this to normalize backend identity into its canonical
// form.
func (e *ObjectEntry) SetLocations(locs []Location) {
	e.MD.Location = locs
}

// HasContent reports whether the entry's replication content includes the
// given category.
func (e *ObjectEntry) HasContent(category string) bool {
	for _, c := range e.MD.Replication.Content {
		if c == category {
			return true
		}
	}
	return false
}
