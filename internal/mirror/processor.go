package mirror

import (
	"context"
	"log/slog"

	"github.com/bleepstore/bleeprelay/internal/config"
	"github.com/bleepstore/bleeprelay/internal/metrics"
	"github.com/bleepstore/bleeprelay/internal/queue"
	"github.com/bleepstore/bleeprelay/internal/replicate"
)

// Processor consumes the replication log and mirrors metadata into the
// document store. Object entries are normalized into the mirror's canonical
// backend identity before writing; bucket-level handlers are disabled unless
// configured on, matching deployments that mirror object metadata only.
type Processor struct {
	store  Store
	runner *replicate.Runner
	cfg    config.MirrorConfig
	log    *slog.Logger
}

// NewProcessor creates a Processor writing through the given store.
func NewProcessor(store Store, runner *replicate.Runner, cfg config.MirrorConfig, log *slog.Logger) *Processor {
	return &Processor{store: store, runner: runner, cfg: cfg, log: log}
}

// mirrorBucket maps a source bucket name into the mirror namespace.
func (p *Processor) mirrorBucket(name string) string {
	return p.cfg.Prefix + "-" + name
}

// Handle implements queue.Handler. Store failures retry through the runner;
// a terminally failed write is logged and skipped so one bad record cannot
// stall the partition.
func (p *Processor) Handle(ctx context.Context, rec queue.Record, entry queue.Entry) bool {
	switch e := entry.(type) {
	case *queue.ObjectEntry:
		p.write(ctx, "putObject", func(ctx context.Context) error {
			p.canonicalize(e)
			return p.store.PutObjectNoVer(ctx, p.mirrorBucket(e.Bucket), e.Key, &e.MD)
		})
	case *queue.DeleteEntry:
		p.write(ctx, "deleteObject", func(ctx context.Context) error {
			return p.store.DeleteObjectNoVer(ctx, p.mirrorBucket(e.Bucket), e.Key)
		})
	case *queue.BucketEntry:
		if !p.cfg.ProcessBucketEntries {
			return true
		}
		if e.Deleted {
			p.write(ctx, "deleteBucket", func(ctx context.Context) error {
				return p.store.DeleteBucket(ctx, p.mirrorBucket(e.Bucket))
			})
		} else {
			p.write(ctx, "putBucket", func(ctx context.Context) error {
				return p.store.PutBucket(ctx, p.mirrorBucket(e.Bucket))
			})
		}
	case *queue.BucketMdEntry:
		if !p.cfg.ProcessBucketEntries {
			return true
		}
		p.write(ctx, "putBucketMd", func(ctx context.Context) error {
			return p.store.PutBucketMd(ctx, p.mirrorBucket(e.Name), e.Value)
		})
	default:
		// Action entries carry no metadata to mirror.
	}
	return true
}

// write runs one store write through the retry runner and records its
// outcome.
func (p *Processor) write(ctx context.Context, operation string, attempt func(ctx context.Context) error) {
	err := p.runner.Do(ctx, replicate.Op{Describe: "mirror " + operation, Attempt: attempt})
	if err != nil {
		p.log.Error("mirror write failed", "operation", operation, "error", err)
		metrics.MirrorOpsTotal.WithLabelValues(operation, "failed").Inc()
		return
	}
	metrics.MirrorOpsTotal.WithLabelValues(operation, "ok").Inc()
}

// canonicalize rewrites the entry's backend identity and owner into the
// mirror's configured canonical values, and stamps the version id into each
// location when the entry is versioned.
func (p *Processor) canonicalize(e *queue.ObjectEntry) {
	if p.cfg.CanonicalOwnerID != "" {
		e.SetOwner(p.cfg.CanonicalOwnerID, p.cfg.CanonicalOwnerDisplay)
	}

	if p.cfg.CanonicalDataStoreName == "" && e.MD.VersionID == "" {
		return
	}
	locs := make([]queue.Location, len(e.MD.Location))
	copy(locs, e.MD.Location)
	for i := range locs {
		if p.cfg.CanonicalDataStoreName != "" {
			locs[i].DataStoreName = p.cfg.CanonicalDataStoreName
			locs[i].DataStoreType = p.cfg.CanonicalDataStoreType
		}
		if e.MD.VersionID != "" {
			locs[i].DataStoreVersionID = e.MD.VersionID
		}
	}
	e.SetLocations(locs)
}

// Ensure Processor implements the harness handler at compile time.
var _ queue.Handler = (*Processor)(nil)
