package replicate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/bleeprelay/internal/dest"
	relayerr "github.com/bleepstore/bleeprelay/internal/errors"
	"github.com/bleepstore/bleeprelay/internal/metrics"
	"github.com/bleepstore/bleeprelay/internal/queue"
	"github.com/bleepstore/bleeprelay/internal/source"
)

// Engine runs replication tasks. One Engine serves a worker; each entry is
// processed by exactly one task, which owns its upload session and walks a
// linear state machine: fetch policy, fetch source metadata, classify
// content, replicate, publish outcome.
type Engine struct {
	source          *source.Gateway
	backends        map[string]dest.Backend
	runner          *Runner
	pub             *Publisher
	partConcurrency int
	log             *slog.Logger
}

// NewEngine creates an Engine over the configured destination backends,
// keyed by site name.
func NewEngine(src *source.Gateway, backends map[string]dest.Backend, runner *Runner, pub *Publisher, partConcurrency int, log *slog.Logger) *Engine {
	if partConcurrency <= 0 {
		partConcurrency = 10
	}
	return &Engine{
		source:          src,
		backends:        backends,
		runner:          runner,
		pub:             pub,
		partConcurrency: partConcurrency,
		log:             log,
	}
}

// Handle implements queue.Handler. Non-object variants belong to the mirror
// processor and commit immediately.
func (eng *Engine) Handle(ctx context.Context, rec queue.Record, entry queue.Entry) bool {
	switch e := entry.(type) {
	case *queue.ObjectEntry:
		return eng.processObject(ctx, e)
	default:
		return true
	}
}

// processObject runs the task for every pending destination site of the
// entry and publishes the updated entry when any site status changed. The
// offset may advance only after publication is enqueued.
func (eng *Engine) processObject(ctx context.Context, e *queue.ObjectEntry) bool {
	needPublish := false

	for _, b := range e.MD.Replication.Backends {
		backend, ok := eng.backends[b.Site]
		if !ok {
			eng.log.Debug("no backend configured for site, skipping",
				"site", b.Site, "bucket", e.Bucket, "key", e.Key)
			continue
		}
		if b.Status == queue.StatusCompleted && !e.HasContent(queue.ContentData) {
			continue
		}

		start := time.Now()
		err := eng.replicateSite(ctx, e, backend)
		metrics.TaskDuration.WithLabelValues(backend.Site()).Observe(time.Since(start).Seconds())

		if eng.settleSite(e, backend.Site(), err) {
			needPublish = true
		}
	}

	if !needPublish {
		metrics.EntriesTotal.WithLabelValues("object", "skipped").Inc()
		return true
	}

	key := queue.VersionedKey(e.Key, e.MD.VersionID)
	if err := eng.pub.PublishStatus(e, key); err != nil {
		// Without the status record downstream the offset must not advance
		// past this entry; the harness pins the partition watermark.
		eng.log.Error("failed to publish entry status",
			"bucket", e.Bucket, "key", e.Key, "error", err)
		return false
	}
	return true
}

// settleSite applies the outcome of one site's replication to the entry.
// Returns whether the site status changed and a publication is due.
func (eng *Engine) settleSite(e *queue.ObjectEntry, site string, err error) bool {
	if err == nil {
		e.SetSiteStatus(site, queue.StatusCompleted)
		metrics.EntriesTotal.WithLabelValues("object", "completed").Inc()
		return true
	}

	switch relayerr.CodeOf(err) {
	case "NoSuchEntity", "AccessDenied", "BadRole":
		eng.log.Warn("replication policy rejected entry, skipping",
			"site", site, "bucket", e.Bucket, "key", e.Key, "error", err)
		metrics.EntriesTotal.WithLabelValues("object", "skipped").Inc()
		return false
	case "ObjNotFound":
		eng.log.Info("source object gone, skipping",
			"site", site, "bucket", e.Bucket, "key", e.Key)
		metrics.EntriesTotal.WithLabelValues("object", "skipped").Inc()
		return false
	case "InvalidObjectState", "PreconditionFailed":
		eng.log.Info("entry no longer applicable, skipping",
			"site", site, "bucket", e.Bucket, "key", e.Key, "error", err)
		metrics.EntriesTotal.WithLabelValues("object", "skipped").Inc()
		return false
	}

	// PermanentTarget, exhausted Transient, InternalError.
	eng.log.Error("replication failed",
		"site", site, "bucket", e.Bucket, "key", e.Key, "error", err)
	e.SetSiteStatus(site, queue.StatusFailed)
	metrics.EntriesTotal.WithLabelValues("object", "failed").Inc()
	eng.pub.ReportFailed(site, e.Bucket, e.Key, e.MD.VersionID, e.MD.ContentLength)
	return true
}

// replicateSite walks the state machine for one destination site.
func (eng *Engine) replicateSite(ctx context.Context, e *queue.ObjectEntry, backend dest.Backend) error {
	site := backend.Site()

	// S1: the bucket's replication policy must still allow this entry.
	if err := eng.checkPolicy(ctx, e); err != nil {
		return err
	}

	// S2: revalidate against the source. Delete markers tolerate a missing
	// source object (non-versioned objects leave nothing behind).
	srcMD, err := eng.fetchSourceMD(ctx, e)
	if err != nil {
		return err
	}

	// S3: classify.
	switch {
	case e.MD.IsDeleteMarker:
		return eng.putDeleteMarker(ctx, e, backend)
	case e.SiteStatus(site) == queue.StatusCompleted && e.HasContent(queue.ContentData):
		return relayerr.ErrInvalidObjectState
	case e.HasContent(queue.ContentMPU):
		return eng.replicateMPU(ctx, e, backend, srcMD)
	case e.HasContent(queue.ContentPutTagging):
		return eng.putTagging(ctx, e, backend)
	case e.HasContent(queue.ContentDeleteTagging):
		return eng.deleteTagging(ctx, e, backend)
	default:
		return eng.replicateData(ctx, e, backend)
	}
}

// checkPolicy fetches the bucket replication policy and verifies an enabled
// rule covers the entry's key.
func (eng *Engine) checkPolicy(ctx context.Context, e *queue.ObjectEntry) error {
	var policy *source.ReplicationPolicy
	err := eng.do(ctx, "getBucketReplication", nil, func(ctx context.Context) error {
		var attemptErr error
		policy, attemptErr = eng.source.GetBucketReplication(ctx, e.Bucket)
		return attemptErr
	})
	if err != nil {
		return err
	}

	for _, rule := range policy.Rules {
		if rule.Enabled && strings.HasPrefix(e.Key, rule.Prefix) {
			return nil
		}
	}
	return relayerr.ErrPreconditionFailed
}

// fetchSourceMD revalidates the object against the source. A nil return
// with nil error means the source object is gone but the entry is a delete
// marker and may proceed.
func (eng *Engine) fetchSourceMD(ctx context.Context, e *queue.ObjectEntry) (*source.ObjectMetadata, error) {
	var md *source.ObjectMetadata
	err := eng.do(ctx, "headObject", nil, func(ctx context.Context) error {
		var attemptErr error
		md, attemptErr = eng.source.HeadObject(ctx, e.Bucket, e.Key, e.MD.VersionID)
		return attemptErr
	})
	if err == nil {
		return md, nil
	}

	if relayerr.CodeOf(err) == "ObjNotFound" {
		if e.MD.IsDeleteMarker {
			return nil, nil
		}
		if e.MD.Replication.IsNFS {
			return nil, relayerr.ErrInvalidObjectState.Wrap(err)
		}
		return nil, err
	}
	return nil, err
}

// putDeleteMarker propagates a delete marker to the destination.
func (eng *Engine) putDeleteMarker(ctx context.Context, e *queue.ObjectEntry, backend dest.Backend) error {
	return eng.do(ctx, "deleteObject", backend, func(ctx context.Context) error {
		return backend.DeleteObject(ctx, e.Bucket, e.Key)
	})
}

// putTagging replaces the destination tag set, carrying the per-site
// destination version id.
func (eng *Engine) putTagging(ctx context.Context, e *queue.ObjectEntry, backend dest.Backend) error {
	site := backend.Site()
	versionID := e.SiteDataStoreVersionID(site)

	var newVersion string
	err := eng.do(ctx, "putObjectTagging", backend, func(ctx context.Context) error {
		var attemptErr error
		newVersion, attemptErr = backend.PutObjectTagging(ctx, e.Bucket, e.Key, versionID, e.MD.Tags)
		return attemptErr
	})
	if err != nil {
		return err
	}
	e.SetSiteDataStoreVersionID(site, newVersion)
	return nil
}

// deleteTagging removes the destination tag set.
func (eng *Engine) deleteTagging(ctx context.Context, e *queue.ObjectEntry, backend dest.Backend) error {
	site := backend.Site()
	versionID := e.SiteDataStoreVersionID(site)

	var newVersion string
	err := eng.do(ctx, "deleteObjectTagging", backend, func(ctx context.Context) error {
		var attemptErr error
		newVersion, attemptErr = backend.DeleteObjectTagging(ctx, e.Bucket, e.Key, versionID)
		return attemptErr
	})
	if err != nil {
		return err
	}
	e.SetSiteDataStoreVersionID(site, newVersion)
	return nil
}

// replicateMPU replicates one object via multipart upload: init, ranged
// parts at bounded concurrency, complete. Any non-retryable part failure
// aborts the upload.
func (eng *Engine) replicateMPU(ctx context.Context, e *queue.ObjectEntry, backend dest.Backend, srcMD *source.ObjectMetadata) error {
	site := backend.Site()
	family := backend.Family()

	// NFS sources may mutate under us: verify the recorded state still
	// matches before moving any bytes.
	if e.MD.Replication.IsNFS {
		if err := checkNFSState(e, srcMD); err != nil {
			return err
		}
	}

	meta := putMetadata(e)
	var uploadID string
	err := eng.do(ctx, "initiateMPU", backend, func(ctx context.Context) error {
		var attemptErr error
		uploadID, attemptErr = backend.InitiateMPU(ctx, e.Bucket, e.Key, meta)
		return attemptErr
	})
	if err != nil {
		return err
	}

	eng.pub.ReportQueued(site, e.Bucket, e.Key, e.MD.VersionID, e.MD.ContentLength)

	ranges := Plan(e.MD.ContentLength, family)
	parts := make([]dest.Part, len(ranges))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(eng.partConcurrency)
	for i, rng := range ranges {
		partNumber := i + 1
		g.Go(func() error {
			part, partErr := eng.uploadPart(gctx, e, backend, uploadID, partNumber, rng)
			if partErr != nil {
				return partErr
			}
			parts[partNumber-1] = part

			metrics.PartSize.WithLabelValues(family).Observe(float64(rng.Size()))
			eng.pub.ReportCompleted(site, e.Bucket, e.Key, e.MD.VersionID, rng.Size())

			// NFS re-check after every part: a mid-transfer mutation
			// invalidates everything uploaded so far. The head goes through
			// the retry runner like every other gateway call; only a missing
			// source object counts as mutated state.
			if e.MD.Replication.IsNFS {
				var current *source.ObjectMetadata
				headErr := eng.do(gctx, "headObject", nil, func(ctx context.Context) error {
					var attemptErr error
					current, attemptErr = eng.source.HeadObject(ctx, e.Bucket, e.Key, e.MD.VersionID)
					return attemptErr
				})
				if headErr != nil {
					if relayerr.CodeOf(headErr) == "ObjNotFound" {
						return relayerr.ErrInvalidObjectState.Wrap(headErr)
					}
					return headErr
				}
				if checkErr := checkNFSState(e, current); checkErr != nil {
					return checkErr
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		eng.abortMPU(ctx, e, backend, uploadID)
		return err
	}

	var versionID string
	err = eng.do(ctx, "completeMPU", backend, func(ctx context.Context) error {
		var attemptErr error
		versionID, attemptErr = backend.CompleteMPU(ctx, e.Bucket, e.Key, uploadID, parts)
		return attemptErr
	})
	if err != nil {
		eng.abortMPU(ctx, e, backend, uploadID)
		return err
	}

	e.SetSiteDataStoreVersionID(site, versionID)
	return nil
}

// uploadPart streams one ranged read from the source into one destination
// part, retrying the pair as a unit so a torn stream restarts cleanly.
func (eng *Engine) uploadPart(ctx context.Context, e *queue.ObjectEntry, backend dest.Backend, uploadID string, partNumber int, rng *Range) (dest.Part, error) {
	var part dest.Part
	err := eng.do(ctx, fmt.Sprintf("putMPUPart %d", partNumber), backend, func(ctx context.Context) error {
		body, _, getErr := eng.source.GetObject(ctx, e.Bucket, e.Key, e.MD.VersionID, srcRange(rng))
		if getErr != nil {
			return getErr
		}
		defer body.Close()

		var attemptErr error
		part, attemptErr = backend.PutMPUPart(ctx, e.Bucket, e.Key, uploadID, partNumber, body, rng.Size())
		return attemptErr
	})
	return part, err
}

// abortMPU releases a failed upload session. Best effort, itself retried.
func (eng *Engine) abortMPU(ctx context.Context, e *queue.ObjectEntry, backend dest.Backend, uploadID string) {
	// The task's context may already be cancelled; abort still must run.
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := eng.do(abortCtx, "abortMPU", backend, func(ctx context.Context) error {
		return backend.AbortMPU(ctx, e.Bucket, e.Key, uploadID)
	})
	if err != nil {
		eng.log.Warn("failed to abort multipart upload",
			"bucket", e.Bucket, "key", e.Key, "upload_id", uploadID, "error", err)
	}
}

// replicateData replicates an object whose bytes already live on a backend
// the destination can address: the location list is coalesced and each
// reduced part is streamed through a single put.
func (eng *Engine) replicateData(ctx context.Context, e *queue.ObjectEntry, backend dest.Backend) error {
	site := backend.Site()

	// Metadata-only mutation: one put with no body so the destination
	// refreshes its metadata record.
	if len(e.MD.Location) == 0 {
		eng.pub.ReportQueued(site, e.Bucket, e.Key, e.MD.VersionID, e.MD.ContentLength)

		var versionID string
		err := eng.do(ctx, "putObject", backend, func(ctx context.Context) error {
			var attemptErr error
			versionID, attemptErr = backend.PutObject(ctx, e.Bucket, e.Key, nil, e.MD.ContentLength, putMetadata(e))
			return attemptErr
		})
		if err != nil {
			return err
		}
		e.SetSiteDataStoreVersionID(site, versionID)
		eng.pub.ReportCompleted(site, e.Bucket, e.Key, e.MD.VersionID, e.MD.ContentLength)
		return nil
	}

	// Every part must carry a dataStoreETag before any I/O is issued.
	for _, loc := range e.MD.Location {
		if loc.DataStoreETag == "" {
			return relayerr.ErrInternal.Wrap(
				fmt.Errorf("part %d of %s/%s has no dataStoreETag", loc.PartNumber, e.Bucket, e.Key))
		}
	}

	reduced := reduceLocations(e.MD.Location)
	eng.pub.ReportQueued(site, e.Bucket, e.Key, e.MD.VersionID, e.MD.ContentLength)

	versions := make([]string, len(reduced))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(eng.partConcurrency)
	for i, part := range reduced {
		g.Go(func() error {
			var versionID string
			err := eng.do(gctx, fmt.Sprintf("putObject part %d", i+1), backend, func(ctx context.Context) error {
				rng := &Range{Start: part.start, End: part.start + part.size - 1}
				body, _, getErr := eng.source.GetObject(ctx, e.Bucket, e.Key, e.MD.VersionID, srcRange(rng))
				if getErr != nil {
					return getErr
				}
				defer body.Close()

				var attemptErr error
				versionID, attemptErr = backend.PutObject(ctx, e.Bucket, e.Key, body, part.size, putMetadata(e))
				return attemptErr
			})
			if err != nil {
				return err
			}
			versions[i] = versionID
			eng.pub.ReportCompleted(site, e.Bucket, e.Key, e.MD.VersionID, part.size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.SetSiteDataStoreVersionID(site, versions[len(versions)-1])
	return nil
}

// do wraps one gateway interaction in the retry runner. On a retryable
// target-origin error the destination advances to its next endpoint and
// rebinds its client before the re-attempt.
func (eng *Engine) do(ctx context.Context, describe string, backend dest.Backend, attempt func(ctx context.Context) error) error {
	return eng.runner.Do(ctx, Op{
		Describe: describe,
		Attempt:  attempt,
		OnRetry: func(err error) {
			origin := relayerr.OriginOf(err)
			metrics.RetriesTotal.WithLabelValues(string(origin)).Inc()
			if backend != nil && origin == relayerr.OriginTarget {
				backend.Failover()
			}
		},
	})
}

// putMetadata maps the entry's object metadata onto the destination put
// surface.
func putMetadata(e *queue.ObjectEntry) *dest.PutMetadata {
	return &dest.PutMetadata{
		ContentType:        e.MD.ContentType,
		CacheControl:       e.MD.CacheControl,
		ContentDisposition: e.MD.ContentDisposition,
		ContentEncoding:    e.MD.ContentEncoding,
		UserMetadata:       e.MD.UserMetadata,
	}
}

// checkNFSState compares the live source state against the entry's recorded
// state. A mismatch means the filesystem mutated under us.
func checkNFSState(e *queue.ObjectEntry, md *source.ObjectMetadata) error {
	if md == nil {
		return relayerr.ErrInvalidObjectState
	}
	if md.ContentMD5 != e.MD.ContentMD5 || md.ContentLength != e.MD.ContentLength {
		return relayerr.ErrInvalidObjectState.Wrap(
			fmt.Errorf("source %s/%s changed: md5 %s -> %s", e.Bucket, e.Key, e.MD.ContentMD5, md.ContentMD5))
	}
	return nil
}

// srcRange converts a planner range into a source byte range.
func srcRange(r *Range) *source.ByteRange {
	if r == nil {
		return nil
	}
	return &source.ByteRange{Start: r.Start, End: r.End}
}

// reducedLocation is one coalesced run of adjacent parts sharing a backend
// identity.
type reducedLocation struct {
	start int64
	size  int64
}

// reduceLocations coalesces adjacent parts that share a backend identity so
// each run becomes a single destination write. The backend identity is the
// dataStoreName plus the etag portion of dataStoreETag (the part of the
// value after the subpart prefix).
func reduceLocations(locs []queue.Location) []reducedLocation {
	var out []reducedLocation
	var offset int64
	for i, loc := range locs {
		if i > 0 && locationIdentity(loc) == locationIdentity(locs[i-1]) {
			out[len(out)-1].size += loc.PartSize
		} else {
			out = append(out, reducedLocation{start: offset, size: loc.PartSize})
		}
		offset += loc.PartSize
	}
	return out
}

// locationIdentity extracts the backend identity of a location entry.
func locationIdentity(loc queue.Location) string {
	etag := loc.DataStoreETag
	if idx := strings.IndexByte(etag, ':'); idx >= 0 {
		etag = etag[idx+1:]
	}
	return loc.DataStoreName + "/" + etag
}

// Ensure Engine implements the harness handler at compile time.
var _ queue.Handler = (*Engine)(nil)
