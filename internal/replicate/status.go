package replicate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bleepstore/bleeprelay/internal/metrics"
	"github.com/bleepstore/bleeprelay/internal/queue"
)

// publishTimeout bounds each best-effort publication. Publications do not
// inherit task cancellation: a cancelled task still reports its outcome.
const publishTimeout = 30 * time.Second

// MetricsRecord is one throughput event on the metrics topic.
type MetricsRecord struct {
	Timestamp  int64  `json:"timestamp"`
	Ops        int64  `json:"ops"`
	Bytes      int64  `json:"bytes"`
	Extension  string `json:"extension"`
	Type       string `json:"type"`
	Site       string `json:"site"`
	BucketName string `json:"bucketName,omitempty"`
	ObjectKey  string `json:"objectKey,omitempty"`
	VersionID  string `json:"versionId,omitempty"`
}

// Publisher writes site status updates and throughput events back onto the
// log bus. All writes are best-effort: a publication failure is logged, it
// never fails the task that produced the outcome.
type Publisher struct {
	producer     queue.Producer
	statusTopic  string
	metricsTopic string
	extension    string
	sink         *metrics.CounterSink
	log          *slog.Logger
}

// NewPublisher creates a Publisher. sink may be nil when no Redis counter
// mirror is configured.
func NewPublisher(producer queue.Producer, statusTopic, metricsTopic, extension string, sink *metrics.CounterSink, log *slog.Logger) *Publisher {
	return &Publisher{
		producer:     producer,
		statusTopic:  statusTopic,
		metricsTopic: metricsTopic,
		extension:    extension,
		sink:         sink,
		log:          log,
	}
}

// PublishStatus writes the entry, carrying its updated replication info,
// onto the status topic. Returns an error so the harness can decide whether
// the offset may advance.
func (p *Publisher) PublishStatus(entry queue.Entry, key string) error {
	value, err := queue.Serialize(entry)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return p.producer.Publish(ctx, p.statusTopic, []byte(key), value)
}

// ReportQueued emits a queued event: an MPU was initiated or a ranged data
// transfer started.
func (p *Publisher) ReportQueued(site, bucket, key, versionID string, bytes int64) {
	p.emit(MetricsRecord{
		Ops:        1,
		Bytes:      bytes,
		Type:       "queued",
		Site:       site,
		BucketName: bucket,
		ObjectKey:  key,
		VersionID:  versionID,
	})
}

// ReportCompleted emits a completed event for one finished part or
// single-object put.
func (p *Publisher) ReportCompleted(site, bucket, key, versionID string, bytes int64) {
	metrics.ReplicationBytesTotal.WithLabelValues(site).Add(float64(bytes))
	metrics.ReplicationOpsTotal.WithLabelValues(site, "completed").Inc()
	if p.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		p.sink.RecordCompletion(ctx, site, bytes)
		cancel()
	}
	p.emit(MetricsRecord{
		Ops:        1,
		Bytes:      bytes,
		Type:       "completed",
		Site:       site,
		BucketName: bucket,
		ObjectKey:  key,
		VersionID:  versionID,
	})
}

// ReportFailed emits a failed event for a terminally failed entry.
func (p *Publisher) ReportFailed(site, bucket, key, versionID string, bytes int64) {
	metrics.ReplicationOpsTotal.WithLabelValues(site, "failed").Inc()
	if p.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		p.sink.RecordFailure(ctx, site)
		cancel()
	}
	p.emit(MetricsRecord{
		Ops:        1,
		Bytes:      bytes,
		Type:       "failed",
		Site:       site,
		BucketName: bucket,
		ObjectKey:  key,
		VersionID:  versionID,
	})
}

// emit serializes and publishes one metrics record.
func (p *Publisher) emit(rec MetricsRecord) {
	rec.Timestamp = time.Now().UnixMilli()
	rec.Extension = p.extension

	value, err := json.Marshal(rec)
	if err != nil {
		p.log.Warn("failed to serialize metrics record", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.producer.Publish(ctx, p.metricsTopic, []byte(rec.Site), value); err != nil {
		p.log.Warn("failed to publish metrics record",
			"type", rec.Type, "site", rec.Site, "error", err)
	}
}
