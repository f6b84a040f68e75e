package queue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/bleepstore/bleeprelay/internal/metrics"
)

// Handler processes one parsed log entry. The returned committable flag
// decides whether the partition watermark may move past this record: a false
// return pins the watermark so the record is redelivered after a restart.
// Handlers settle the entry's outcome themselves (status records, retries,
// failure publication); the harness only sequences offsets.
type Handler interface {
	Handle(ctx context.Context, rec Record, entry Entry) (committable bool)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rec Record, entry Entry) bool

func (f HandlerFunc) Handle(ctx context.Context, rec Record, entry Entry) bool {
	return f(ctx, rec, entry)
}

// Worker pulls records from the log bus and dispatches them to the handler
// with bounded concurrency. Offsets commit strictly in partition order: a
// record's offset is committed only once every earlier record on the same
// partition has settled committable.
type Worker struct {
	consumer    Consumer
	parser      *Parser
	handler     Handler
	concurrency int64
	log         *slog.Logger

	mu         sync.Mutex
	committers map[int]*committer
}

// NewWorker creates a Worker with the given concurrency bound.
func NewWorker(consumer Consumer, parser *Parser, handler Handler, concurrency int, log *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		consumer:    consumer,
		parser:      parser,
		handler:     handler,
		concurrency: int64(concurrency),
		log:         log,
		committers:  make(map[int]*committer),
	}
}

// Run consumes until ctx is canceled, then drains in-flight entries and
// returns. Fetch errors other than cancellation are returned to the caller.
func (w *Worker) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(w.concurrency)

	for {
		rec, err := w.consumer.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return err
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		w.committerFor(rec.Partition).register(rec.Offset)

		go func(rec Record) {
			defer sem.Release(1)
			w.process(ctx, rec)
		}(rec)
	}

	// Drain: wait for every in-flight entry to settle.
	drainCtx := context.Background()
	if err := sem.Acquire(drainCtx, w.concurrency); err != nil {
		return err
	}
	sem.Release(w.concurrency)
	return nil
}

// process parses and handles one record, then settles its offset.
func (w *Worker) process(ctx context.Context, rec Record) {
	entry, err := w.parser.Parse(rec)
	if err != nil {
		// Malformed entries are logged and skipped; the offset commits so
		// they are not redelivered.
		w.log.Warn("skipping malformed log entry",
			"partition", rec.Partition, "offset", rec.Offset, "error", err)
		metrics.EntriesTotal.WithLabelValues("malformed", "skipped").Inc()
		w.settle(ctx, rec, true)
		return
	}

	metrics.TasksInFlight.Inc()
	committable := w.handler.Handle(ctx, rec, entry)
	metrics.TasksInFlight.Dec()

	w.settle(ctx, rec, committable)
}

// settle records the outcome for the record's offset and commits the longest
// contiguous committable prefix of its partition.
func (w *Worker) settle(ctx context.Context, rec Record, committable bool) {
	c := w.committerFor(rec.Partition)
	commitRec, lag, ok := c.settle(rec, committable)

	metrics.CommitLag.WithLabelValues(strconv.Itoa(rec.Partition)).Set(float64(lag))

	if !ok {
		return
	}
	if err := w.consumer.Commit(ctx, commitRec); err != nil {
		// A failed commit is not fatal: offsets are redelivered after a
		// restart and replication writes are idempotent.
		w.log.Warn("failed to commit partition watermark",
			"partition", commitRec.Partition, "offset", commitRec.Offset, "error", err)
	}
}

func (w *Worker) committerFor(partition int) *committer {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.committers[partition]
	if !ok {
		c = &committer{settled: make(map[int64]settledRecord)}
		w.committers[partition] = c
	}
	return c
}

// settledRecord is one settled entry awaiting commit.
type settledRecord struct {
	rec         Record
	committable bool
}

// committer tracks the commit watermark of one partition. Offsets register
// in fetch order, which defines the commit order even when the partition has
// offset gaps (compacted topics, transactional control records); settle may
// arrive in any order. The watermark advances over the contiguous prefix of
// committable settles and pins on the first non-committable one.
type committer struct {
	mu      sync.Mutex
	order   []int64
	pinned  bool
	settled map[int64]settledRecord
}

// register notes an offset as in flight. Registration order is the commit
// order.
func (c *committer) register(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, offset)
}

// settle stores the outcome for an offset and returns the record whose
// offset should be committed, the number of settled-but-uncommitted entries,
// and whether a commit is due.
func (c *committer) settle(rec Record, committable bool) (Record, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settled[rec.Offset] = settledRecord{rec: rec, committable: committable}
	if c.pinned {
		return Record{}, len(c.settled), false
	}

	var commitRec Record
	advanced := false
	for len(c.order) > 0 {
		s, ok := c.settled[c.order[0]]
		if !ok {
			break
		}
		if !s.committable {
			c.pinned = true
			break
		}
		commitRec = s.rec
		advanced = true
		delete(c.settled, c.order[0])
		c.order = c.order[1:]
	}
	return commitRec, len(c.settled), advanced
}
