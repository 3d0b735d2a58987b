package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
	"github.com/developer-mesh/semantic-cache/pkg/resilience"
)

var errQueueFull = errors.New("tier 2 write queue is full")

type jobKind int

const (
	// jobPut stores a new or replaced entry and then enforces capacity
	jobPut jobKind = iota
	// jobTouch persists hit bookkeeping of an existing entry, never creating one
	jobTouch
	// jobDelete removes an expired entry
	jobDelete
)

func (k jobKind) String() string {
	switch k {
	case jobPut:
		return "put"
	case jobTouch:
		return "touch"
	default:
		return "delete"
	}
}

type tier2Job struct {
	kind  jobKind
	entry *CacheEntry
	id    string
}

func (j tier2Job) key() string {
	if j.entry != nil {
		return j.entry.ID
	}
	return j.id
}

// DurableTierOptions configures a DurableTier
type DurableTierOptions struct {
	Timeout         time.Duration
	MaxSize         int
	BatchEvictCount int
	Workers         int
	QueueSize       int
	Breaker         resilience.CircuitBreakerConfig
	Retry           resilience.RetryConfig
	// FailureLogLimit caps failure log lines per second; the rest are counted
	FailureLogLimit int
	// OnEvict is called with the number of entries each eviction pass removed
	OnEvict func(n int)
}

// DurableTier is the best-effort Tier 2 over a Store. Every store call runs
// under its own timeout behind a circuit breaker; failures are logged at a
// limited rate and reported to callers as "no data". Writes go through a
// bounded queue drained by a worker pool. Each worker owns a queue and jobs
// are routed by entry id, so writes to one entry apply in submission order.
type DurableTier struct {
	store   Store
	index   DocumentIndex
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	limiter *resilience.RateLimiter
	logger  observability.Logger
	metrics observability.MetricsClient
	onEvict func(n int)

	timeout    atomic.Int64
	maxSize    atomic.Int64
	batchEvict atomic.Int64

	queues  []chan tier2Job
	workers sync.WaitGroup
	sendMu  sync.RWMutex
	closed  bool

	// pending counts queued and in-flight jobs; idle is closed whenever it is 0
	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}

	evictMu   sync.Mutex
	failures  atomic.Int64
	lastCount atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// NewDurableTier starts the worker pool over store
func NewDurableTier(store Store, opts DurableTierOptions, logger observability.Logger, metrics observability.MetricsClient) *DurableTier {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.FailureLogLimit <= 0 {
		opts.FailureLogLimit = 1
	}
	// An unbounded retry budget would block Close on a dead store
	if opts.Retry.MaxRetries <= 0 && opts.Retry.MaxElapsedTime <= 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}

	idle := make(chan struct{})
	close(idle)

	t := &DurableTier{
		store:   store,
		breaker: resilience.NewCircuitBreaker("tier2", opts.Breaker, logger, metrics),
		retry:   opts.Retry,
		limiter: resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Limit:  opts.FailureLogLimit,
			Period: time.Second,
			Burst:  opts.FailureLogLimit,
		}),
		logger:  logger,
		metrics: metrics,
		onEvict: opts.OnEvict,
		queues:  make([]chan tier2Job, opts.Workers),
		idle:    idle,
	}
	if index, ok := store.(DocumentIndex); ok {
		t.index = index
	}
	t.SetTimeout(opts.Timeout)
	t.SetMaxSize(opts.MaxSize)
	t.SetBatchEvictCount(opts.BatchEvictCount)

	perQueue := (opts.QueueSize + opts.Workers - 1) / opts.Workers
	t.workers.Add(opts.Workers)
	for i := range t.queues {
		t.queues[i] = make(chan tier2Job, perQueue)
		go t.worker(t.queues[i])
	}
	return t
}

// SetTimeout changes the per-call timeout
func (t *DurableTier) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	t.timeout.Store(int64(d))
}

// SetMaxSize changes the capacity enforced after puts
func (t *DurableTier) SetMaxSize(n int) {
	if n < 1 {
		n = 1
	}
	t.maxSize.Store(int64(n))
}

// SetBatchEvictCount changes how many entries an eviction pass removes
func (t *DurableTier) SetBatchEvictCount(n int) {
	if n < 1 {
		n = 1
	}
	t.batchEvict.Store(int64(n))
}

func (t *DurableTier) callTimeout() time.Duration {
	return time.Duration(t.timeout.Load())
}

// Failures returns the number of failed store calls
func (t *DurableTier) Failures() int64 {
	return t.failures.Load()
}

// BreakerState returns the circuit breaker state name
func (t *DurableTier) BreakerState() string {
	return t.breaker.State()
}

// Get looks id up exactly, then, when semantic is set, scans all entries for
// the most similar live one at or above threshold. The returned entry already
// carries the hit's bookkeeping; persisting it is left to Touch.
func (t *DurableTier) Get(ctx context.Context, id string, embedding []float32, threshold float64, semantic bool, now time.Time) (*CacheEntry, float64, bool) {
	if t.isClosed() {
		return nil, 0, false
	}

	var best bestMatch
	entry, ok := t.getOne(ctx, id)
	if !ok {
		return nil, 0, false
	}
	if entry != nil {
		if entry.IsExpired(now) {
			t.enqueue(tier2Job{kind: jobDelete, id: entry.ID})
		} else if len(entry.QueryEmbedding) == len(embedding) {
			best = bestMatch{entry: entry, similarity: CosineSimilarity(embedding, entry.QueryEmbedding)}
		}
	}

	if best.entry == nil && semantic {
		entries, ok := t.getAll(ctx)
		if !ok {
			return nil, 0, false
		}
		for _, candidate := range entries {
			if candidate.IsExpired(now) {
				if candidate.ID != id {
					t.enqueue(tier2Job{kind: jobDelete, id: candidate.ID})
				}
				continue
			}
			if len(candidate.QueryEmbedding) != len(embedding) {
				continue
			}
			best.offer(candidate, CosineSimilarity(embedding, candidate.QueryEmbedding), threshold)
		}
	}

	if best.entry == nil {
		return nil, 0, false
	}

	hit := best.entry
	hit.Metadata.Hits++
	hit.Metadata.LastAccessed = now
	return hit, best.similarity, true
}

// Touch queues a write-back of the entry's hit bookkeeping. The store applies
// it only while the same version of the entry is still stored, so a touch
// never recreates a deleted entry or overwrites a newer one.
func (t *DurableTier) Touch(entry *CacheEntry) bool {
	return t.enqueue(tier2Job{kind: jobTouch, entry: entry.Clone()})
}

// Put queues the entry for storage. It reports false when the job was dropped.
func (t *DurableTier) Put(entry *CacheEntry) bool {
	return t.enqueue(tier2Job{kind: jobPut, entry: entry.Clone()})
}

// InvalidateDocuments removes every entry referencing any of docs and
// returns the removed ids. Queued writes are flushed first so none of them
// can bring an invalidated entry back.
func (t *DurableTier) InvalidateDocuments(ctx context.Context, docs map[string]struct{}) []string {
	if t.isClosed() || len(docs) == 0 {
		return nil
	}
	t.flushBounded(ctx)

	var ids []string
	if t.index != nil {
		docIDs := make([]string, 0, len(docs))
		for id := range docs {
			docIDs = append(docIDs, id)
		}
		sort.Strings(docIDs)
		err := t.call(ctx, "index_lookup", func(ctx context.Context) error {
			var err error
			ids, err = t.index.IDsForDocuments(ctx, docIDs)
			return err
		})
		if err != nil {
			return nil
		}
	} else {
		entries, ok := t.getAll(ctx)
		if !ok {
			return nil
		}
		for _, entry := range entries {
			if entry.ReferencesAny(docs) {
				ids = append(ids, entry.ID)
			}
		}
	}

	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if t.deleteOne(ctx, "invalidate", id) {
			removed = append(removed, id)
		}
	}
	return removed
}

// Delete removes one entry after flushing queued writes
func (t *DurableTier) Delete(ctx context.Context, id string) bool {
	if t.isClosed() {
		return false
	}
	t.flushBounded(ctx)
	return t.deleteOne(ctx, "delete", id)
}

// Clear removes every entry after flushing queued writes
func (t *DurableTier) Clear(ctx context.Context) bool {
	if t.isClosed() {
		return false
	}
	t.flushBounded(ctx)
	err := t.call(ctx, "clear", func(ctx context.Context) error {
		return t.store.Clear(ctx)
	})
	if err == nil {
		t.lastCount.Store(0)
	}
	return err == nil
}

// Count returns the stored entry count, or the last known count when the
// store cannot answer
func (t *DurableTier) Count(ctx context.Context) int {
	if t.isClosed() {
		return int(t.lastCount.Load())
	}
	count, ok := t.count(ctx)
	if !ok {
		return int(t.lastCount.Load())
	}
	return count
}

// Recent returns up to n live entries, most recently accessed first
func (t *DurableTier) Recent(ctx context.Context, n int, now time.Time) []*CacheEntry {
	if t.isClosed() || n <= 0 {
		return nil
	}
	entries, ok := t.getAll(ctx)
	if !ok {
		return nil
	}

	live := entries[:0]
	for _, entry := range entries {
		if !entry.IsExpired(now) {
			live = append(live, entry)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Metadata.LastAccessed.After(live[j].Metadata.LastAccessed)
	})
	if len(live) > n {
		live = live[:n]
	}
	return live
}

// PurgeExpired deletes every expired entry and returns how many went
func (t *DurableTier) PurgeExpired(ctx context.Context, now time.Time) int {
	if t.isClosed() {
		return 0
	}
	entries, ok := t.getAll(ctx)
	if !ok {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsExpired(now) && t.deleteOne(ctx, "purge", entry.ID) {
			removed++
		}
	}
	return removed
}

// Ping checks the store through the breaker
func (t *DurableTier) Ping(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	return t.call(ctx, "ping", func(ctx context.Context) error {
		return t.store.Ping(ctx)
	})
}

// Flush waits until every queued write has been processed or ctx is done
func (t *DurableTier) Flush(ctx context.Context) error {
	t.pendingMu.Lock()
	idle := t.idle
	t.pendingMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes, drains the queue and closes the store
func (t *DurableTier) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		t.closed = true
		for _, queue := range t.queues {
			close(queue)
		}
		t.sendMu.Unlock()

		done := make(chan struct{})
		go func() {
			t.workers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			t.logger.Warn("Tier 2 queue not drained before shutdown deadline", map[string]interface{}{
				"error": ctx.Err().Error(),
			})
			t.closeErr = ctx.Err()
			return
		}

		if err := t.store.Close(); err != nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}

func (t *DurableTier) isClosed() bool {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	return t.closed
}

func (t *DurableTier) flushBounded(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(ctx, t.callTimeout())
	defer cancel()
	if err := t.Flush(flushCtx); err != nil {
		t.logger.Debug("Tier 2 flush incomplete", map[string]interface{}{"error": err.Error()})
	}
}

func (t *DurableTier) enqueue(job tier2Job) bool {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.closed {
		return false
	}

	t.addPending()
	select {
	case t.queueFor(job.key()) <- job:
		return true
	default:
		t.donePending()
		t.metrics.IncrementCounterWithLabels("tier2_dropped_jobs_total", 1, map[string]string{"kind": job.kind.String()})
		t.recordFailure("enqueue_"+job.kind.String(), errQueueFull)
		return false
	}
}

func (t *DurableTier) queueFor(id string) chan tier2Job {
	if len(t.queues) == 1 {
		return t.queues[0]
	}
	return t.queues[xxhash.Sum64String(id)%uint64(len(t.queues))]
}

func (t *DurableTier) addPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if t.pending == 0 {
		t.idle = make(chan struct{})
	}
	t.pending++
}

func (t *DurableTier) donePending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	t.pending--
	if t.pending == 0 {
		close(t.idle)
	}
}

func (t *DurableTier) worker(jobs <-chan tier2Job) {
	defer t.workers.Done()
	for job := range jobs {
		_ = SafeExecute(t.logger, t.metrics, "tier2."+job.kind.String(), func() error {
			t.process(job)
			return nil
		})
		t.donePending()
	}
}

func (t *DurableTier) process(job tier2Job) {
	ctx := context.Background()
	switch job.kind {
	case jobPut:
		err := resilience.Retry(ctx, t.retry, func() error {
			return t.call(ctx, "put", func(ctx context.Context) error {
				return t.store.PutOne(ctx, job.entry)
			})
		})
		if err == nil {
			t.enforceCapacity(ctx)
		}
	case jobTouch:
		// A missing or replaced entry is not a failure
		_ = resilience.Retry(ctx, t.retry, func() error {
			return t.call(ctx, "touch", func(ctx context.Context) error {
				if err := t.store.Touch(ctx, job.entry); err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				return nil
			})
		})
	case jobDelete:
		t.deleteOne(ctx, "expire", job.id)
	}
}

// enforceCapacity removes the least recently accessed entries once the store
// holds more than the maximum. One pass removes BatchEvictCount entries, or
// the whole overflow when that is larger.
func (t *DurableTier) enforceCapacity(ctx context.Context) {
	t.evictMu.Lock()
	defer t.evictMu.Unlock()

	count, ok := t.count(ctx)
	if !ok {
		return
	}
	maxSize := int(t.maxSize.Load())
	if count <= maxSize {
		return
	}

	limit := int(t.batchEvict.Load())
	if overflow := count - maxSize; overflow > limit {
		limit = overflow
	}

	var ids []string
	err := t.call(ctx, "oldest", func(ctx context.Context) error {
		var err error
		ids, err = t.store.OldestByAccess(ctx, limit)
		return err
	})
	if err != nil {
		return
	}

	removed := 0
	for _, id := range ids {
		if t.deleteOne(ctx, "evict", id) {
			removed++
		}
	}
	t.lastCount.Store(int64(count - removed))

	t.logger.Debug("Tier 2 eviction pass", map[string]interface{}{
		"count":   count,
		"max":     maxSize,
		"removed": removed,
	})
	if removed > 0 && t.onEvict != nil {
		t.onEvict(removed)
	}
}

func (t *DurableTier) getOne(ctx context.Context, id string) (*CacheEntry, bool) {
	var entry *CacheEntry
	err := t.call(ctx, "get", func(ctx context.Context) error {
		found, err := t.store.GetOne(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		entry = found
		return err
	})
	return entry, err == nil
}

func (t *DurableTier) getAll(ctx context.Context) ([]*CacheEntry, bool) {
	var entries []*CacheEntry
	err := t.call(ctx, "get_all", func(ctx context.Context) error {
		var err error
		entries, err = t.store.GetAll(ctx)
		return err
	})
	return entries, err == nil
}

func (t *DurableTier) deleteOne(ctx context.Context, op, id string) bool {
	err := t.call(ctx, op, func(ctx context.Context) error {
		return t.store.DeleteOne(ctx, id)
	})
	return err == nil
}

func (t *DurableTier) count(ctx context.Context) (int, bool) {
	var count int
	err := t.call(ctx, "count", func(ctx context.Context) error {
		var err error
		count, err = t.store.Count(ctx)
		return err
	})
	if err != nil {
		return 0, false
	}
	t.lastCount.Store(int64(count))
	return count, true
}

// call runs fn under the tier timeout and the circuit breaker
func (t *DurableTier) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.callTimeout())
	defer cancel()

	start := time.Now()
	_, err := t.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	t.metrics.RecordHistogram("tier2_call_duration_seconds", time.Since(start).Seconds(), map[string]string{"operation": op})

	if err != nil {
		t.recordFailure(op, err)
	}
	return err
}

func (t *DurableTier) recordFailure(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	t.failures.Add(1)
	t.metrics.IncrementCounterWithLabels("tier2_errors_total", 1, map[string]string{"operation": op})

	if !t.limiter.Allow() {
		return
	}
	fields := map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
		"breaker":   t.breaker.State(),
	}
	if suppressed := t.limiter.TakeSuppressed(); suppressed > 0 {
		fields["suppressed"] = suppressed
	}
	t.logger.Warn("Tier 2 operation failed", fields)
}
