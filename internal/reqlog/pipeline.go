package reqlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"airelay-go/internal/constants"
	"airelay-go/internal/logging"
	"airelay-go/internal/models"
	"airelay-go/internal/monitoring"
)

// LogStore is the persistence surface of the pipeline.
type LogStore interface {
	InsertRequestLog(ctx context.Context, entry *models.RequestLog) (int64, error)
	UpdateRequestLog(ctx context.Context, id int64, fields map[string]interface{}) (int64, error)
}

type opKind int

const (
	opCreate opKind = iota
	opUpdate
)

type item struct {
	kind     opKind
	tempID   int64
	entry    *models.RequestLog
	fields   map[string]interface{}
	terminal bool
	requeues int
}

// Pipeline decouples request handling from log persistence: producers enqueue
// fire-and-forget items, a single consumer batches them into the store.
type Pipeline struct {
	store LogStore
	hub   *logging.WSHub

	nextTempID atomic.Int64
	ids        *idMap

	mu     sync.Mutex
	queue  []item
	closed bool
	notify chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewPipeline(store LogStore, hub *logging.WSHub) *Pipeline {
	return &Pipeline{
		store:  store,
		hub:    hub,
		ids:    newIDMap(constants.LogIDMapCapacity),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (p *Pipeline) Start() {
	go p.consume()
}

// Stop closes the queue and waits for the consumer to drain it.
func (p *Pipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stopCh)
	})
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		log.Warn("request log pipeline drain timed out")
	}
}

// CreateLog enqueues the initial record and returns the temp id the caller
// uses for all subsequent updates.
func (p *Pipeline) CreateLog(entry *models.RequestLog) (int64, time.Time) {
	tempID := p.nextTempID.Add(1)
	start := entry.RequestStartTime
	if start.IsZero() {
		start = time.Now()
		entry.RequestStartTime = start
	}
	p.enqueue(item{kind: opCreate, tempID: tempID, entry: entry})
	return tempID, start
}

// UpdateRetry records an attempt against an account.
func (p *Pipeline) UpdateRetry(tempLogID int64, attempt int, accountID int64) {
	p.enqueue(item{
		kind:   opUpdate,
		tempID: tempLogID,
		fields: map[string]interface{}{
			"retry_count":    attempt - 1,
			"total_attempts": attempt,
			"account_id":     accountID,
		},
	})
}

// RecordRateLimit flags the attempted account's rate limit on the log row.
func (p *Pipeline) RecordRateLimit(tempLogID int64, resetSeconds int64) {
	p.enqueue(item{
		kind:   opUpdate,
		tempID: tempLogID,
		fields: map[string]interface{}{
			"is_rate_limited":          true,
			"rate_limit_reset_seconds": resetSeconds,
		},
	})
}

// RecordSuccess finalises the log as successful. Fields carry the outcome
// columns (status, tokens, durations).
func (p *Pipeline) RecordSuccess(tempLogID int64, fields map[string]interface{}) {
	merged := map[string]interface{}{
		"is_success":       true,
		"request_end_time": time.Now(),
	}
	for k, v := range fields {
		merged[k] = v
	}
	p.enqueue(item{kind: opUpdate, tempID: tempLogID, fields: merged, terminal: true})
}

// RecordFailure finalises the log as failed.
func (p *Pipeline) RecordFailure(tempLogID int64, statusCode int, message string) {
	fields := map[string]interface{}{
		"is_success":       false,
		"error_message":    message,
		"request_end_time": time.Now(),
	}
	if statusCode > 0 {
		fields["status_code"] = statusCode
	}
	p.enqueue(item{kind: opUpdate, tempID: tempLogID, fields: fields, terminal: true})
}

func (p *Pipeline) enqueue(it item) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		log.WithField("temp_log_id", it.tempID).Warn("request log dropped, pipeline closed")
		return
	}
	p.queue = append(p.queue, it)
	depth := len(p.queue)
	p.mu.Unlock()

	monitoring.SetLogQueueDepth(depth)
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) take() []item {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.queue
	p.queue = nil
	return batch
}

func (p *Pipeline) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) consume() {
	defer close(p.doneCh)
	ticker := time.NewTicker(constants.LogFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.flush(p.take())
			// 排空重排队的更新
			for p.depth() > 0 {
				time.Sleep(constants.LogUpdateRequeueDelay)
				p.flush(p.take())
			}
			return
		case <-ticker.C:
			p.flush(p.take())
		case <-p.notify:
			if p.depth() >= constants.LogFlushBatchSize {
				p.flush(p.take())
			}
		}
	}
}

func (p *Pipeline) flush(batch []item) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, it := range batch {
		switch it.kind {
		case opCreate:
			p.applyCreate(ctx, it)
		case opUpdate:
			p.applyUpdate(ctx, it)
		}
	}
	monitoring.SetLogQueueDepth(p.depth())
}

func (p *Pipeline) applyCreate(ctx context.Context, it item) {
	realID, err := p.store.InsertRequestLog(ctx, it.entry)
	if err != nil {
		log.WithError(err).WithField("temp_log_id", it.tempID).Error("failed to insert request log")
		return
	}
	p.ids.Put(it.tempID, realID)
}

func (p *Pipeline) applyUpdate(ctx context.Context, it item) {
	realID, ok := p.ids.Get(it.tempID)
	if !ok {
		// create 可能尚未落库，稍后重试
		if it.requeues < constants.LogUpdateMaxRequeues {
			it.requeues++
			time.AfterFunc(constants.LogUpdateRequeueDelay, func() {
				p.requeue(it)
			})
			return
		}
		log.WithField("temp_log_id", it.tempID).Warn("dropping log update, no row mapping")
		return
	}

	rows, err := p.store.UpdateRequestLog(ctx, realID, it.fields)
	if err != nil {
		log.WithError(err).WithField("log_id", realID).Error("failed to update request log")
		return
	}
	if rows == 0 {
		log.WithField("log_id", realID).Warn("log update matched no row")
	}

	if it.terminal {
		p.ids.Delete(it.tempID)
		if p.hub != nil {
			fields := map[string]interface{}{"log_id": realID}
			for k, v := range it.fields {
				fields[k] = v
			}
			p.hub.Publish("request_log", fields)
		}
	}
}

// requeue puts a deferred update back on the queue, bypassing the closed
// check so shutdown still drains it.
func (p *Pipeline) requeue(it item) {
	p.mu.Lock()
	p.queue = append(p.queue, it)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
