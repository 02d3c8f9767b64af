package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Handler performs the backend write of an entry. Returning an error wrapped
// with backoff.Permanent drops the entry instead of retrying it.
type Handler func(ctx context.Context, e Entry) error

// Recorder receives delivery counters. metrics.Metrics implements it.
type Recorder interface {
	Enqueued(kind string)
	Delivered(kind string)
	Failed(kind string)
	Dropped(kind string)
	Pending(n int)
}

// Options tunes retry behaviour.
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the retries of one entry within a pass. Zero retries forever.
	MaxElapsed time.Duration
	// Poll is how often Run re-scans the log without a wake-up.
	Poll      time.Duration
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	return o
}

// Queue delivers pending writes with exponential backoff. Entries of one
// attempt land in append order; attempts are delivered independently so a
// failing attempt never holds back another.
type Queue struct {
	log     Log
	handler Handler
	opts    Options
	logger  logrus.FieldLogger
	rec     Recorder
	wake    chan struct{}
	locks   *attemptLocks

	mu      sync.Mutex
	active  map[string]bool
	cooling map[string]time.Time
}

func NewQueue(log Log, handler Handler, opts Options, logger logrus.FieldLogger, rec Recorder) *Queue {
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Queue{
		log:     log,
		handler: handler,
		opts:    opts.withDefaults(),
		logger:  logger,
		rec:     rec,
		wake:    make(chan struct{}, 1),
		locks:   newAttemptLocks(),
		active:  make(map[string]bool),
		cooling: make(map[string]time.Time),
	}
}

// Enqueue durably appends a write and wakes the worker.
func (q *Queue) Enqueue(ctx context.Context, attemptID string, kind Kind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if _, err := q.log.Append(ctx, Entry{AttemptID: attemptID, Kind: kind, Payload: data, CreatedAt: time.Now()}); err != nil {
		return fmt.Errorf("append %s entry: %w", kind, err)
	}
	q.rec.Enqueued(string(kind))
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run starts one delivery worker per attempt with pending entries, until ctx
// is done. A worker whose attempt keeps failing gives up after MaxElapsed and
// is restarted on the next poll.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.Poll)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		attempts, err := q.log.Attempts(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.WithError(err).Warn("list pending attempts")
		} else {
			q.pruneCooling(attempts)
		}
		for _, attemptID := range attempts {
			if !q.markActive(attemptID) {
				continue
			}
			wg.Add(1)
			go func(attemptID string) {
				defer wg.Done()
				err := q.drain(ctx, attemptID)
				q.clearActive(attemptID, err != nil)
				if err != nil {
					if ctx.Err() == nil {
						q.logger.WithError(err).WithField("attempt_id", attemptID).Warn("outbox pass failed")
					}
					return
				}
				// entries appended while the worker was finishing
				q.signal()
			}(attemptID)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) markActive(attemptID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[attemptID] {
		return false
	}
	if until, ok := q.cooling[attemptID]; ok && time.Now().Before(until) {
		return false
	}
	q.active[attemptID] = true
	return true
}

// pruneCooling forgets attempts that no longer have pending entries.
func (q *Queue) pruneCooling(pending []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.cooling) == 0 {
		return
	}
	keep := make(map[string]bool, len(pending))
	for _, id := range pending {
		keep[id] = true
	}
	for id := range q.cooling {
		if !keep[id] {
			delete(q.cooling, id)
		}
	}
}

// clearActive ends a worker. A failed attempt rests until the next poll.
func (q *Queue) clearActive(attemptID string, failed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, attemptID)
	if failed {
		q.cooling[attemptID] = time.Now().Add(q.opts.Poll)
	} else {
		delete(q.cooling, attemptID)
	}
}

// Flush synchronously delivers every pending entry of an attempt. It waits
// for a running delivery of the same attempt no longer than ctx allows.
func (q *Queue) Flush(ctx context.Context, attemptID string) error {
	return q.drain(ctx, attemptID)
}

// drain delivers one attempt's entries in order while holding its lock. It
// stops at the first entry that cannot be delivered.
func (q *Queue) drain(ctx context.Context, attemptID string) error {
	release, err := q.locks.acquire(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("wait for attempt %s delivery: %w", attemptID, err)
	}
	defer release()
	defer q.reportPending(ctx)

	for {
		entries, err := q.log.Pending(ctx, attemptID, q.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list pending entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if err := q.deliver(ctx, e); err != nil {
				return err
			}
		}
	}
}

func (q *Queue) deliver(ctx context.Context, e Entry) error {
	log := q.logger.WithFields(logrus.Fields{
		"attempt_id": e.AttemptID,
		"kind":       e.Kind,
		"entry_id":   e.ID,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.InitialInterval
	b.MaxInterval = q.opts.MaxInterval
	b.MaxElapsedTime = q.opts.MaxElapsed

	permanent := false
	op := func() error {
		err := q.handler(ctx, e)
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			return err
		}
		q.rec.Failed(string(e.Kind))
		if markErr := q.log.MarkAttempt(ctx, e.ID); markErr != nil {
			log.WithError(markErr).Warn("record delivery attempt")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warn("transient write failure")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	switch {
	case err == nil:
		q.rec.Delivered(string(e.Kind))
	case permanent:
		log.WithError(err).Error("dropping undeliverable write")
		q.rec.Dropped(string(e.Kind))
	default:
		return fmt.Errorf("deliver %s entry %d: %w", e.Kind, e.ID, err)
	}
	if err := q.log.Delete(ctx, e.ID); err != nil {
		return fmt.Errorf("delete entry %d: %w", e.ID, err)
	}
	return nil
}

func (q *Queue) reportPending(ctx context.Context) {
	if n, err := q.log.Count(ctx); err == nil {
		q.rec.Pending(n)
	}
}

// attemptLocks hands out one semaphore per attempt. Entries are removed once
// nobody holds or waits for them.
type attemptLocks struct {
	mu    sync.Mutex
	locks map[string]*attemptLock
}

type attemptLock struct {
	sem  chan struct{}
	refs int
}

func newAttemptLocks() *attemptLocks {
	return &attemptLocks{locks: make(map[string]*attemptLock)}
}

func (a *attemptLocks) acquire(ctx context.Context, attemptID string) (func(), error) {
	a.mu.Lock()
	l, ok := a.locks[attemptID]
	if !ok {
		l = &attemptLock{sem: make(chan struct{}, 1)}
		a.locks[attemptID] = l
	}
	l.refs++
	a.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			a.unref(attemptID, l)
		}, nil
	case <-ctx.Done():
		a.unref(attemptID, l)
		return nil, ctx.Err()
	}
}

func (a *attemptLocks) unref(attemptID string, l *attemptLock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, attemptID)
	}
}

type nopRecorder struct{}

func (nopRecorder) Enqueued(string)  {}
func (nopRecorder) Delivered(string) {}
func (nopRecorder) Failed(string)    {}
func (nopRecorder) Dropped(string)   {}
func (nopRecorder) Pending(int)      {}
