package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
)

// NotifyChannel is the channel the attempts_notify trigger publishes on.
// The payload is the attempt id.
const NotifyChannel = "attempt_changes"

// ChangeFeed implements app.ChangeFeed with LISTEN/NOTIFY on one pooled
// connection, fanned out by attempt id. Run must be running for
// notifications to arrive.
type ChangeFeed struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewChangeFeed(pool *pgxpool.Pool, log logrus.FieldLogger) *ChangeFeed {
	return &ChangeFeed{
		pool: pool,
		log:  log,
		subs: make(map[string]map[chan struct{}]struct{}),
	}
}

func (f *ChangeFeed) SubscribeAttempt(_ context.Context, attemptID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	subs, ok := f.subs[attemptID]
	if !ok {
		subs = make(map[chan struct{}]struct{})
		f.subs[attemptID] = subs
	}
	subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[attemptID], ch)
			if len(f.subs[attemptID]) == 0 {
				delete(f.subs, attemptID)
			}
			close(ch)
			f.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Run listens until ctx is done, reconnecting with exponential backoff.
func (f *ChangeFeed) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for {
		connected, err := f.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		f.log.WithError(err).WithField("retry_in", wait.String()).Warn("attempt change feed disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (f *ChangeFeed) listen(ctx context.Context) (bool, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return false, err
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+NotifyChannel)
	}()

	// changes may have been missed while disconnected
	f.notifyAll()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		f.notify(n.Payload)
	}
}

func (f *ChangeFeed) notify(attemptID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[attemptID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *ChangeFeed) notifyAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, subs := range f.subs {
		for ch := range subs {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
