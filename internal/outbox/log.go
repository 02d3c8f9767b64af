package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Kind names the backend write an entry stands for.
type Kind string

const (
	KindSaveAnswer     Kind = "save_answer"
	KindUpdateProgress Kind = "update_progress"
)

// Entry is one pending backend write.
type Entry struct {
	ID        int64
	AttemptID string
	Kind      Kind
	Payload   []byte
	CreatedAt time.Time
	Attempts  int
}

// Log stores pending writes in append order.
type Log interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	// Pending returns up to limit entries ordered by ID. An empty attemptID
	// matches every attempt.
	Pending(ctx context.Context, attemptID string, limit int) ([]Entry, error)
	Delete(ctx context.Context, id int64) error
	MarkAttempt(ctx context.Context, id int64) error
	// Attempts lists the attempts with pending entries, oldest head first.
	Attempts(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
}

// MemoryLog is a non-durable Log, useful for tests and single-process demos.
type MemoryLog struct {
	mu      sync.Mutex
	next    int64
	entries map[int64]Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[int64]Entry)}
}

func (l *MemoryLog) Append(_ context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	e.ID = l.next
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Payload = append([]byte(nil), e.Payload...)
	l.entries[e.ID] = e
	return e, nil
}

func (l *MemoryLog) Pending(_ context.Context, attemptID string, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if attemptID != "" && e.AttemptID != attemptID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLog) Delete(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
	return nil
}

func (l *MemoryLog) MarkAttempt(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		e.Attempts++
		l.entries[id] = e
	}
	return nil
}

func (l *MemoryLog) Attempts(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	heads := make(map[string]int64)
	for _, e := range l.entries {
		if head, ok := heads[e.AttemptID]; !ok || e.ID < head {
			heads[e.AttemptID] = e.ID
		}
	}
	out := make([]string, 0, len(heads))
	for id := range heads {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return heads[out[i]] < heads[out[j]] })
	return out, nil
}

func (l *MemoryLog) Count(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries), nil
}
