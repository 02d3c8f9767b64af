package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/memory"
	"quiz-attempt-service/internal/logging"
)

func TestLoaderSortsQuestions(t *testing.T) {
	backend := memory.NewBackend(map[string][]domain.Question{"quiz-1": sampleQuestions()}, 0)
	loader := app.NewLoader(backend, backend, backend, logging.Discard())

	questions, err := loader.LoadQuestions(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("load questions: %v", err)
	}
	if questions[0].ID != "q1" || questions[1].ID != "q2" {
		t.Fatalf("expected order q1,q2 got %s,%s", questions[0].ID, questions[1].ID)
	}

	if _, err := loader.LoadQuestions(context.Background(), "quiz-9"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected quiz not found, got %v", err)
	}
}

func TestLoaderWatchDropsStaleSnapshots(t *testing.T) {
	source := &scriptedAttempts{}
	feed := &manualFeed{notes: make(chan struct{}, 1)}
	loader := app.NewLoader(nil, source, feed, logging.Discard())

	updates, stop, err := loader.Watch(context.Background(), "a1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	source.push(domain.Attempt{ID: "a1", Version: 3, TimeSpent: 30})
	feed.notify()
	if got := receive(t, updates); got.Version != 3 {
		t.Fatalf("expected version 3, got %d", got.Version)
	}

	// a slower read replica answers with an older row
	source.push(domain.Attempt{ID: "a1", Version: 2, TimeSpent: 20})
	feed.notify()
	source.push(domain.Attempt{ID: "a1", Version: 4, TimeSpent: 40})
	feed.notify()

	got := receive(t, updates)
	if got.Version != 4 || got.TimeSpent != 40 {
		t.Fatalf("expected version 4 after stale drop, got %+v", got)
	}
}

func TestLoaderWatchStopClosesUpdates(t *testing.T) {
	backend := memory.NewBackend(map[string][]domain.Question{"quiz-1": sampleQuestions()}, 0)
	loader := app.NewLoader(backend, backend, backend, logging.Discard())
	attempt, _ := backend.StartAttempt(context.Background(), "quiz-1", "u1")

	updates, stop, err := loader.Watch(context.Background(), attempt.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	stop()
	stop()
	for range updates {
	}
}

func TestLoaderForgetsVersionsOutsideWatch(t *testing.T) {
	source := &scriptedAttempts{}
	feed := &manualFeed{notes: make(chan struct{}, 1)}
	loader := app.NewLoader(nil, source, feed, logging.Discard())
	ctx := context.Background()

	// a plain read is not remembered
	source.push(domain.Attempt{ID: "a1", Version: 9})
	if _, err := loader.LoadAttempt(ctx, "a1"); err != nil {
		t.Fatalf("load attempt: %v", err)
	}

	updates, stop, err := loader.Watch(ctx, "a1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	source.push(domain.Attempt{ID: "a1", Version: 5})
	feed.notify()
	if got := receive(t, updates); got.Version != 5 {
		t.Fatalf("expected version 5, got %d", got.Version)
	}
	stop()

	// a new watch starts from scratch once the previous one stopped
	updates, stop, err = loader.Watch(ctx, "a1")
	if err != nil {
		t.Fatalf("watch again: %v", err)
	}
	defer stop()
	source.push(domain.Attempt{ID: "a1", Version: 2})
	feed.notify()
	if got := receive(t, updates); got.Version != 2 {
		t.Fatalf("expected version 2 on a fresh watch, got %d", got.Version)
	}
}

type scriptedAttempts struct {
	mu      sync.Mutex
	pending []domain.Attempt
}

func (s *scriptedAttempts) push(a domain.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, a)
}

func (s *scriptedAttempts) LoadAttempt(_ context.Context, attemptID string) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	a := s.pending[0]
	s.pending = s.pending[1:]
	return a, nil
}

type manualFeed struct {
	notes chan struct{}
}

func (f *manualFeed) SubscribeAttempt(context.Context, string) (<-chan struct{}, func(), error) {
	return f.notes, func() {}, nil
}

// notify blocks until the previous notification was taken.
func (f *manualFeed) notify() {
	f.notes <- struct{}{}
}

func receive(t *testing.T, updates <-chan domain.Attempt) domain.Attempt {
	t.Helper()
	select {
	case a := <-updates:
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("no attempt update")
	}
	return domain.Attempt{}
}
