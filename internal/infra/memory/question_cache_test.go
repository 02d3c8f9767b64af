package memory

import (
	"context"
	"testing"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
)

func TestQuestionCacheCaches(t *testing.T) {
	source := &countingSource{QuestionSource: NewBackend(sampleQuestions(), 0)}
	cache := NewQuestionCache(source, time.Minute)

	qs, err := cache.LoadQuestions(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(qs) != 2 || source.calls != 1 {
		t.Fatalf("expected 2 questions and one load, got %d/%d", len(qs), source.calls)
	}

	if _, err := cache.LoadQuestions(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("load 2: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected cache hit, source calls %d", source.calls)
	}

	cache.Invalidate("quiz-1")
	_, _ = cache.LoadQuestions(context.Background(), "quiz-1")
	if source.calls != 2 {
		t.Fatalf("expected reload after invalidate, source calls %d", source.calls)
	}
}

func TestQuestionCacheDoesNotCacheErrors(t *testing.T) {
	source := &countingSource{QuestionSource: NewBackend(nil, 0)}
	cache := NewQuestionCache(source, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cache.LoadQuestions(context.Background(), "quiz-x"); err != domain.ErrQuizNotFound {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if source.calls != 2 {
		t.Fatalf("expected misses to reach the source, got %d", source.calls)
	}
}

type countingSource struct {
	app.QuestionSource
	calls int
}

func (s *countingSource) LoadQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	s.calls++
	return s.QuestionSource.LoadQuestions(ctx, quizID)
}
