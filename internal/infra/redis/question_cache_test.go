package redis

import (
	"context"
	"testing"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/memory"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestQuestionCacheCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := newClient(mr)

	source := &countingSource{
		QuestionSource: memory.NewBackend(map[string][]domain.Question{"quiz-1": sampleQuestions()}, 0),
	}
	cache := NewQuestionCache(client, source, time.Minute)

	qs, err := cache.LoadQuestions(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("load questions: %v", err)
	}
	if len(qs) != 1 || source.calls != 1 {
		t.Fatalf("expected source called once, got %d (questions %d)", source.calls, len(qs))
	}
	if !mr.Exists("quiz:quiz-1:questions") {
		t.Fatalf("expected redis key to be set")
	}

	// Second call should hit cache, source not incremented.
	qs, _ = cache.LoadQuestions(context.Background(), "quiz-1")
	if source.calls != 1 {
		t.Fatalf("expected cache hit, source calls=%d", source.calls)
	}
	if len(qs[0].Correct) != 1 || qs[0].Correct[0] != "o2" || len(qs[0].Options) != 2 {
		t.Fatalf("cached question lost fields: %+v", qs[0])
	}

	if err := cache.Invalidate(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if mr.Exists("quiz:quiz-1:questions") {
		t.Fatalf("expected redis key to be removed")
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

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			ID:      "q1",
			QuizID:  "quiz-1",
			Order:   1,
			Prompt:  "What is 2 + 2?",
			Correct: []string{"o2"},
			Options: []domain.Option{
				{ID: "o1", Value: "3"},
				{ID: "o2", Value: "4"},
			},
		},
	}
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}
