package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/postgres"
	pgmigrations "quiz-attempt-service/internal/infra/postgres/migrations"
	infraredis "quiz-attempt-service/internal/infra/redis"
	"quiz-attempt-service/internal/logging"
	"quiz-attempt-service/internal/outbox"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

func TestAttemptEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateDB(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	log := logging.Discard()
	store := postgres.NewStore(pool, 100)
	if err := store.PutQuestions(ctx, sampleQuestions()); err != nil {
		t.Fatalf("seed questions: %v", err)
	}

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	feed := postgres.NewChangeFeed(pool, log)
	go feed.Run(feedCtx)

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	queue := outbox.NewQueue(outbox.NewMemoryLog(), app.DeliveryHandler(store), outbox.Options{}, log, nil)
	service := app.NewAttemptService(
		store,
		infraredis.NewQuestionCache(redisClient, store, 5*time.Minute),
		feed,
		queue,
		infraredis.NewPresence(redisClient, time.Minute),
		nil,
		app.ServiceOptions{FlushTimeout: 10 * time.Second, Session: app.SessionOptions{TickInterval: time.Hour}},
		log,
	)

	t.Run("finish scores on the server", func(t *testing.T) {
		attempt, err := service.Start(ctx, "quiz-1", "u1")
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		session, err := service.Open(ctx, app.SessionParams{QuizID: "quiz-1", AttemptID: attempt.ID, UserID: "u1"})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer session.Close()

		mustSelect(t, session, "o2")
		if outcome, err := session.Next(ctx); err != nil || outcome != app.OutcomeAdvanced {
			t.Fatalf("next q1: %v %v", outcome, err)
		}
		mustSelect(t, session, "o1")
		mustSelect(t, session, "o3")
		outcome, err := session.Next(ctx)
		if err != nil || outcome != app.OutcomeFinished {
			t.Fatalf("finish: %v %v", outcome, err)
		}
		view := session.View()
		if view.Result == nil || view.Result.Score != 100 || view.Result.CorrectAnswers != 2 {
			t.Fatalf("unexpected result %+v", view.Result)
		}

		stored, err := store.LoadAttempt(ctx, attempt.ID)
		if err != nil {
			t.Fatalf("load attempt: %v", err)
		}
		if stored.Status != domain.StatusCompleted || stored.Score == nil || *stored.Score != 100 || len(stored.Answers) != 2 {
			t.Fatalf("unexpected stored attempt %+v", stored)
		}

		err = store.SaveAnswer(ctx, domain.AnswerWrite{AttemptID: attempt.ID, QuestionID: "q1", SelectedOptions: []string{"o1"}})
		if !errors.Is(err, domain.ErrAttemptCompleted) {
			t.Fatalf("expected completed error, got %v", err)
		}
		again, err := store.FinishQuiz(ctx, attempt.ID)
		if err != nil || again.XPGained != view.Result.XPGained {
			t.Fatalf("expected idempotent finish, got %+v err=%v", again, err)
		}
	})

	t.Run("store rejects unknown targets", func(t *testing.T) {
		attempt, err := store.StartAttempt(ctx, "quiz-1", "u2")
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		err = store.SaveAnswer(ctx, domain.AnswerWrite{AttemptID: attempt.ID, QuestionID: "nope"})
		if !errors.Is(err, domain.ErrQuestionNotFound) {
			t.Fatalf("expected question not found, got %v", err)
		}
		err = store.SaveAnswer(ctx, domain.AnswerWrite{AttemptID: "00000000-0000-0000-0000-000000000000", QuestionID: "q1"})
		if !errors.Is(err, domain.ErrAttemptNotFound) {
			t.Fatalf("expected attempt not found, got %v", err)
		}
		if _, err := store.StartAttempt(ctx, "quiz-missing", "u2"); !errors.Is(err, domain.ErrQuizNotFound) {
			t.Fatalf("expected quiz not found, got %v", err)
		}

		fresh, err := store.ResetAttempt(ctx, "quiz-1", "u2")
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if fresh.ID == attempt.ID || fresh.Status != domain.StatusInProgress {
			t.Fatalf("unexpected fresh attempt %+v", fresh)
		}
		if _, err := store.LoadAttempt(ctx, attempt.ID); !errors.Is(err, domain.ErrAttemptNotFound) {
			t.Fatalf("expected old attempt removed, got %v", err)
		}
	})

	t.Run("other device writes reach the session", func(t *testing.T) {
		attempt, err := service.Start(ctx, "quiz-1", "u3")
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		session, err := service.Open(ctx, app.SessionParams{QuizID: "quiz-1", AttemptID: attempt.ID, UserID: "u3"})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer session.Close()

		if err := store.SaveAnswer(ctx, domain.AnswerWrite{
			AttemptID:       attempt.ID,
			QuestionID:      "q1",
			SelectedOptions: []string{"o2"},
			IsCorrect:       true,
			TimeSpent:       4,
		}); err != nil {
			t.Fatalf("external save: %v", err)
		}

		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if rec, ok := session.View().State.Answers["q1"]; ok && rec.IsCorrect {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		t.Fatalf("external answer never reached the session")
	})
}

func mustSelect(t *testing.T, session *app.Session, optionID string) {
	t.Helper()
	if err := session.Select(optionID); err != nil {
		t.Fatalf("select %s: %v", optionID, err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateDB(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			ID:      "q1",
			QuizID:  "quiz-1",
			Order:   1,
			Prompt:  "What is 2 + 2?",
			Correct: []string{"o2"},
			Options: []domain.Option{{ID: "o1", Value: "3"}, {ID: "o2", Value: "4"}},
		},
		{
			ID:         "q2",
			QuizID:     "quiz-1",
			Order:      2,
			Prompt:     "Which are prime?",
			IsMultiple: true,
			Correct:    []string{"o1", "o3"},
			Options:    []domain.Option{{ID: "o1", Value: "2"}, {ID: "o2", Value: "4"}, {ID: "o3", Value: "7"}},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
