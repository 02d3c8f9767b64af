package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/config"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/memory"
	"quiz-attempt-service/internal/infra/postgres"
	redisinfra "quiz-attempt-service/internal/infra/redis"
	"quiz-attempt-service/internal/infra/sqlite"
	"quiz-attempt-service/internal/logging"
	"quiz-attempt-service/internal/metrics"
	"quiz-attempt-service/internal/outbox"
	transport "quiz-attempt-service/internal/transport/http"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serviceName = "quiz-attempt-service"

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the attempt server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(serviceName, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	group, gctx := errgroup.WithContext(ctx)

	var (
		store app.Store
		feed  app.ChangeFeed
	)
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = postgres.NewStore(pool, cfg.Attempt.BaseXP)
		changes := postgres.NewChangeFeed(pool, log.WithField("component", "change_feed"))
		group.Go(func() error { return changes.Run(gctx) })
		feed = changes
	} else {
		backend := memory.NewBackend(sampleQuestions(), cfg.Attempt.BaseXP)
		store, feed = backend, backend
		log.Warn("postgres url not configured, using in-memory backend")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	presenceTTL := config.TTLDuration(cfg.Attempt.PresenceTTL, config.TTLDuration(cfg.Redis.TTL, 2*time.Minute))
	var (
		questions app.QuestionSource
		presence  app.Presence
	)
	if redisClient != nil {
		questions = redisinfra.NewQuestionCache(redisClient, store, quizTTL)
		presence = redisinfra.NewPresence(redisClient, presenceTTL)
	} else {
		questions = memory.NewQuestionCache(store, quizTTL)
		presence = memory.NewPresence()
	}

	var pending outbox.Log = outbox.NewMemoryLog()
	if cfg.Outbox.Path != "" {
		durable, err := sqlite.Open(ctx, cfg.Outbox.Path)
		if err != nil {
			return err
		}
		defer durable.Close()
		pending = durable
	}
	queue := outbox.NewQueue(pending, app.DeliveryHandler(store), outbox.Options{
		InitialInterval: config.TTLDuration(cfg.Outbox.InitialInterval, 0),
		MaxInterval:     config.TTLDuration(cfg.Outbox.MaxInterval, 0),
		MaxElapsed:      config.TTLDuration(cfg.Outbox.MaxElapsed, 2*time.Minute),
		Poll:            config.TTLDuration(cfg.Outbox.Poll, 0),
	}, log.WithField("component", "outbox"), m)
	group.Go(func() error { return queue.Run(gctx) })

	service := app.NewAttemptService(store, questions, feed, queue, presence, m, app.ServiceOptions{
		FlushTimeout: config.TTLDuration(cfg.Outbox.FlushTimeout, 5*time.Second),
		Session: app.SessionOptions{
			TickInterval:  config.TTLDuration(cfg.Attempt.Tick, time.Second),
			ProgressEvery: cfg.Attempt.ProgressEvery,
		},
	}, log)

	server := &http.Server{
		Addr: ":" + finalPort,
		Handler: transport.NewRouter(transport.RouterDeps{
			Service:  service,
			Gatherer: reg,
			Sockets:  m,
			Log:      log.WithField("component", "http"),
		}),
		ReadHeaderTimeout: 15 * time.Second,
	}

	group.Go(func() error {
		log.WithField("port", finalPort).Info("starting attempt service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	reportPending(pending, log)
	return err
}

func reportPending(pending outbox.Log, log logrus.FieldLogger) {
	n, err := pending.Count(context.Background())
	if err == nil && n > 0 {
		log.WithField("pending", n).Warn("undelivered writes left in outbox")
	}
}

// sampleQuestions seeds the in-memory backend when no database is configured.
func sampleQuestions() map[string][]domain.Question {
	return map[string][]domain.Question{
		"quiz-1": {
			{
				ID:      "q1",
				QuizID:  "quiz-1",
				Order:   1,
				Prompt:  "What is 2 + 2?",
				Correct: []string{"o2"},
				Options: []domain.Option{
					{ID: "o1", Value: "3"},
					{ID: "o2", Value: "4"},
					{ID: "o3", Value: "5"},
				},
			},
			{
				ID:         "q2",
				QuizID:     "quiz-1",
				Order:      2,
				Prompt:     "Which of these are prime?",
				IsMultiple: true,
				Correct:    []string{"o1", "o3"},
				Options: []domain.Option{
					{ID: "o1", Value: "2"},
					{ID: "o2", Value: "4"},
					{ID: "o3", Value: "7"},
				},
			},
		},
	}
}
