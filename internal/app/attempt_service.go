package app

import (
	"context"
	"time"

	"quiz-attempt-service/internal/domain"

	"github.com/sirupsen/logrus"
)

// ServiceOptions configures an AttemptService.
type ServiceOptions struct {
	// FlushTimeout bounds syncing pending answers before a finish call.
	FlushTimeout time.Duration
	Session      SessionOptions
}

// AttemptService contains the attempt use cases and builds sessions.
type AttemptService struct {
	store    Store
	loader   *Loader
	persist  *ProgressAdapter
	presence Presence
	rec      SessionRecorder
	opts     ServiceOptions
	log      logrus.FieldLogger
}

// NewAttemptService wires a service. questions is usually a cache in front of
// store; presence and rec may be nil.
func NewAttemptService(store Store, questions QuestionSource, feed ChangeFeed, out Outbox, presence Presence, rec SessionRecorder, opts ServiceOptions, log logrus.FieldLogger) *AttemptService {
	if questions == nil {
		questions = store
	}
	return &AttemptService{
		store:    store,
		loader:   NewLoader(questions, store, feed, log),
		persist:  NewProgressAdapter(store, out, opts.FlushTimeout, log),
		presence: presence,
		rec:      rec,
		opts:     opts,
		log:      log,
	}
}

// Questions returns the ordered questions of a quiz.
func (s *AttemptService) Questions(ctx context.Context, quizID string) ([]domain.Question, error) {
	return s.loader.LoadQuestions(ctx, quizID)
}

// Attempt returns the persisted attempt row.
func (s *AttemptService) Attempt(ctx context.Context, attemptID string) (domain.Attempt, error) {
	return s.loader.LoadAttempt(ctx, attemptID)
}

// Start creates a fresh in-progress attempt. Users cannot start quizzes
// without questions.
func (s *AttemptService) Start(ctx context.Context, quizID, userID string) (domain.Attempt, error) {
	if _, err := s.loader.LoadQuestions(ctx, quizID); err != nil {
		return domain.Attempt{}, err
	}
	attempt, err := s.store.StartAttempt(ctx, quizID, userID)
	if err != nil {
		return domain.Attempt{}, err
	}
	s.log.WithFields(logrus.Fields{"quiz_id": quizID, "attempt_id": attempt.ID}).Info("attempt started")
	return attempt, nil
}

// Open starts a session over an existing attempt. The caller must Close it.
func (s *AttemptService) Open(ctx context.Context, params SessionParams) (*Session, error) {
	return OpenSession(ctx, params, SessionDeps{
		Loader:    s.loader,
		Persister: s.persist,
		Presence:  s.presence,
		Recorder:  s.rec,
		Log:       s.log,
	}, s.opts.Session)
}
