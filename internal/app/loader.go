package app

import (
	"context"
	"sync"

	"quiz-attempt-service/internal/domain"

	"github.com/sirupsen/logrus"
)

// QuestionSource loads the question set of a quiz.
type QuestionSource interface {
	LoadQuestions(ctx context.Context, quizID string) ([]domain.Question, error)
}

// AttemptSource loads an attempt row.
type AttemptSource interface {
	LoadAttempt(ctx context.Context, attemptID string) (domain.Attempt, error)
}

// ChangeFeed notifies about any column change on a single attempt row.
// The cancel func must be called to release the subscription.
type ChangeFeed interface {
	SubscribeAttempt(ctx context.Context, attemptID string) (<-chan struct{}, func(), error)
}

// Loader resolves the reads needed to start a session and keeps the attempt
// view fresh against external changes.
type Loader struct {
	questions QuestionSource
	attempts  AttemptSource
	feed      ChangeFeed
	log       logrus.FieldLogger

	// versions is kept only for attempts with an active watch.
	mu       sync.Mutex
	versions map[string]*watchedVersion
}

type watchedVersion struct {
	watchers int
	seen     bool
	version  int64
}

func NewLoader(questions QuestionSource, attempts AttemptSource, feed ChangeFeed, log logrus.FieldLogger) *Loader {
	return &Loader{
		questions: questions,
		attempts:  attempts,
		feed:      feed,
		log:       log,
		versions:  make(map[string]*watchedVersion),
	}
}

// LoadQuestions returns the quiz questions ordered by Order. An empty set is
// reported as domain.ErrQuizNotFound.
func (l *Loader) LoadQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	questions, err := l.questions.LoadQuestions(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, domain.ErrQuizNotFound
	}
	return domain.SortQuestions(questions), nil
}

// LoadAttempt returns the attempt row and records its version when the
// attempt is watched.
func (l *Loader) LoadAttempt(ctx context.Context, attemptID string) (domain.Attempt, error) {
	attempt, err := l.attempts.LoadAttempt(ctx, attemptID)
	if err != nil {
		return domain.Attempt{}, err
	}
	l.observe(attempt)
	return attempt, nil
}

// Watch re-fetches the attempt on every change notification and emits the
// fresh snapshot. Snapshots older than one already seen are dropped. Only the
// latest snapshot is kept for a slow reader.
func (l *Loader) Watch(ctx context.Context, attemptID string) (<-chan domain.Attempt, func(), error) {
	notes, unsubscribe, err := l.feed.SubscribeAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}

	l.track(attemptID)
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan domain.Attempt, 1)
	done := make(chan struct{})
	log := l.log.WithField("attempt_id", attemptID)

	go func() {
		defer close(done)
		defer close(out)
		defer l.untrack(attemptID)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notes:
				if !ok {
					return
				}
				attempt, err := l.attempts.LoadAttempt(ctx, attemptID)
				if err != nil {
					if ctx.Err() == nil {
						log.WithError(err).Warn("re-fetch attempt after change notification")
					}
					continue
				}
				if !l.observe(attempt) {
					log.WithField("version", attempt.Version).Debug("dropping stale attempt snapshot")
					continue
				}
				select {
				case out <- attempt:
				default:
					select {
					case <-out:
					default:
					}
					out <- attempt
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	return out, stop, nil
}

func (l *Loader) track(attemptID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.versions[attemptID]
	if !ok {
		w = &watchedVersion{}
		l.versions[attemptID] = w
	}
	w.watchers++
}

func (l *Loader) untrack(attemptID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.versions[attemptID]
	if !ok {
		return
	}
	w.watchers--
	if w.watchers <= 0 {
		delete(l.versions, attemptID)
	}
}

// observe records the attempt version and reports whether it is not older
// than what was already seen. Unwatched attempts are never recorded.
func (l *Loader) observe(attempt domain.Attempt) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.versions[attempt.ID]
	if !ok {
		return true
	}
	if w.seen && attempt.Version < w.version {
		return false
	}
	w.seen = true
	w.version = attempt.Version
	return true
}
