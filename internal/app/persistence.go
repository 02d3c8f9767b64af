package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/outbox"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Store is the backend contract: an opaque relational store with two
// remote procedures (finish and reset).
type Store interface {
	QuestionSource
	AttemptSource
	StartAttempt(ctx context.Context, quizID, userID string) (domain.Attempt, error)
	SaveAnswer(ctx context.Context, w domain.AnswerWrite) error
	UpdateAttemptProgress(ctx context.Context, w domain.ProgressWrite) error
	// FinishQuiz atomically scores the attempt and flips it to completed.
	FinishQuiz(ctx context.Context, attemptID string) (domain.QuizResult, error)
	// ResetAttempt discards the user's attempts on the quiz and returns a fresh one.
	ResetAttempt(ctx context.Context, quizID, userID string) (domain.Attempt, error)
}

// Outbox queues advisory writes for delivery.
type Outbox interface {
	Enqueue(ctx context.Context, attemptID string, kind outbox.Kind, payload any) error
	Flush(ctx context.Context, attemptID string) error
}

// ProgressAdapter translates session state into backend writes. It never
// mutates session state itself.
type ProgressAdapter struct {
	store        Store
	outbox       Outbox
	flushTimeout time.Duration
	log          logrus.FieldLogger
}

func NewProgressAdapter(store Store, out Outbox, flushTimeout time.Duration, log logrus.FieldLogger) *ProgressAdapter {
	return &ProgressAdapter{store: store, outbox: out, flushTimeout: flushTimeout, log: log}
}

// SaveAnswer queues one answer record. Delivery is asynchronous.
func (p *ProgressAdapter) SaveAnswer(ctx context.Context, w domain.AnswerWrite) error {
	if err := p.outbox.Enqueue(ctx, w.AttemptID, outbox.KindSaveAnswer, w); err != nil {
		return &domain.TransientWriteError{AttemptID: w.AttemptID, Kind: string(outbox.KindSaveAnswer), Err: err}
	}
	return nil
}

// UpdateAttemptProgress queues an advisory position/time checkpoint.
func (p *ProgressAdapter) UpdateAttemptProgress(ctx context.Context, attemptID string, timeSpent, currentQuestionIndex int) error {
	w := domain.ProgressWrite{AttemptID: attemptID, TimeSpent: timeSpent, CurrentQuestionIndex: currentQuestionIndex}
	if err := p.outbox.Enqueue(ctx, attemptID, outbox.KindUpdateProgress, w); err != nil {
		return &domain.TransientWriteError{AttemptID: attemptID, Kind: string(outbox.KindUpdateProgress), Err: err}
	}
	return nil
}

// FinishQuiz delivers the attempt's pending writes and then asks the backend
// to score and complete it.
func (p *ProgressAdapter) FinishQuiz(ctx context.Context, attemptID string) (domain.QuizResult, error) {
	flushCtx := ctx
	if p.flushTimeout > 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, p.flushTimeout)
		defer cancel()
	}
	if err := p.outbox.Flush(flushCtx, attemptID); err != nil {
		return domain.QuizResult{}, &domain.FinishError{AttemptID: attemptID, Err: fmt.Errorf("sync pending answers: %w", err)}
	}
	result, err := p.store.FinishQuiz(ctx, attemptID)
	if err != nil {
		return domain.QuizResult{}, &domain.FinishError{AttemptID: attemptID, Err: err}
	}
	return result, nil
}

// ResetAttempt asks the backend for a fresh attempt.
func (p *ProgressAdapter) ResetAttempt(ctx context.Context, quizID, userID string) (domain.Attempt, error) {
	attempt, err := p.store.ResetAttempt(ctx, quizID, userID)
	if err != nil {
		return domain.Attempt{}, &domain.ResetError{QuizID: quizID, UserID: userID, Err: err}
	}
	return attempt, nil
}

// DeliveryHandler performs outbox entries against the store. Writes that can
// never succeed are marked permanent so the queue drops them.
func DeliveryHandler(store Store) outbox.Handler {
	return func(ctx context.Context, e outbox.Entry) error {
		var err error
		switch e.Kind {
		case outbox.KindSaveAnswer:
			var w domain.AnswerWrite
			if err := json.Unmarshal(e.Payload, &w); err != nil {
				return backoff.Permanent(fmt.Errorf("decode answer write: %w", err))
			}
			err = store.SaveAnswer(ctx, w)
		case outbox.KindUpdateProgress:
			var w domain.ProgressWrite
			if err := json.Unmarshal(e.Payload, &w); err != nil {
				return backoff.Permanent(fmt.Errorf("decode progress write: %w", err))
			}
			err = store.UpdateAttemptProgress(ctx, w)
		default:
			return backoff.Permanent(fmt.Errorf("unknown outbox kind %q", e.Kind))
		}
		if isPermanentWriteError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
}

func isPermanentWriteError(err error) bool {
	return errors.Is(err, domain.ErrAttemptNotFound) ||
		errors.Is(err, domain.ErrAttemptCompleted) ||
		errors.Is(err, domain.ErrQuestionNotFound)
}
