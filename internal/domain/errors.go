package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrQuizNotFound indicates the quiz has no questions to answer.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrAttemptNotFound is returned when the attempt row does not exist.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrQuestionNotFound indicates a question id outside the attempt's quiz.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrAttemptCompleted is returned for writes against a completed attempt.
	ErrAttemptCompleted = errors.New("attempt already completed")
	// ErrSubmitting is returned while a finish call is in flight.
	ErrSubmitting = errors.New("attempt submission in progress")
	// ErrNoQuestion is returned when the current index has no question.
	ErrNoQuestion = errors.New("no current question")
	// ErrOptionNotFound indicates a selected option is not on the current question.
	ErrOptionNotFound = errors.New("option not found")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// FinishError reports a failed finish-quiz call. The user stays on the last
// question and may retry.
type FinishError struct {
	AttemptID string
	Err       error
}

func (e *FinishError) Error() string {
	return fmt.Sprintf("finish attempt %s: %v", e.AttemptID, e.Err)
}

func (e *FinishError) Unwrap() error { return e.Err }

// ResetError reports a rejected reset. Local state is left untouched.
type ResetError struct {
	QuizID string
	UserID string
	Err    error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("reset attempt for quiz %s user %s: %v", e.QuizID, e.UserID, e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }

// TransientWriteError wraps a failed advisory write (answer or progress).
type TransientWriteError struct {
	AttemptID string
	Kind      string
	Err       error
}

func (e *TransientWriteError) Error() string {
	return fmt.Sprintf("%s write for attempt %s: %v", e.Kind, e.AttemptID, e.Err)
}

func (e *TransientWriteError) Unwrap() error { return e.Err }
