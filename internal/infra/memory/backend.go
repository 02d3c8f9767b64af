package memory

import (
	"context"
	"sync"
	"time"

	"quiz-attempt-service/internal/domain"

	"github.com/google/uuid"
)

// Backend is an in-memory implementation of app.Store and app.ChangeFeed.
// Every write bumps the attempt version and notifies the attempt's feed.
type Backend struct {
	now    func() time.Time
	baseXP int

	mu        sync.RWMutex
	questions map[string][]domain.Question
	attempts  map[string]domain.Attempt
	feeds     map[string]map[chan struct{}]struct{}
}

func NewBackend(questions map[string][]domain.Question, baseXP int) *Backend {
	return NewBackendWithClock(questions, baseXP, time.Now)
}

// NewBackendWithClock allows deterministic timestamps in tests.
func NewBackendWithClock(questions map[string][]domain.Question, baseXP int, now func() time.Time) *Backend {
	if baseXP <= 0 {
		baseXP = domain.DefaultBaseXP
	}
	b := &Backend{
		now:       now,
		baseXP:    baseXP,
		questions: make(map[string][]domain.Question, len(questions)),
		attempts:  make(map[string]domain.Attempt),
		feeds:     make(map[string]map[chan struct{}]struct{}),
	}
	for quizID, qs := range questions {
		b.questions[quizID] = append([]domain.Question(nil), qs...)
	}
	return b
}

func (b *Backend) LoadQuestions(_ context.Context, quizID string) ([]domain.Question, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	qs, ok := b.questions[quizID]
	if !ok || len(qs) == 0 {
		return nil, domain.ErrQuizNotFound
	}
	return domain.SortQuestions(qs), nil
}

func (b *Backend) LoadAttempt(_ context.Context, attemptID string) (domain.Attempt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

func (b *Backend) StartAttempt(_ context.Context, quizID, userID string) (domain.Attempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.questions[quizID]) == 0 {
		return domain.Attempt{}, domain.ErrQuizNotFound
	}
	return copyAttempt(b.createLocked(quizID, userID)), nil
}

func (b *Backend) SaveAnswer(_ context.Context, w domain.AnswerWrite) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.writableLocked(w.AttemptID)
	if err != nil {
		return err
	}
	if !b.hasQuestionLocked(a.QuizID, w.QuestionID) {
		return domain.ErrQuestionNotFound
	}
	answers := a.Answers.Clone()
	answers[w.QuestionID] = domain.AnswerRecord{
		SelectedOptions: append([]string{}, w.SelectedOptions...),
		IsCorrect:       w.IsCorrect,
		TimeSpent:       w.TimeSpent,
	}
	a.Answers = answers
	b.storeLocked(a)
	return nil
}

func (b *Backend) UpdateAttemptProgress(_ context.Context, w domain.ProgressWrite) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.writableLocked(w.AttemptID)
	if err != nil {
		return err
	}
	a.TimeSpent = w.TimeSpent
	a.CurrentQuestionIndex = w.CurrentQuestionIndex
	b.storeLocked(a)
	return nil
}

// FinishQuiz re-grades the stored answers, scores the attempt and completes
// it. Finishing a completed attempt returns its result unchanged.
func (b *Backend) FinishQuiz(_ context.Context, attemptID string) (domain.QuizResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.attempts[attemptID]
	if !ok {
		return domain.QuizResult{}, domain.ErrAttemptNotFound
	}
	questions := b.questions[a.QuizID]
	if a.Status == domain.StatusCompleted && a.EndTime != nil {
		return domain.ComputeResult(a.ID, a.Answers, len(questions), a.StartTime, *a.EndTime, b.baseXP), nil
	}

	end := b.now()
	a.Answers = domain.Grade(a.Answers, questions)
	result := domain.ComputeResult(a.ID, a.Answers, len(questions), a.StartTime, end, b.baseXP)
	score := result.Score
	a.Status = domain.StatusCompleted
	a.EndTime = &end
	a.Score = &score
	b.storeLocked(a)
	return result, nil
}

// ResetAttempt drops every attempt of the user on the quiz and creates a fresh one.
func (b *Backend) ResetAttempt(_ context.Context, quizID, userID string) (domain.Attempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.questions[quizID]) == 0 {
		return domain.Attempt{}, domain.ErrQuizNotFound
	}
	for id, a := range b.attempts {
		if a.QuizID == quizID && a.UserID == userID {
			delete(b.attempts, id)
		}
	}
	return copyAttempt(b.createLocked(quizID, userID)), nil
}

// SubscribeAttempt returns a coalescing notification channel for one attempt.
func (b *Backend) SubscribeAttempt(_ context.Context, attemptID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	subs, ok := b.feeds[attemptID]
	if !ok {
		subs = make(map[chan struct{}]struct{})
		b.feeds[attemptID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.feeds[attemptID], ch)
			if len(b.feeds[attemptID]) == 0 {
				delete(b.feeds, attemptID)
			}
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// UpdateAttempt applies an external change to an attempt row, as a
// server-side correction would.
func (b *Backend) UpdateAttempt(attemptID string, mutate func(*domain.Attempt)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.attempts[attemptID]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	a = copyAttempt(a)
	mutate(&a)
	b.storeLocked(a)
	return nil
}

func (b *Backend) createLocked(quizID, userID string) domain.Attempt {
	a := domain.Attempt{
		ID:        uuid.NewString(),
		QuizID:    quizID,
		UserID:    userID,
		Status:    domain.StatusInProgress,
		StartTime: b.now(),
		Answers:   domain.Answers{},
	}
	b.storeLocked(a)
	return b.attempts[a.ID]
}

func (b *Backend) writableLocked(attemptID string) (domain.Attempt, error) {
	a, ok := b.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if a.Status == domain.StatusCompleted {
		return domain.Attempt{}, domain.ErrAttemptCompleted
	}
	return a, nil
}

func (b *Backend) hasQuestionLocked(quizID, questionID string) bool {
	for _, q := range b.questions[quizID] {
		if q.ID == questionID {
			return true
		}
	}
	return false
}

func (b *Backend) storeLocked(a domain.Attempt) {
	a.Version++
	b.attempts[a.ID] = a
	for ch := range b.feeds[a.ID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func copyAttempt(a domain.Attempt) domain.Attempt {
	a.Answers = a.Answers.Clone()
	if a.Score != nil {
		score := *a.Score
		a.Score = &score
	}
	if a.EndTime != nil {
		end := *a.EndTime
		a.EndTime = &end
	}
	return a
}
