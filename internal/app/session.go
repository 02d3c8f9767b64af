package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quiz-attempt-service/internal/domain"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Outcome tells the caller what Next did.
type Outcome int

const (
	// OutcomeAdvanced means the session moved to the next question.
	OutcomeAdvanced Outcome = iota
	// OutcomeFinished means the last answer was submitted and the attempt completed.
	OutcomeFinished
	// OutcomeExited means review ended on the last question and the exit callback ran.
	OutcomeExited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeFinished:
		return "finished"
	case OutcomeExited:
		return "exited"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Persister is the write side used by a Session. ProgressAdapter implements it.
type Persister interface {
	SaveAnswer(ctx context.Context, w domain.AnswerWrite) error
	UpdateAttemptProgress(ctx context.Context, attemptID string, timeSpent, currentQuestionIndex int) error
	FinishQuiz(ctx context.Context, attemptID string) (domain.QuizResult, error)
	ResetAttempt(ctx context.Context, quizID, userID string) (domain.Attempt, error)
}

// Presence marks an attempt as actively held by a session. A contended claim
// is reported but not refused.
type Presence interface {
	Claim(ctx context.Context, attemptID, sessionID string) (contended bool, err error)
	Release(ctx context.Context, attemptID, sessionID string) error
}

// SessionRecorder receives session-level counters.
type SessionRecorder interface {
	Contended()
	Finished()
	FinishFailed()
}

// SessionParams are the explicit inputs of a session.
type SessionParams struct {
	QuizID    string
	AttemptID string
	UserID    string
	// OnExit is the navigation callback run when review moves past the last question.
	OnExit func()
}

// SessionOptions tunes the wall clock.
type SessionOptions struct {
	TickInterval time.Duration
	// ProgressEvery is the number of elapsed seconds between progress checkpoints.
	ProgressEvery int
	// NewTicker is replaced in tests.
	NewTicker func(d time.Duration) (<-chan time.Time, func())
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.ProgressEvery == 0 {
		o.ProgressEvery = 10
	}
	if o.NewTicker == nil {
		o.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	return o
}

// SessionDeps are the collaborators of a session.
type SessionDeps struct {
	Loader    *Loader
	Persister Persister
	Presence  Presence
	Recorder  SessionRecorder
	Log       logrus.FieldLogger
}

// View is a published snapshot of a session.
type View struct {
	AttemptID string             `json:"attemptId"`
	State     State              `json:"state"`
	Result    *domain.QuizResult `json:"result,omitempty"`
}

// Session owns the reducer state of one open attempt. Every action is reduced
// under one lock, so actions apply strictly in dispatch order.
type Session struct {
	id       string
	params   SessionParams
	opts     SessionOptions
	loader   *Loader
	persist  Persister
	presence Presence
	rec      SessionRecorder
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	attemptID   string
	state       State
	result      *domain.QuizResult
	subscribers map[chan View]struct{}
	closed      bool
	clockStop   func()
	watchStop   func()
}

// OpenSession loads the quiz and attempt, subscribes to attempt changes and
// starts the clock when the attempt is in progress.
func OpenSession(ctx context.Context, params SessionParams, deps SessionDeps, opts SessionOptions) (*Session, error) {
	questions, err := deps.Loader.LoadQuestions(ctx, params.QuizID)
	if err != nil {
		return nil, fmt.Errorf("load questions for quiz %s: %w", params.QuizID, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          uuid.NewString(),
		params:      params,
		opts:        opts.withDefaults(),
		loader:      deps.Loader,
		persist:     deps.Persister,
		presence:    deps.Presence,
		rec:         deps.Recorder,
		ctx:         sctx,
		cancel:      cancel,
		attemptID:   params.AttemptID,
		subscribers: make(map[chan View]struct{}),
	}
	s.log = deps.Log.WithFields(logrus.Fields{"quiz_id": params.QuizID, "session_id": s.id})

	// subscribe before the initial fetch so early notifications are not lost
	updates, stopWatch, err := s.loader.Watch(sctx, params.AttemptID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch attempt %s: %w", params.AttemptID, err)
	}

	attempt, err := s.loader.LoadAttempt(ctx, params.AttemptID)
	if err != nil {
		stopWatch()
		cancel()
		return nil, fmt.Errorf("load attempt %s: %w", params.AttemptID, err)
	}
	if attempt.QuizID != "" && attempt.QuizID != params.QuizID {
		stopWatch()
		cancel()
		return nil, fmt.Errorf("attempt %s belongs to quiz %s: %w", attempt.ID, attempt.QuizID, domain.ErrAttemptNotFound)
	}
	if attempt.UserID != params.UserID {
		stopWatch()
		cancel()
		return nil, fmt.Errorf("attempt %s belongs to another user: %w", attempt.ID, domain.ErrAttemptNotFound)
	}

	s.claim(ctx, params.AttemptID)

	s.mu.Lock()
	s.state = InitialState(questions, attempt)
	s.watchStop = stopWatch
	s.startClockLocked()
	s.mu.Unlock()

	go s.follow(params.AttemptID, updates)

	s.log.WithFields(logrus.Fields{
		"attempt_id": params.AttemptID,
		"status":     attempt.Status,
		"questions":  len(questions),
	}).Info("session opened")
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// AttemptID returns the attempt currently bound to the session.
func (s *Session) AttemptID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptID
}

// View returns the current snapshot.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Select toggles or replaces the pending selection of the current question.
func (s *Session) Select(optionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	if s.state.Status == domain.StatusCompleted {
		return nil
	}
	q, ok := s.state.CurrentQuestion()
	if !ok {
		return domain.ErrNoQuestion
	}
	if len(q.Options) > 0 && !hasOption(q, optionID) {
		return domain.ErrOptionNotFound
	}
	s.dispatchLocked(SelectAnswer{OptionID: optionID})
	return nil
}

// Previous moves back one question. It is refused while the attempt is being
// submitted, so a failed finish leaves the user on the last question.
func (s *Session) Previous() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	if s.state.IsSubmitting {
		return domain.ErrSubmitting
	}
	s.dispatchLocked(PreviousQuestion{})
	return nil
}

// ConsumeCompletion clears the one-shot completion flag after the caller showed results.
func (s *Session) ConsumeCompletion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchLocked(ConsumeCompletion{})
}

// Next records the current answer and advances. On the last question it
// submits the attempt. In review mode it only navigates, and past the last
// question it runs the exit callback.
func (s *Session) Next(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return OutcomeAdvanced, domain.ErrSessionClosed
	}
	st := s.state
	if st.Status == domain.StatusCompleted {
		if st.IsLastQuestion() {
			onExit := s.params.OnExit
			s.mu.Unlock()
			if onExit != nil {
				onExit()
			}
			return OutcomeExited, nil
		}
		s.dispatchLocked(NextQuestion{})
		s.mu.Unlock()
		return OutcomeAdvanced, nil
	}
	if st.IsSubmitting {
		s.mu.Unlock()
		return OutcomeAdvanced, domain.ErrSubmitting
	}
	q, ok := st.CurrentQuestion()
	if !ok {
		s.mu.Unlock()
		return OutcomeAdvanced, domain.ErrNoQuestion
	}

	attemptID := s.attemptID
	write := domain.AnswerWrite{
		AttemptID:       attemptID,
		QuestionID:      q.ID,
		SelectedOptions: append([]string{}, st.SelectedAnswers...),
		CorrectOptions:  append([]string{}, q.Correct...),
		TimeSpent:       st.TimeSpent - st.QuestionStartedAt,
		IsCorrect:       domain.IsCorrect(st.SelectedAnswers, q.Correct),
	}
	s.dispatchLocked(SaveAnswer{
		QuestionID:      write.QuestionID,
		SelectedOptions: write.SelectedOptions,
		IsCorrect:       write.IsCorrect,
		TimeSpent:       write.TimeSpent,
	})

	log := s.log.WithFields(logrus.Fields{"attempt_id": attemptID, "question_id": q.ID})

	if !st.IsLastQuestion() {
		// navigation never waits for the backend
		s.dispatchLocked(NextQuestion{})
		s.mu.Unlock()
		if err := s.persist.SaveAnswer(ctx, write); err != nil {
			log.WithError(err).Warn("queue answer write")
		}
		return OutcomeAdvanced, nil
	}

	s.dispatchLocked(SetSubmitting{Submitting: true})
	s.mu.Unlock()

	if err := s.persist.SaveAnswer(ctx, write); err != nil {
		log.WithError(err).Warn("queue final answer write")
	}
	result, err := s.persist.FinishQuiz(ctx, attemptID)
	if err != nil {
		s.mu.Lock()
		s.dispatchLocked(SetSubmitting{Submitting: false})
		s.mu.Unlock()
		if s.rec != nil {
			s.rec.FinishFailed()
		}
		log.WithError(err).Error("finish quiz")
		return OutcomeAdvanced, err
	}

	s.mu.Lock()
	if s.attemptID == attemptID {
		s.result = &result
		s.dispatchLocked(UpdateAttemptStatus{Status: domain.StatusCompleted})
	}
	s.mu.Unlock()
	s.stopClock()

	if s.rec != nil {
		s.rec.Finished()
	}
	log.WithFields(logrus.Fields{"score": result.Score, "xp": result.XPGained}).Info("attempt completed")
	return OutcomeFinished, nil
}

// Reset asks the backend for a fresh attempt and, only once it confirms,
// discards local state. The cached questions are kept.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.state.IsSubmitting {
		s.mu.Unlock()
		return domain.ErrSubmitting
	}
	oldAttemptID := s.attemptID
	s.mu.Unlock()

	attempt, err := s.persist.ResetAttempt(ctx, s.params.QuizID, s.params.UserID)
	if err != nil {
		s.log.WithError(err).Error("reset attempt")
		return err
	}

	s.stopClock()
	s.mu.Lock()
	stopWatch := s.watchStop
	s.watchStop = nil
	s.mu.Unlock()
	if stopWatch != nil {
		stopWatch()
	}
	s.release(oldAttemptID)

	updates, stopWatch, err := s.loader.Watch(s.ctx, attempt.ID)
	if err != nil {
		s.log.WithError(err).WithField("attempt_id", attempt.ID).Warn("watch reset attempt")
	}
	s.claim(ctx, attempt.ID)

	s.mu.Lock()
	s.attemptID = attempt.ID
	s.result = nil
	s.watchStop = stopWatch
	s.dispatchLocked(ResetState{})
	s.startClockLocked()
	s.mu.Unlock()

	if updates != nil {
		go s.follow(attempt.ID, updates)
	}
	s.log.WithFields(logrus.Fields{"old_attempt_id": oldAttemptID, "attempt_id": attempt.ID}).Info("attempt reset")
	return nil
}

// Subscribe returns a channel of snapshots, starting with the current one.
// Slow readers only see the latest snapshot. The cancel func must be called.
func (s *Session) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 8)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	ch <- s.viewLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Close tears down the clock, the change subscription and all subscribers.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
	stopWatch := s.watchStop
	s.watchStop = nil
	attemptID := s.attemptID
	s.mu.Unlock()

	s.stopClock()
	if stopWatch != nil {
		stopWatch()
	}
	s.release(attemptID)
	s.cancel()
	s.log.WithField("attempt_id", attemptID).Info("session closed")
}

// follow feeds external attempt snapshots back into the reducer.
func (s *Session) follow(attemptID string, updates <-chan domain.Attempt) {
	for attempt := range updates {
		s.mu.Lock()
		if s.closed || s.attemptID != attemptID {
			s.mu.Unlock()
			continue
		}
		s.dispatchLocked(LoadSavedAnswers{Answers: attempt.Answers})
		completed := false
		if attempt.Status == domain.StatusCompleted && s.state.Status != domain.StatusCompleted {
			s.dispatchLocked(UpdateAttemptStatus{Status: domain.StatusCompleted})
			completed = true
		}
		s.mu.Unlock()
		if completed {
			s.stopClock()
		}
	}
}

// startClockLocked runs the wall clock while the attempt is in progress.
func (s *Session) startClockLocked() {
	if s.clockStop != nil || s.closed || s.state.Status != domain.StatusInProgress {
		return
	}
	ticks, stopTicker := s.opts.NewTicker(s.opts.TickInterval)
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer stopTicker()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ticks:
				if !ok {
					return
				}
				s.tick()
			}
		}
	}()

	var once sync.Once
	s.clockStop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// stopClock cancels the clock and waits for its goroutine to exit.
func (s *Session) stopClock() {
	s.mu.Lock()
	stop := s.clockStop
	s.clockStop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Session) tick() {
	s.mu.Lock()
	if s.closed || s.state.Status != domain.StatusInProgress {
		s.mu.Unlock()
		return
	}
	elapsed := s.state.TimeSpent + 1
	s.dispatchLocked(SetTime{Seconds: elapsed})
	attemptID := s.attemptID
	index := s.state.CurrentQuestionIndex
	s.mu.Unlock()

	if s.opts.ProgressEvery > 0 && elapsed%s.opts.ProgressEvery == 0 {
		if err := s.persist.UpdateAttemptProgress(s.ctx, attemptID, elapsed, index); err != nil {
			s.log.WithError(err).WithField("attempt_id", attemptID).Warn("queue progress checkpoint")
		}
		s.refreshClaim(attemptID)
	}
}

// refreshClaim extends the presence marker so it outlives long attempts.
func (s *Session) refreshClaim(attemptID string) {
	if s.presence == nil {
		return
	}
	if _, err := s.presence.Claim(s.ctx, attemptID, s.id); err != nil {
		s.log.WithError(err).WithField("attempt_id", attemptID).Warn("refresh attempt presence")
	}
}

func (s *Session) claim(ctx context.Context, attemptID string) {
	if s.presence == nil {
		return
	}
	contended, err := s.presence.Claim(ctx, attemptID, s.id)
	if err != nil {
		s.log.WithError(err).WithField("attempt_id", attemptID).Warn("claim attempt presence")
		return
	}
	if contended {
		// last writer wins on the backend; only flagged here
		s.log.WithField("attempt_id", attemptID).Warn("attempt already open in another session")
		if s.rec != nil {
			s.rec.Contended()
		}
	}
}

func (s *Session) release(attemptID string) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Release(context.Background(), attemptID, s.id); err != nil {
		s.log.WithError(err).WithField("attempt_id", attemptID).Warn("release attempt presence")
	}
}

func (s *Session) dispatchLocked(a Action) {
	s.state = Reduce(s.state, a)
	s.broadcastLocked()
}

func (s *Session) broadcastLocked() {
	view := s.viewLocked()
	for ch := range s.subscribers {
		select {
		case ch <- view:
		default:
			// drop the stale snapshot so a slow reader never blocks dispatch
			select {
			case <-ch:
			default:
			}
			ch <- view
		}
	}
}

func (s *Session) viewLocked() View {
	v := View{AttemptID: s.attemptID, State: s.state.Clone()}
	if s.result != nil {
		r := *s.result
		v.Result = &r
	}
	return v
}

func hasOption(q domain.Question, optionID string) bool {
	for _, opt := range q.Options {
		if opt.ID == optionID {
			return true
		}
	}
	return false
}
