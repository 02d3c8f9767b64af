package app

import "quiz-attempt-service/internal/domain"

// Action is the closed set of transitions accepted by Reduce.
type Action interface {
	actionName() string
}

// SelectAnswer toggles (multi-select) or replaces (single-select) the pending selection.
type SelectAnswer struct {
	OptionID string
}

// NextQuestion advances the current index.
type NextQuestion struct{}

// PreviousQuestion moves the current index back, floored at zero.
type PreviousQuestion struct{}

// SaveAnswer writes or overwrites the answer for one question.
type SaveAnswer struct {
	QuestionID      string
	SelectedOptions []string
	IsCorrect       bool
	TimeSpent       int
}

// UpdateAttemptStatus sets the attempt status.
type UpdateAttemptStatus struct {
	Status domain.AttemptStatus
}

// LoadSavedAnswers bulk-replaces the answers map with a fresh snapshot.
type LoadSavedAnswers struct {
	Answers domain.Answers
}

// SetTime sets elapsed seconds.
type SetTime struct {
	Seconds int
}

// ResetState restores initial values, keeping the cached questions.
type ResetState struct{}

// SetSubmitting guards against duplicate finish calls.
type SetSubmitting struct {
	Submitting bool
}

// ConsumeCompletion clears the one-shot NewlyCompleted flag.
type ConsumeCompletion struct{}

func (SelectAnswer) actionName() string        { return "SELECT_ANSWER" }
func (NextQuestion) actionName() string        { return "NEXT_QUESTION" }
func (PreviousQuestion) actionName() string    { return "PREVIOUS_QUESTION" }
func (SaveAnswer) actionName() string          { return "SAVE_ANSWER" }
func (UpdateAttemptStatus) actionName() string { return "UPDATE_ATTEMPT_STATUS" }
func (LoadSavedAnswers) actionName() string    { return "LOAD_SAVED_ANSWERS" }
func (SetTime) actionName() string             { return "SET_TIME" }
func (ResetState) actionName() string          { return "RESET_STATE" }
func (SetSubmitting) actionName() string       { return "SET_SUBMITTING" }
func (ConsumeCompletion) actionName() string   { return "CONSUME_COMPLETION" }

// ActionName returns the wire name of an action, used in logs.
func ActionName(a Action) string {
	return a.actionName()
}
