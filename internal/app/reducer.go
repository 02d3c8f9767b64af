package app

import "quiz-attempt-service/internal/domain"

// State is the in-memory attempt state owned by a Session. It is derived and
// never persisted verbatim.
type State struct {
	CurrentQuestionIndex int                  `json:"currentQuestionIndex"`
	SelectedAnswers      []string             `json:"selectedAnswers"`
	Questions            []domain.Question    `json:"questions"`
	TimeSpent            int                  `json:"timeSpent"`
	QuestionStartedAt    int                  `json:"questionStartedAt"`
	Answers              domain.Answers       `json:"answers"`
	Status               domain.AttemptStatus `json:"status"`
	IsSubmitting         bool                 `json:"isSubmitting"`
	NewlyCompleted       bool                 `json:"newlyCompleted"`
}

// NewState returns a fresh in-progress state over the given questions.
func NewState(questions []domain.Question) State {
	return State{
		SelectedAnswers: []string{},
		Questions:       questions,
		Answers:         domain.Answers{},
		Status:          domain.StatusInProgress,
	}
}

// InitialState seeds a session from a loaded attempt so a resumed or
// completed attempt continues where it stopped.
func InitialState(questions []domain.Question, attempt domain.Attempt) State {
	s := NewState(questions)
	s.Status = attempt.Status
	if s.Status == "" {
		s.Status = domain.StatusInProgress
	}
	s.TimeSpent = attempt.TimeSpent
	s.QuestionStartedAt = attempt.TimeSpent
	s.Answers = filterAnswers(attempt.Answers, questions)
	s.CurrentQuestionIndex = clampIndex(attempt.CurrentQuestionIndex, len(questions))
	s.SelectedAnswers = s.selectionAt(s.CurrentQuestionIndex)
	return s
}

// CurrentQuestion returns the question at the current index.
func (s State) CurrentQuestion() (domain.Question, bool) {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.Questions) {
		return domain.Question{}, false
	}
	return s.Questions[s.CurrentQuestionIndex], true
}

// IsLastQuestion reports whether the current index is the final question.
func (s State) IsLastQuestion() bool {
	return len(s.Questions) > 0 && s.CurrentQuestionIndex >= len(s.Questions)-1
}

// Clone copies the mutable parts of the state. Questions are immutable and shared.
func (s State) Clone() State {
	s.SelectedAnswers = append([]string{}, s.SelectedAnswers...)
	s.Answers = s.Answers.Clone()
	return s
}

// Reduce is the sole mutator of attempt state. It never modifies the input.
func Reduce(s State, action Action) State {
	switch a := action.(type) {
	case SelectAnswer:
		if s.Status == domain.StatusCompleted {
			return s
		}
		q, ok := s.CurrentQuestion()
		if !ok {
			return s
		}
		if q.IsMultiple {
			s.SelectedAnswers = toggle(s.SelectedAnswers, a.OptionID)
		} else {
			s.SelectedAnswers = []string{a.OptionID}
		}
		return s

	case NextQuestion:
		return s.moveTo(s.CurrentQuestionIndex + 1)

	case PreviousQuestion:
		return s.moveTo(s.CurrentQuestionIndex - 1)

	case SaveAnswer:
		if s.Status == domain.StatusCompleted || !hasQuestion(s.Questions, a.QuestionID) {
			return s
		}
		answers := make(domain.Answers, len(s.Answers)+1)
		for k, v := range s.Answers {
			answers[k] = v
		}
		answers[a.QuestionID] = domain.AnswerRecord{
			SelectedOptions: append([]string{}, a.SelectedOptions...),
			IsCorrect:       a.IsCorrect,
			TimeSpent:       a.TimeSpent,
		}
		s.Answers = answers
		return s

	case UpdateAttemptStatus:
		if s.Status == domain.StatusCompleted {
			// terminal: a reset discards the state instead
			return s
		}
		if a.Status == domain.StatusCompleted {
			s.NewlyCompleted = true
			s.IsSubmitting = false
		}
		s.Status = a.Status
		return s

	case LoadSavedAnswers:
		s.Answers = filterAnswers(a.Answers, s.Questions)
		return s

	case SetTime:
		if a.Seconds < 0 {
			return s
		}
		s.TimeSpent = a.Seconds
		return s

	case ResetState:
		return NewState(s.Questions)

	case SetSubmitting:
		s.IsSubmitting = a.Submitting
		return s

	case ConsumeCompletion:
		s.NewlyCompleted = false
		return s
	}
	return s
}

func (s State) moveTo(index int) State {
	index = clampIndex(index, len(s.Questions))
	s.CurrentQuestionIndex = index
	s.QuestionStartedAt = s.TimeSpent
	s.SelectedAnswers = s.selectionAt(index)
	return s
}

// selectionAt returns the saved selection in review mode and an empty one otherwise.
func (s State) selectionAt(index int) []string {
	if s.Status != domain.StatusCompleted || index < 0 || index >= len(s.Questions) {
		return []string{}
	}
	rec, ok := s.Answers[s.Questions[index].ID]
	if !ok {
		return []string{}
	}
	return append([]string{}, rec.SelectedOptions...)
}

func toggle(selected []string, optionID string) []string {
	out := make([]string, 0, len(selected)+1)
	found := false
	for _, id := range selected {
		if id == optionID {
			found = true
			continue
		}
		out = append(out, id)
	}
	if !found {
		out = append(out, optionID)
	}
	return out
}

func clampIndex(index, n int) int {
	if index >= n {
		index = n - 1
	}
	if index < 0 {
		index = 0
	}
	return index
}

func hasQuestion(questions []domain.Question, id string) bool {
	for _, q := range questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

func filterAnswers(answers domain.Answers, questions []domain.Question) domain.Answers {
	out := make(domain.Answers, len(answers))
	for id, rec := range answers {
		if !hasQuestion(questions, id) {
			continue
		}
		rec.SelectedOptions = append([]string{}, rec.SelectedOptions...)
		out[id] = rec
	}
	return out
}
