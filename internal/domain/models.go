package domain

import "time"

// AttemptStatus is the lifecycle state of an attempt.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusCompleted  AttemptStatus = "completed"
)

// Option is a selectable choice of a question.
type Option struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Question is immutable once loaded for a session.
type Question struct {
	ID         string   `json:"id"`
	QuizID     string   `json:"quizId"`
	Order      int      `json:"order"`
	Prompt     string   `json:"prompt"`
	IsMultiple bool     `json:"isMultiple"`
	Correct    []string `json:"correct"`
	Options    []Option `json:"options"`
}

// AnswerRecord is the persisted answer for one question.
type AnswerRecord struct {
	SelectedOptions []string `json:"selectedOptions"`
	IsCorrect       bool     `json:"isCorrect"`
	TimeSpent       int      `json:"timeSpent"`
}

// Answers maps question ids to their recorded answer.
type Answers map[string]AnswerRecord

// Clone returns a deep copy of the answers map.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		v.SelectedOptions = append([]string(nil), v.SelectedOptions...)
		out[k] = v
	}
	return out
}

// Attempt is the mutable session record of one user running through a quiz.
type Attempt struct {
	ID                   string        `json:"id"`
	QuizID               string        `json:"quizId"`
	UserID               string        `json:"userId"`
	Status               AttemptStatus `json:"status"`
	StartTime            time.Time     `json:"startTime"`
	EndTime              *time.Time    `json:"endTime,omitempty"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex"`
	TimeSpent            int           `json:"timeSpent"`
	Score                *float64      `json:"score"`
	Answers              Answers       `json:"answers"`
	// Version is bumped by the backend on every write to the row.
	Version int64 `json:"version"`
}

// AnswerWrite is a single answer pushed to the backend.
type AnswerWrite struct {
	AttemptID       string   `json:"attemptId"`
	QuestionID      string   `json:"questionId"`
	SelectedOptions []string `json:"selectedOptions"`
	CorrectOptions  []string `json:"correctOptions"`
	TimeSpent       int      `json:"timeSpent"`
	IsCorrect       bool     `json:"isCorrect"`
}

// ProgressWrite is the advisory position/time checkpoint of an attempt.
type ProgressWrite struct {
	AttemptID            string `json:"attemptId"`
	TimeSpent            int    `json:"timeSpent"`
	CurrentQuestionIndex int    `json:"currentQuestionIndex"`
}

// QuizResult is returned by the finish-quiz operation.
type QuizResult struct {
	AttemptID      string    `json:"attemptId"`
	Score          float64   `json:"score"`
	CorrectAnswers int       `json:"correctAnswers"`
	TotalQuestions int       `json:"totalQuestions"`
	Accuracy       float64   `json:"accuracy"`
	TimeSpent      int       `json:"timeSpent"`
	XPGained       int       `json:"xpGained"`
	CompletedAt    time.Time `json:"completedAt"`
}
