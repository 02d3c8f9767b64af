package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quiz-attempt-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const attemptColumns = `id, quiz_id, user_id, status, start_time, end_time,
	current_question_index, time_spent, score, answers, version`

// Store implements app.Store on Postgres. Answers live in one JSONB column
// keyed by question id; every write bumps version and fires the
// attempts_notify trigger.
type Store struct {
	pool   *pgxpool.Pool
	baseXP int
	now    func() time.Time
}

func NewStore(pool *pgxpool.Pool, baseXP int) *Store {
	if baseXP <= 0 {
		baseXP = domain.DefaultBaseXP
	}
	return &Store{
		pool:   pool,
		baseXP: baseXP,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (s *Store) LoadQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	questions, err := loadQuestions(ctx, s.pool, quizID)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, domain.ErrQuizNotFound
	}
	return questions, nil
}

func loadQuestions(ctx context.Context, q querier, quizID string) ([]domain.Question, error) {
	rows, err := q.Query(ctx, `SELECT id, quiz_id, sort_order, prompt, is_multiple, correct, options
		FROM questions WHERE quiz_id = $1 ORDER BY sort_order, id`, quizID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		var (
			question            domain.Question
			correctRaw, optsRaw []byte
		)
		if err := rows.Scan(&question.ID, &question.QuizID, &question.Order, &question.Prompt,
			&question.IsMultiple, &correctRaw, &optsRaw); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal(correctRaw, &question.Correct); err != nil {
			return nil, fmt.Errorf("unmarshal correct options of %s: %w", question.ID, err)
		}
		if err := json.Unmarshal(optsRaw, &question.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options of %s: %w", question.ID, err)
		}
		questions = append(questions, question)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	return questions, nil
}

func (s *Store) LoadAttempt(ctx context.Context, attemptID string) (domain.Attempt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, attemptID)
	return scanAttempt(row)
}

func (s *Store) StartAttempt(ctx context.Context, quizID, userID string) (domain.Attempt, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM questions WHERE quiz_id = $1)`, quizID).Scan(&exists); err != nil {
		return domain.Attempt{}, fmt.Errorf("check quiz: %w", err)
	}
	if !exists {
		return domain.Attempt{}, domain.ErrQuizNotFound
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO attempts (id, quiz_id, user_id, status, start_time)
		VALUES ($1, $2, $3, $4, $5) RETURNING `+attemptColumns,
		uuid.NewString(), quizID, userID, string(domain.StatusInProgress), s.now())
	return scanAttempt(row)
}

// SaveAnswer overwrites one answer record. Last writer wins.
func (s *Store) SaveAnswer(ctx context.Context, w domain.AnswerWrite) error {
	record, err := json.Marshal(domain.AnswerRecord{
		SelectedOptions: nonNil(w.SelectedOptions),
		IsCorrect:       w.IsCorrect,
		TimeSpent:       w.TimeSpent,
	})
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE attempts
		SET answers = jsonb_set(answers, ARRAY[$2::text], $3::jsonb, true), version = version + 1
		WHERE id = $1 AND status = 'in_progress'
		  AND EXISTS (SELECT 1 FROM questions q WHERE q.quiz_id = attempts.quiz_id AND q.id = $2::text)`,
		w.AttemptID, w.QuestionID, string(record))
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejection(ctx, w.AttemptID, domain.ErrQuestionNotFound)
	}
	return nil
}

func (s *Store) UpdateAttemptProgress(ctx context.Context, w domain.ProgressWrite) error {
	tag, err := s.pool.Exec(ctx, `UPDATE attempts
		SET time_spent = $2, current_question_index = $3, version = version + 1
		WHERE id = $1 AND status = 'in_progress'`,
		w.AttemptID, w.TimeSpent, w.CurrentQuestionIndex)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejection(ctx, w.AttemptID, domain.ErrAttemptCompleted)
	}
	return nil
}

// FinishQuiz re-grades the attempt against the stored questions, computes the
// result and completes the row in one transaction.
func (s *Store) FinishQuiz(ctx context.Context, attemptID string) (domain.QuizResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.QuizResult{}, fmt.Errorf("begin finish: %w", err)
	}
	defer tx.Rollback(ctx)

	attempt, err := scanAttempt(tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, attemptID))
	if err != nil {
		return domain.QuizResult{}, err
	}
	questions, err := loadQuestions(ctx, tx, attempt.QuizID)
	if err != nil {
		return domain.QuizResult{}, err
	}

	if attempt.Status == domain.StatusCompleted && attempt.EndTime != nil {
		return domain.ComputeResult(attempt.ID, attempt.Answers, len(questions), attempt.StartTime, *attempt.EndTime, s.baseXP), nil
	}

	end := s.now()
	graded := domain.Grade(attempt.Answers, questions)
	result := domain.ComputeResult(attempt.ID, graded, len(questions), attempt.StartTime, end, s.baseXP)
	answers, err := json.Marshal(graded)
	if err != nil {
		return domain.QuizResult{}, fmt.Errorf("marshal answers: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE attempts
		SET status = $2, end_time = $3, score = $4, answers = $5::jsonb, version = version + 1
		WHERE id = $1`,
		attemptID, string(domain.StatusCompleted), end, result.Score, string(answers)); err != nil {
		return domain.QuizResult{}, fmt.Errorf("complete attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.QuizResult{}, fmt.Errorf("commit finish: %w", err)
	}
	return result, nil
}

// ResetAttempt deletes the user's attempts on the quiz and inserts a fresh one.
func (s *Store) ResetAttempt(ctx context.Context, quizID, userID string) (domain.Attempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM questions WHERE quiz_id = $1)`, quizID).Scan(&exists); err != nil {
		return domain.Attempt{}, fmt.Errorf("check quiz: %w", err)
	}
	if !exists {
		return domain.Attempt{}, domain.ErrQuizNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM attempts WHERE quiz_id = $1 AND user_id = $2`, quizID, userID); err != nil {
		return domain.Attempt{}, fmt.Errorf("delete attempts: %w", err)
	}
	attempt, err := scanAttempt(tx.QueryRow(ctx, `INSERT INTO attempts (id, quiz_id, user_id, status, start_time)
		VALUES ($1, $2, $3, $4, $5) RETURNING `+attemptColumns,
		uuid.NewString(), quizID, userID, string(domain.StatusInProgress), s.now()))
	if err != nil {
		return domain.Attempt{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Attempt{}, fmt.Errorf("commit reset: %w", err)
	}
	return attempt, nil
}

// PutQuestions upserts a quiz's questions. Used by seeding and tests.
func (s *Store) PutQuestions(ctx context.Context, questions []domain.Question) error {
	batch := &pgx.Batch{}
	for _, q := range questions {
		correct, err := json.Marshal(nonNil(q.Correct))
		if err != nil {
			return err
		}
		options, err := json.Marshal(q.Options)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO questions (quiz_id, id, sort_order, prompt, is_multiple, correct, options)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)
			ON CONFLICT (quiz_id, id) DO UPDATE SET sort_order = EXCLUDED.sort_order, prompt = EXCLUDED.prompt,
				is_multiple = EXCLUDED.is_multiple, correct = EXCLUDED.correct, options = EXCLUDED.options`,
			q.QuizID, q.ID, q.Order, q.Prompt, q.IsMultiple, string(correct), string(options))
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range questions {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("put question: %w", err)
		}
	}
	return nil
}

// rejection explains why a conditional update touched no row.
func (s *Store) rejection(ctx context.Context, attemptID string, fallback error) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM attempts WHERE id = $1`, attemptID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrAttemptNotFound
	}
	if err != nil {
		return fmt.Errorf("check attempt: %w", err)
	}
	if domain.AttemptStatus(status) == domain.StatusCompleted {
		return domain.ErrAttemptCompleted
	}
	return fallback
}

func scanAttempt(row pgx.Row) (domain.Attempt, error) {
	var (
		a       domain.Attempt
		status  string
		answers []byte
	)
	err := row.Scan(&a.ID, &a.QuizID, &a.UserID, &status, &a.StartTime, &a.EndTime,
		&a.CurrentQuestionIndex, &a.TimeSpent, &a.Score, &answers, &a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	a.Status = domain.AttemptStatus(status)
	a.Answers = domain.Answers{}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &a.Answers); err != nil {
			return domain.Attempt{}, fmt.Errorf("unmarshal answers: %w", err)
		}
	}
	return a, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
