package domain

import (
	"math"
	"sort"
	"time"
)

// DefaultBaseXP is the XP awarded for a perfect score with no time bonus.
const DefaultBaseXP = 100

// IsCorrect reports whether the selection equals the correct set exactly.
// Partial credit is not supported.
func IsCorrect(selected, correct []string) bool {
	want := make(map[string]struct{}, len(correct))
	for _, id := range correct {
		want[id] = struct{}{}
	}
	got := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		got[id] = struct{}{}
	}
	if len(got) != len(want) {
		return false
	}
	for id := range got {
		if _, ok := want[id]; !ok {
			return false
		}
	}
	return true
}

// SortQuestions orders questions by their Order field, keeping input order for ties.
func SortQuestions(questions []Question) []Question {
	out := append([]Question(nil), questions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Grade re-evaluates every stored answer against the authoritative question
// set. Answers for unknown questions are dropped.
func Grade(answers Answers, questions []Question) Answers {
	byID := make(map[string]Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	graded := make(Answers, len(answers))
	for id, rec := range answers {
		q, ok := byID[id]
		if !ok {
			continue
		}
		rec.SelectedOptions = append([]string(nil), rec.SelectedOptions...)
		rec.IsCorrect = IsCorrect(rec.SelectedOptions, q.Correct)
		graded[id] = rec
	}
	return graded
}

// ComputeResult derives score, accuracy, timing and XP for a finished attempt.
//
//	xp = round(baseXP * score/100 * (1 + max(0, 1 - timeSpent/(questions*60))))
func ComputeResult(attemptID string, answers Answers, totalQuestions int, start, end time.Time, baseXP int) QuizResult {
	correct := 0
	for _, rec := range answers {
		if rec.IsCorrect {
			correct++
		}
	}

	timeSpent := int(end.Sub(start) / time.Second)
	if timeSpent < 0 {
		timeSpent = 0
	}

	var accuracy, bonus float64
	if totalQuestions > 0 {
		accuracy = float64(correct) / float64(totalQuestions) * 100
		bonus = math.Max(0, 1-float64(timeSpent)/float64(totalQuestions*60))
	}

	return QuizResult{
		AttemptID:      attemptID,
		Score:          accuracy,
		CorrectAnswers: correct,
		TotalQuestions: totalQuestions,
		Accuracy:       accuracy,
		TimeSpent:      timeSpent,
		XPGained:       int(math.Round(float64(baseXP) * (accuracy / 100) * (1 + bonus))),
		CompletedAt:    end,
	}
}
