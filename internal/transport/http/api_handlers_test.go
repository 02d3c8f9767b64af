package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"quiz-attempt-service/internal/domain"
)

func TestAPIStartValidatesBody(t *testing.T) {
	server, _ := newTestServer(t)
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/quizzes/quiz-1/attempts", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without userId, got %d", resp.StatusCode)
	}

	resp, err = http.Post(server.URL+"/api/quizzes/nope/attempts", "application/json", bytes.NewReader([]byte(`{"userId":"u1"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown quiz, got %d", resp.StatusCode)
	}
}

func TestAPIReadsAttemptAndQuestions(t *testing.T) {
	server, _ := newTestServer(t)
	defer server.Close()

	attempt := startAttempt(t, server.URL, "quiz-1", "u1")

	resp, err := http.Get(server.URL + "/api/attempts/" + attempt.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	var got domain.Attempt
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode attempt: %v", err)
	}
	resp.Body.Close()
	if got.ID != attempt.ID || got.Status != domain.StatusInProgress {
		t.Fatalf("unexpected attempt %+v", got)
	}

	resp, err = http.Get(server.URL + "/api/attempts/missing")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing attempt, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/api/quizzes/quiz-1/questions")
	if err != nil {
		t.Fatalf("get questions: %v", err)
	}
	defer resp.Body.Close()
	var questions []domain.Question
	if err := json.NewDecoder(resp.Body).Decode(&questions); err != nil {
		t.Fatalf("decode questions: %v", err)
	}
	if len(questions) != 2 || questions[0].ID != "q1" || questions[1].ID != "q2" {
		t.Fatalf("expected questions ordered by order, got %+v", questions)
	}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
