package http

import (
	"net/http"

	"quiz-attempt-service/internal/app"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterDeps are the collaborators of the HTTP surface. Gatherer and Sockets
// may be nil.
type RouterDeps struct {
	Service        *app.AttemptService
	Gatherer       prometheus.Gatherer
	Sockets        SocketRecorder
	AllowedOrigins []string
	Log            logrus.FieldLogger
}

// NewRouter mounts health, metrics, the REST API and the websocket endpoint.
func NewRouter(deps RouterDeps) http.Handler {
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	api := NewAPIHandler(deps.Service, deps.Log)
	r.Route("/api", func(r chi.Router) {
		r.Post("/quizzes/{quizID}/attempts", api.StartAttempt)
		r.Get("/quizzes/{quizID}/questions", api.Questions)
		r.Get("/attempts/{attemptID}", api.Attempt)
	})

	ws := NewWSHandler(deps.Service, deps.Sockets, deps.Log)
	r.Get("/ws", ws.ServeWS)
	return r
}
