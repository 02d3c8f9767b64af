package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// SocketRecorder counts open connections. metrics.Metrics implements it.
type SocketRecorder interface {
	SocketOpened()
	SocketClosed()
}

type WSHandler struct {
	service  *app.AttemptService
	sockets  SocketRecorder
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.AttemptService, sockets SocketRecorder, log logrus.FieldLogger) *WSHandler {
	return &WSHandler{
		service: service,
		sockets: sockets,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type selectPayload struct {
	OptionID string `json:"optionId" validate:"required"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type exitPayload struct {
	AttemptID string `json:"attemptId"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeFinishFailed = "finish_failed"
	codeResetFailed  = "reset_failed"
	codeBadRequest   = "bad_request"
	codeNotFound     = "not_found"
)

// ServeWS binds one websocket to an attempt session. Snapshots are pushed as
// "state" messages; inbound messages drive the session.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	params := app.SessionParams{
		QuizID:    r.URL.Query().Get("quizId"),
		AttemptID: r.URL.Query().Get("attemptId"),
		UserID:    r.URL.Query().Get("userId"),
	}
	if params.QuizID == "" || params.AttemptID == "" || params.UserID == "" {
		http.Error(w, "missing quizId, attemptId, or userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()
	if h.sockets != nil {
		h.sockets.SocketOpened()
		defer h.sockets.SocketClosed()
	}

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// only this goroutine writes to conn
	go func() {
		defer close(writerDone)
		failed := false
		for msg := range send {
			if failed {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.log.WithError(err).Debug("ws write error")
				failed = true
				conn.Close()
			}
		}
	}()
	shutdown := func() {
		close(send)
		<-writerDone
	}

	// Next runs on the read loop, so the exit callback can send directly.
	var session *app.Session
	params.OnExit = func() {
		send <- outboundMessage{Type: "exit", Payload: exitPayload{AttemptID: session.AttemptID()}}
	}

	session, err = h.service.Open(r.Context(), params)
	if err != nil {
		send <- errorMessage(err)
		shutdown()
		return
	}
	defer session.Close()

	views, cancel := session.Subscribe()
	go func() {
		defer close(updatesDone)
		for {
			select {
			case view, ok := <-views:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: "state", Payload: view}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if msg, ok := h.handle(r, session, inbound); ok {
			send <- msg
		}
	}

	close(closeSignals)
	cancel()
	<-updatesDone
	shutdown()
}

// handle applies one inbound message and returns the direct reply, if any.
func (h *WSHandler) handle(r *http.Request, session *app.Session, inbound inboundMessage) (outboundMessage, bool) {
	switch inbound.Type {
	case "select":
		var payload selectPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			return badRequest("invalid select payload"), true
		}
		if err := validate.Struct(payload); err != nil {
			return badRequest("optionId is required"), true
		}
		if err := session.Select(payload.OptionID); err != nil {
			return errorMessage(err), true
		}
	case "next":
		outcome, err := session.Next(r.Context())
		if err != nil {
			return errorMessage(err), true
		}
		if outcome == app.OutcomeFinished {
			if view := session.View(); view.Result != nil {
				return outboundMessage{Type: "result", Payload: view.Result}, true
			}
		}
	case "previous":
		if err := session.Previous(); err != nil {
			return errorMessage(err), true
		}
	case "reset":
		if err := session.Reset(r.Context()); err != nil {
			return errorMessage(err), true
		}
	case "ack":
		session.ConsumeCompletion()
	default:
		return badRequest("unsupported message type"), true
	}
	return outboundMessage{}, false
}

func badRequest(msg string) outboundMessage {
	return outboundMessage{Type: "error", Payload: errorPayload{Code: codeBadRequest, Message: msg}}
}

func errorMessage(err error) outboundMessage {
	return outboundMessage{Type: "error", Payload: errorPayload{Code: errorCode(err), Message: err.Error()}}
}

func errorCode(err error) string {
	var finishErr *domain.FinishError
	var resetErr *domain.ResetError
	switch {
	case errors.As(err, &finishErr):
		return codeFinishFailed
	case errors.As(err, &resetErr):
		return codeResetFailed
	case errors.Is(err, domain.ErrQuizNotFound), errors.Is(err, domain.ErrAttemptNotFound):
		return codeNotFound
	}
	return codeBadRequest
}
