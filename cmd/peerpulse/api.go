package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/peerpulse/peerpulse/review"
)

// API subjects. Platform gateways (Telegram, Slack, web) call these over
// NATS request/reply; replies are JSON envelopes.
const (
	subjectStart    = "peerpulse.review.start"
	subjectResume   = "peerpulse.review.resume"
	subjectTemplate = "peerpulse.review.template"
	subjectAnswer   = "peerpulse.review.answer"
	subjectConfirm  = "peerpulse.review.confirm"
	subjectCancel   = "peerpulse.review.cancel"

	apiQueueGroup = "peerpulse-api"

	// handlerTimeout caps one request end to end. Wider than the
	// interactive budget so the machine, not the transport, decides
	// when to downgrade.
	handlerTimeout = 30 * time.Second
)

type startRequest struct {
	UserID   string `json:"user_id"`
	ReviewID string `json:"review_id"`
	Kind     string `json:"kind"`
	Platform string `json:"platform"`
	UserRef  string `json:"user_ref"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type answerRequest struct {
	SessionID  string `json:"session_id"`
	Competency string `json:"competency"`
	Text       string `json:"text"`
}

type apiReply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// api exposes the review machine over NATS request/reply.
type api struct {
	nc      *nats.Conn
	machine *review.Machine
	logger  *slog.Logger

	subs []*nats.Subscription
}

func newAPI(nc *nats.Conn, machine *review.Machine, logger *slog.Logger) *api {
	if logger == nil {
		logger = slog.Default()
	}
	return &api{nc: nc, machine: machine, logger: logger}
}

// Start subscribes all handlers in one queue group, so multiple serve
// instances share the load.
func (a *api) Start() error {
	handlers := map[string]nats.MsgHandler{
		subjectStart:    a.handleStart,
		subjectResume:   a.handleResume,
		subjectTemplate: a.handleTemplate,
		subjectAnswer:   a.handleAnswer,
		subjectConfirm:  a.handleConfirm,
		subjectCancel:   a.handleCancel,
	}

	for subject, handler := range handlers {
		sub, err := a.nc.QueueSubscribe(subject, apiQueueGroup, handler)
		if err != nil {
			a.Stop()
			return err
		}
		a.subs = append(a.subs, sub)
	}

	a.logger.Info("Review API listening", "subjects", len(a.subs))
	return nil
}

// Stop drains the subscriptions.
func (a *api) Stop() {
	for _, sub := range a.subs {
		_ = sub.Drain()
	}
	a.subs = nil
}

func (a *api) handleStart(msg *nats.Msg) {
	var req startRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.respondErr(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	session, err := a.machine.Start(ctx, req.UserID, req.ReviewID, review.Kind(req.Kind), req.Platform, req.UserRef)
	if err != nil {
		a.respondErr(msg, err)
		return
	}
	a.respondOK(msg, session)
}

func (a *api) handleResume(msg *nats.Msg) {
	var req startRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.respondErr(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	session, err := a.machine.Resume(ctx, req.UserID, req.ReviewID)
	if err != nil {
		a.respondErr(msg, err)
		return
	}
	a.respondOK(msg, session)
}

func (a *api) handleTemplate(msg *nats.Msg) {
	var req sessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.respondErr(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	resp, err := a.machine.SuggestTemplate(ctx, req.SessionID)
	if err != nil {
		a.respondErr(msg, err)
		return
	}
	a.respondOK(msg, resp)
}

func (a *api) handleAnswer(msg *nats.Msg) {
	var req answerRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.respondErr(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	result, err := a.machine.SubmitAnswer(ctx, req.SessionID, req.Competency, req.Text)
	if err != nil {
		a.respondErr(msg, err)
		return
	}
	a.respondOK(msg, result)
}

func (a *api) handleConfirm(msg *nats.Msg) {
	var req sessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.respondErr(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	outcome, err := a.machine.Confirm(ctx, req.SessionID)
	if err != nil {
		a.respondErr(msg, err)
		return
	}
	a.respondOK(msg, outcome)
}

func (a *api) handleCancel(msg *nats.Msg) {
	var req sessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.respondErr(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := a.machine.Cancel(ctx, req.SessionID); err != nil {
		a.respondErr(msg, err)
		return
	}
	a.respondOK(msg, map[string]string{"status": "cancelled"})
}

func (a *api) respondOK(msg *nats.Msg, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		a.respondErr(msg, err)
		return
	}
	a.respond(msg, apiReply{OK: true, Data: raw})
}

// respondErr maps machine errors to stable codes so gateways can branch
// without parsing messages.
func (a *api) respondErr(msg *nats.Msg, err error) {
	code := "internal"
	switch {
	case errors.Is(err, review.ErrSessionNotFound):
		code = "not_found"
	case errors.Is(err, review.ErrSessionAlreadyActive):
		code = "already_active"
	case errors.Is(err, review.ErrOutOfOrderStep):
		code = "out_of_order"
	case errors.Is(err, review.ErrSessionTerminal):
		code = "terminal"
	case errors.Is(err, review.ErrInvalidState):
		code = "invalid_state"
	}

	a.respond(msg, apiReply{OK: false, Error: err.Error(), Code: code})
}

func (a *api) respond(msg *nats.Msg, reply apiReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		a.logger.Error("Failed to marshal API reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		a.logger.Warn("Failed to respond", "subject", msg.Subject, "error", err)
	}
}
