package handlers

import (
	"encoding/json"

	"github.com/taskflow/broker/internal/router"
)

// echoPayload is the expected JSON structure in the task payload.
type echoPayload struct {
	Message string `json:"message"`
}

// EchoHandler returns the payload's "message" field as the result. It exists to give
// the worked lifecycle examples (submit → complete) a handler with no
// external dependency, so they exercise the dispatcher loop, the rate
// limiter, and the state machine without needing a live downstream service.
type EchoHandler struct{}

func NewEchoHandler() *EchoHandler { return &EchoHandler{} }

func (h *EchoHandler) TaskType() string { return "echo" }

func (h *EchoHandler) Handle(ctx *Context, payload []byte) (Result, *router.HandlerError) {
	var p echoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Result{}, &router.HandlerError{Class: router.ClassPermanent, Message: "invalid echo payload: " + err.Error()}
	}
	return Result{Data: []byte(p.Message)}, nil
}
