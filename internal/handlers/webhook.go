package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskflow/broker/internal/router"
)

// webhookPayload is the expected JSON structure in the task payload.
type webhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// WebhookHandler makes an outbound HTTP call through the provider breaker and
// rate limiter, classifying the response into the retry/DLQ taxonomy.
type WebhookHandler struct {
	client *http.Client
}

func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{client: &http.Client{Timeout: 15 * time.Second}}
}

func (h *WebhookHandler) TaskType() string { return "webhook" }

func (h *WebhookHandler) Handle(ctx *Context, payload []byte) (Result, *router.HandlerError) {
	tctx, span := otel.Tracer("worker").Start(ctx, "handler.webhook")
	defer span.End()

	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return Result{}, &router.HandlerError{Class: router.ClassPermanent, Message: "invalid webhook payload: " + err.Error()}
	}
	if p.URL == "" {
		err := errors.New("webhook payload missing required field 'url'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return Result{}, &router.HandlerError{Class: router.ClassPermanent, Message: err.Error()}
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("webhook.url", p.URL),
		attribute.String("webhook.method", p.Method),
	)

	var statusCode int
	var respBody []byte
	callErr := ctx.CallProvider(1, func() error {
		var bodyReader io.Reader
		if p.Body != "" {
			bodyReader = strings.NewReader(p.Body)
		}
		req, err := http.NewRequestWithContext(tctx, p.Method, p.URL, bodyReader)
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook call to %s: %w", p.URL, err)
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode
		respBody, _ = io.ReadAll(resp.Body)
		if statusCode >= http.StatusBadRequest {
			return fmt.Errorf("webhook %s returned status %d", p.URL, statusCode)
		}
		return nil
	})
	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, "webhook call failed")
		if he, ok := callErr.(*router.HandlerError); ok {
			return Result{}, he
		}
		class := router.ClassifyError(statusCode, "network_error")
		return Result{}, &router.HandlerError{Class: class, StatusCode: statusCode, Message: callErr.Error()}
	}

	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	return Result{Data: respBody}, nil
}
