//go:build integration

// Package integration contains end-to-end integration tests that require
// real infrastructure (Redis, PostgreSQL) provided by testcontainers-go.
//
// Run with: go test -tags=integration -v ./tests/integration/
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/broker/internal/audit"
	"github.com/taskflow/broker/internal/dispatcher"
	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/eventbus"
	"github.com/taskflow/broker/internal/eventbus/stream"
	"github.com/taskflow/broker/internal/handlers"
	"github.com/taskflow/broker/internal/ingress"
	"github.com/taskflow/broker/internal/ingress/httpapi"
	"github.com/taskflow/broker/internal/task"
)

// TestE2E_SubmitThroughHTTPAndLiveEventStream exercises the ingress
// contract's full HTTP surface against real Redis/Postgres, and confirms a
// submitted task's creation is observable over the /ws live event stream —
// the path a dashboard client would take, simulating the roles of the
// api-gateway binary and a connected browser.
func TestE2E_SubmitThroughHTTPAndLiveEventStream(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	tasks := task.New(s)
	pool := newPool(t)
	mirror := audit.New(pool)

	reg := handlers.NewRegistry()
	reg.Register(handlers.NewEchoHandler())
	events := eventbus.New(s.Standard, testLogger())

	svc := ingress.New(tasks, mirror, reg, s, events, ingress.Config{
		RetryWarnDepth: dispatcher.DefaultConfig().RetryWarnDepth,
		RetryCritDepth: dispatcher.DefaultConfig().RetryCritDepth,
	}, testLogger())

	streamMgr := stream.New(s.Standard, testLogger())
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go streamMgr.Run(runCtx)

	handler := httpapi.New(svc, streamMgr, testLogger())
	router := chi.NewRouter()
	handler.Routes(router)
	httpSrv := httptest.NewServer(router)
	defer httpSrv.Close()

	wsURL := "ws" + httpSrv.URL[len("http"):] + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(100 * time.Millisecond) // let AddClient register before publishing

	body, err := json.Marshal(map[string]any{
		"type":    "echo",
		"payload": map[string]string{"message": "hello"},
	})
	require.NoError(t, err)

	resp, err := http.Post(httpSrv.URL+"/api/v1/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitResp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitResp))
	require.NotEmpty(t, submitResp.TaskID)

	getResp, err := http.Get(httpSrv.URL + "/api/v1/tasks/" + submitResp.TaskID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err, "expected a task_created event over the websocket")

	var evt struct {
		Type   string `json:"type"`
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(msg, &evt))
	assert.Equal(t, "task_created", evt.Type)
	assert.Equal(t, submitResp.TaskID, evt.TaskID)
}

// TestE2E_RetryAndDLQLifecycle drives a task through the dispatcher's failure
// path end-to-end: an unknown task type is immediately dead-lettered, and
// the ingress contract's retry() operation recovers it back to PENDING.
func TestE2E_RetryAndDLQLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	tasks := task.New(s)
	mirror := audit.New(newPool(t))
	reg := handlers.NewRegistry()
	reg.Register(handlers.NewEchoHandler())
	events := eventbus.New(s.Standard, testLogger())

	svc := ingress.New(tasks, mirror, reg, s, events, ingress.DefaultConfig(), testLogger())

	cfg := dispatcher.DefaultConfig()
	cfg.Concurrency = 1
	cfg.PopTimeout = 200 * time.Millisecond
	disp, _ := newDispatcher(t, cfg)

	// Bypass Submit's own validation to create a record with no handler,
	// mirroring a task whose handler was deregistered after submission.
	tk := makeTask("vanished-handler")
	created, err := tasks.Create(ctx, tk)
	require.NoError(t, err)
	require.True(t, created)

	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	disp.Run(runCtx)

	got, err := svc.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDLQ, got.State)

	require.NoError(t, svc.Retry(ctx, tk.ID))

	got, err = svc.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)

	depth, err := tasks.QueueDepth(ctx, task.QueueRetry, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
