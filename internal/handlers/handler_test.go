package handlers_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/handlers"
	"github.com/taskflow/broker/internal/router"
)

// stub is a minimal Handler implementation for registry tests.
type stub struct{ taskType string }

func (s *stub) TaskType() string { return s.taskType }
func (s *stub) Handle(_ *handlers.Context, _ []byte) (handlers.Result, *router.HandlerError) {
	return handlers.Result{}, nil
}

func TestRegistry_Get_KnownType(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register(&stub{taskType: "email"})

	h, err := reg.Get("email")
	require.NoError(t, err)
	assert.Equal(t, "email", h.TaskType())
}

func TestRegistry_Get_UnknownType(t *testing.T) {
	reg := handlers.NewRegistry()

	_, err := reg.Get("sms")
	require.Error(t, err)

	var invalidType *domain.InvalidTaskTypeError
	assert.True(t, errors.As(err, &invalidType),
		"expected InvalidTaskTypeError, got %T", err)
	assert.Equal(t, "sms", invalidType.TaskType)
}

func TestRegistry_Register_Overwrites(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register(&stub{taskType: "email"})
	reg.Register(&stub{taskType: "email"}) // second registration — should replace

	h, err := reg.Get("email")
	require.NoError(t, err)
	assert.Equal(t, "email", h.TaskType())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register(&stub{taskType: "email"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); reg.Register(&stub{taskType: "webhook"}) }()
		go func() { defer wg.Done(); _, _ = reg.Get("email") }()
	}
	wg.Wait()
}

func TestEchoHandler_ReturnsMessageVerbatim(t *testing.T) {
	h := handlers.NewEchoHandler()
	result, herr := h.Handle(nil, []byte(`{"message":"hello"}`))
	require.Nil(t, herr)
	assert.Equal(t, "hello", string(result.Data))
}

func TestEchoHandler_InvalidPayloadIsPermanent(t *testing.T) {
	h := handlers.NewEchoHandler()
	_, herr := h.Handle(nil, []byte(`not json`))
	require.NotNil(t, herr)
	assert.Equal(t, router.ClassPermanent, herr.Class)
}
