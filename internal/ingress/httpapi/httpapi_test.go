package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/taskflow/broker/internal/domain"
)

func TestWriteServiceError_MapsTaxonomyToStatus(t *testing.T) {
	h := New(nil, nil, nil)
	cases := []struct {
		err  error
		want int
	}{
		{&domain.TaskNotFoundError{TaskID: "t1"}, 404},
		{&domain.ConflictError{TaskID: "t1", Reason: "bad state"}, 409},
		{&domain.AlreadyExistsError{TaskID: "t1"}, 409},
		{&domain.ValidationError{Field: "type", Reason: "required"}, 400},
		{&domain.RateLimitTimeoutError{Tokens: 1, Timeout: "30s"}, 503},
		{&domain.DependencyMissingError{Dependency: "audit mirror"}, 503},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.writeServiceError(rec, tc.err)
		if rec.Code != tc.want {
			t.Errorf("writeServiceError(%T) status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}
