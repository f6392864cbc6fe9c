package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/internal/domain"
	"taskrelay/internal/inspect"
	"taskrelay/internal/status"
)

type submitCall struct {
	name string
	args []any
}

type fakeSubmitter struct {
	calls []submitCall
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, name string, args ...any) (domain.TaskHandle, error) {
	if f.err != nil {
		return domain.TaskHandle{}, f.err
	}
	f.calls = append(f.calls, submitCall{name: name, args: args})
	return domain.TaskHandle{ID: "task-123", Name: name}, nil
}

type fakeStatus struct {
	view status.View
	err  error
}

func (f fakeStatus) Resolve(_ context.Context, id string) (status.View, error) {
	if f.err != nil {
		return status.View{}, f.err
	}
	v := f.view
	v.TaskID = id
	return v, nil
}

type fakeFleet struct{ fleet inspect.Fleet }

func (f fakeFleet) ListActiveWorkers(context.Context) inspect.Fleet { return f.fleet }

func newTestServer(sub *fakeSubmitter, st fakeStatus, fl fakeFleet, connected bool) http.Handler {
	return NewServer(Deps{
		Submitter: sub,
		Status:    st,
		Fleet:     fl,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("taskrelay_up 1\n"))
		}),
		BrokerURL: "redis://:***@localhost:6379/0",
		Connected: func() bool { return connected },
		Tasks:     func() []string { return []string{"tasks.add", "tasks.multiply"} },
		Version:   "1.2.3",
		Logger:    zerolog.Nop(),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("content-type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestSubmitAdd(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newTestServer(sub, fakeStatus{}, fakeFleet{}, true)

	rec, body := do(t, h, http.MethodPost, "/tasks/add", `{"x":2,"y":3}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	data := body["data"].(map[string]any)
	assert.Equal(t, "task-123", data["task_id"])
	assert.EqualValues(t, 2, data["x"])
	assert.NotEmpty(t, body["message"])

	require.Len(t, sub.calls, 1)
	assert.Equal(t, "tasks.add", sub.calls[0].name)
	assert.Equal(t, []any{2, 3}, sub.calls[0].args)
}

func TestSubmitArithRequiresBothOperands(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newTestServer(sub, fakeStatus{}, fakeFleet{}, true)

	rec, _ := do(t, h, http.MethodPost, "/tasks/multiply", `{"x":2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, sub.calls)
}

func TestSubmitEmail(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newTestServer(sub, fakeStatus{}, fakeFleet{}, true)

	rec, body := do(t, h, http.MethodPost, "/tasks/send-email", `{"to":"a@b.c","subject":"hi","body":"text"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "a@b.c", body["data"].(map[string]any)["to"])
	require.Len(t, sub.calls, 1)
	assert.Equal(t, "tasks.send_email_task", sub.calls[0].name)
	assert.Equal(t, []any{"a@b.c", "hi", "text"}, sub.calls[0].args)
}

func TestSubmitGenericNormalizesNumbers(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newTestServer(sub, fakeStatus{}, fakeFleet{}, true)

	rec, _ := do(t, h, http.MethodPost, "/api/tasks", `{"name":"tasks.add","args":[2, 3.5, {"n": 4}]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sub.calls, 1)
	assert.Equal(t, []any{int64(2), 3.5, map[string]any{"n": int64(4)}}, sub.calls[0].args)
}

func TestSubmitErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"unknown task", &domain.UnknownTaskError{Name: "tasks.nope"}, http.StatusNotFound, "unknown_task"},
		{"bad arguments", &domain.ArgumentError{Task: "tasks.add", Index: -1, Reason: "takes 2 arguments, got 1"}, http.StatusBadRequest, "bad_arguments"},
		{"broker down", &domain.BrokerUnavailableError{Op: "enqueue"}, http.StatusServiceUnavailable, "broker_unavailable"},
		{"other", assert.AnError, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeSubmitter{err: tt.err}, fakeStatus{}, fakeFleet{}, true)
			rec, body := do(t, h, http.MethodPost, "/api/tasks", `{"name":"tasks.add","args":[1]}`)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotContains(t, body, "data")
		})
	}
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	h := newTestServer(&fakeSubmitter{}, fakeStatus{}, fakeFleet{}, true)

	rec, _ := do(t, h, http.MethodPost, "/api/tasks", `{"name":"tasks.add","args":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/tasks", `{"name":"tasks.add","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/tasks", `{"args":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskStates(t *testing.T) {
	tests := []struct {
		name  string
		view  status.View
		check func(t *testing.T, body map[string]any)
	}{
		{"pending", status.View{State: domain.StatePending}, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "PENDING", body["state"])
			assert.Contains(t, body["status"], "pending")
		}},
		{"progress", status.View{State: domain.StateProgress, Payload: domain.Progress{Current: 1, Total: 3}}, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "PROGRESS", body["state"])
			assert.EqualValues(t, 1, body["current"])
			assert.EqualValues(t, 3, body["total"])
		}},
		{"success", status.View{State: domain.StateSuccess, Payload: domain.Result{Value: 5}}, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "SUCCESS", body["state"])
			assert.EqualValues(t, 5, body["result"])
		}},
		{"failure", status.View{State: domain.StateFailure, Payload: domain.ErrorInfo{Kind: domain.KindHandlerError, Summary: "boom"}}, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "FAILURE", body["state"])
			assert.Equal(t, "boom", body["error"])
			assert.Equal(t, "handler_error", body["error_kind"])
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeSubmitter{}, fakeStatus{view: tt.view}, fakeFleet{}, true)
			for _, path := range []string{"/tasks/abc", "/api/tasks/abc"} {
				rec, body := do(t, h, http.MethodGet, path, "")
				require.Equal(t, http.StatusOK, rec.Code)
				assert.Equal(t, "abc", body["task_id"])
				tt.check(t, body)
			}
		})
	}
}

func TestGetTaskBrokerDown(t *testing.T) {
	h := newTestServer(&fakeSubmitter{}, fakeStatus{err: &domain.BrokerUnavailableError{Op: "load result"}}, fakeFleet{}, false)
	rec, _ := do(t, h, http.MethodGet, "/tasks/abc", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIndex(t *testing.T) {
	h := newTestServer(&fakeSubmitter{}, fakeStatus{}, fakeFleet{}, true)

	rec, body := do(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "taskrelay", body["message"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.NotEmpty(t, body["description"])
}

func TestHealth(t *testing.T) {
	fleet := inspect.Fleet{Workers: map[string][]string{"worker@b": nil, "worker@a": {"t1"}}}
	h := newTestServer(&fakeSubmitter{}, fakeStatus{}, fakeFleet{fleet: fleet}, true)

	rec, body := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 2, body["workers"])
	assert.Equal(t, []any{"worker@a", "worker@b"}, body["active_workers"])

	b := body["broker"].(map[string]any)
	assert.Equal(t, "redis://:***@localhost:6379/0", b["url"])
	assert.Equal(t, true, b["connected"])
}

func TestHealthDegraded(t *testing.T) {
	fleet := inspect.Fleet{Workers: map[string][]string{}, Degraded: true, Reason: "connection refused"}
	h := newTestServer(&fakeSubmitter{}, fakeStatus{}, fakeFleet{fleet: fleet}, false)

	rec, body := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["error"])
	assert.EqualValues(t, 0, body["workers"])
}

func TestMetricsAndTaskList(t *testing.T) {
	h := newTestServer(&fakeSubmitter{}, fakeStatus{}, fakeFleet{}, true)

	rec, _ := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskrelay_up 1")

	rec, body := do(t, h, http.MethodGet, "/api/tasks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"tasks.add", "tasks.multiply"}, body["tasks"])
}
