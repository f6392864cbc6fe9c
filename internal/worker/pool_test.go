package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/internal/broker"
	"taskrelay/internal/codec"
	"taskrelay/internal/dispatch"
	"taskrelay/internal/domain"
	"taskrelay/internal/handlers/arith"
	"taskrelay/internal/queue"
	"taskrelay/internal/registry"
	"taskrelay/internal/results"
)

type staticSource struct{ b broker.Broker }

func (s staticSource) Broker() (broker.Broker, error) { return s.b, nil }

// outageSource reports the broker unavailable for its first down calls.
type outageSource struct {
	b    broker.Broker
	mu   sync.Mutex
	down int
}

func (s *outageSource) Broker() (broker.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down > 0 {
		s.down--
		return nil, &domain.BrokerUnavailableError{Op: "broker", Err: broker.ErrNotConnected}
	}
	return s.b, nil
}

type harness struct {
	pool       *Pool
	broker     broker.Broker
	codec      codec.Codec
	store      *results.Store
	dispatcher *dispatch.Dispatcher
	reg        *registry.Registry
	release    chan struct{}
	gate       chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b, err := queue.Dial(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	c, err := codec.New(codec.JSON)
	require.NoError(t, err)
	src := staticSource{b: b}

	prev := arith.MultiplyDelay
	arith.MultiplyDelay = 300 * time.Millisecond
	t.Cleanup(func() { arith.MultiplyDelay = prev })

	h := &harness{
		broker:  b,
		codec:   c,
		release: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	reg := registry.New(registry.DefaultLimits())
	require.NoError(t, arith.Register(reg))
	reg.MustRegister(registry.Definition{
		Name: "test.raise",
		Handler: registry.Func1(func(_ context.Context, msg string) (any, error) {
			return nil, errors.New(msg)
		}),
	})
	reg.MustRegister(registry.Definition{
		Name: "test.panic",
		Handler: registry.Func0(func(context.Context) (int, error) {
			panic("kaboom")
		}),
	})
	reg.MustRegister(registry.Definition{
		Name:      "test.soft",
		SoftLimit: 50 * time.Millisecond,
		HardLimit: 5 * time.Second,
		Handler: registry.Func0(func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", context.Cause(ctx)
		}),
	})
	reg.MustRegister(registry.Definition{
		Name:      "test.hard",
		SoftLimit: 20 * time.Millisecond,
		HardLimit: 100 * time.Millisecond,
		Handler: registry.Func0(func(context.Context) (string, error) {
			<-h.release
			return "too late", nil
		}),
	})
	reg.MustRegister(registry.Definition{
		Name:            "test.progress",
		ReportsProgress: true,
		Handler: registry.Func0(func(ctx context.Context) (int, error) {
			if err := registry.ReportProgress(ctx, 1, 2); err != nil {
				return 0, err
			}
			<-h.gate
			return 2, nil
		}),
	})
	reg.MustRegister(registry.Definition{
		Name: "test.chan",
		Handler: registry.Func0(func(context.Context) (chan int, error) {
			return make(chan int), nil
		}),
	})
	t.Cleanup(func() { close(h.release) })

	h.store = results.NewStore(src, c, time.Hour)
	h.dispatcher = dispatch.New(src, reg, c, nil, zerolog.Nop())
	h.pool = NewPool(src, reg, c, h.store, nil, Config{
		ID:                 "worker@test",
		Concurrency:        4,
		PollInterval:       20 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		FinalizeBackoff:    5 * time.Millisecond,
		FinalizeMaxBackoff: 20 * time.Millisecond,
	}, zerolog.Nop())
	h.reg = reg
	return h
}

// poolOn builds a second pool sharing the harness registry but reading the
// broker through src.
func (h *harness) poolOn(src broker.Source) (*Pool, *results.Store) {
	store := results.NewStore(src, h.codec, time.Hour)
	return NewPool(src, h.reg, h.codec, store, nil, Config{
		ID:                 "worker@outage",
		FinalizeBackoff:    5 * time.Millisecond,
		FinalizeMaxBackoff: 20 * time.Millisecond,
	}, zerolog.Nop()), store
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) submit(t *testing.T, name string, args ...any) string {
	t.Helper()
	th, err := h.dispatcher.Submit(context.Background(), name, args...)
	require.NoError(t, err)
	return th.ID
}

func (h *harness) waitState(t *testing.T, id string, state domain.State) domain.ResultRecord {
	t.Helper()
	var rec domain.ResultRecord
	require.Eventually(t, func() bool {
		r, found, err := h.store.Get(context.Background(), id)
		if err != nil || !found {
			return false
		}
		rec = r
		return r.State == state
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, state)
	return rec
}

func (h *harness) waitFailure(t *testing.T, id string) domain.ErrorInfo {
	t.Helper()
	rec := h.waitState(t, id, domain.StateFailure)
	info, ok := rec.Payload.(domain.ErrorInfo)
	require.True(t, ok, "payload %T", rec.Payload)
	assert.NotEmpty(t, info.Summary)
	return info
}

func TestAddSucceeds(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	id := h.submit(t, arith.AddName, 2, 3)
	rec := h.waitState(t, id, domain.StateSuccess)
	assert.EqualValues(t, 5, rec.Payload.(domain.Result).Value)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.FinishedAt)
	assert.False(t, rec.FinishedAt.Before(*rec.StartedAt))
}

func TestAddKeepsLargeIntegersExact(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	const big = int64(1<<53 + 1)
	rec := h.waitState(t, h.submit(t, arith.AddName, big, int64(0)), domain.StateSuccess)
	assert.Equal(t, big, rec.Payload.(domain.Result).Value)
}

func TestSlowMultiplyIsNotDoneEarly(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	id := h.submit(t, arith.MultiplyName, 3, 4)
	rec, found, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	if found {
		assert.NotEqual(t, domain.StateSuccess, rec.State)
	}

	rec = h.waitState(t, id, domain.StateSuccess)
	assert.EqualValues(t, 12, rec.Payload.(domain.Result).Value)
}

func TestHandlerErrorIsFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	info := h.waitFailure(t, h.submit(t, "test.raise", "invalid recipient"))
	assert.Equal(t, domain.KindHandlerError, info.Kind)
	assert.Equal(t, "invalid recipient", info.Summary)
}

func TestPanicIsFailureAndWorkerContinues(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	info := h.waitFailure(t, h.submit(t, "test.panic"))
	assert.Equal(t, domain.KindPanic, info.Kind)
	assert.Contains(t, info.Summary, "kaboom")

	rec := h.waitState(t, h.submit(t, arith.AddName, 1, 1), domain.StateSuccess)
	assert.EqualValues(t, 2, rec.Payload.(domain.Result).Value)
}

func TestSoftTimeLimit(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	info := h.waitFailure(t, h.submit(t, "test.soft"))
	assert.Equal(t, domain.KindSoftTimeLimit, info.Kind)
}

func TestHardTimeLimitIgnoresUncooperativeHandler(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	start := time.Now()
	info := h.waitFailure(t, h.submit(t, "test.hard"))
	assert.Equal(t, domain.KindTimeLimit, info.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProgressIsVisible(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	id := h.submit(t, "test.progress")
	require.Eventually(t, func() bool {
		r, found, err := h.store.Get(context.Background(), id)
		return err == nil && found && r.Payload == domain.Progress{Current: 1, Total: 2}
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		hbs, err := h.broker.Heartbeats(context.Background())
		if err != nil || len(hbs) != 1 {
			return false
		}
		return hbs[0].WorkerID == "worker@test" && len(hbs[0].ActiveTaskIDs) == 1 && hbs[0].ActiveTaskIDs[0] == id
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{id}, h.pool.ActiveTasks())

	close(h.gate)
	rec := h.waitState(t, id, domain.StateSuccess)
	assert.EqualValues(t, 2, rec.Payload.(domain.Result).Value)
	assert.Eventually(t, func() bool { return len(h.pool.ActiveTasks()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestUnserializableResultIsFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	info := h.waitFailure(t, h.submit(t, "test.chan"))
	assert.Equal(t, domain.KindHandlerError, info.Kind)
	assert.Contains(t, info.Summary, "not serializable")
}

func TestMalformedMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	enqueue := func(msg domain.Message) {
		body, err := h.codec.Marshal(msg)
		require.NoError(t, err)
		require.NoError(t, h.broker.Enqueue(ctx, body))
	}
	require.NoError(t, h.broker.Enqueue(ctx, []byte("{not json")))
	enqueue(domain.Message{ID: "unknown-1", Task: "tasks.nope", Args: []any{}})
	enqueue(domain.Message{ID: "badargs-1", Task: arith.AddName, Args: []any{1}})
	h.start(t)

	assert.Equal(t, domain.KindUnknownTask, h.waitFailure(t, "unknown-1").Kind)
	assert.Equal(t, domain.KindBadArguments, h.waitFailure(t, "badargs-1").Kind)
}

func TestSecondTerminalWriteIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := domain.Message{ID: "dup-1", Task: arith.AddName}
	started := time.Now()

	h.pool.finish(ctx, h.pool.log, msg, started, time.Second, 5, nil)
	h.pool.finish(ctx, h.pool.log, msg, started, time.Second, nil, errors.New("late failure"))

	rec, found, err := h.store.Get(ctx, "dup-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.StateSuccess, rec.State)
	assert.EqualValues(t, 5, rec.Payload.(domain.Result).Value)
}

func TestResultWriteSurvivesBrokerOutage(t *testing.T) {
	h := newHarness(t)
	src := &outageSource{b: h.broker, down: 3}
	p, store := h.poolOn(src)
	ctx := context.Background()

	msg := domain.Message{ID: "outage-1", Task: arith.AddName}
	p.finish(ctx, p.log, msg, time.Now(), 5*time.Second, 5, nil)

	rec, found, err := store.Get(ctx, "outage-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.StateSuccess, rec.State)
	assert.EqualValues(t, 5, rec.Payload.(domain.Result).Value)
	assert.Zero(t, src.down)
}

func TestResultWriteGivesUpAfterWait(t *testing.T) {
	h := newHarness(t)
	src := &outageSource{b: h.broker, down: 1 << 30}
	p, _ := h.poolOn(src)

	start := time.Now()
	p.finish(context.Background(), p.log, domain.Message{ID: "outage-2", Task: arith.AddName}, start, 100*time.Millisecond, 5, nil)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, found, err := results.NewStore(staticSource{b: h.broker}, h.codec, time.Hour).Get(context.Background(), "outage-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.pool.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestFailureInfo(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{"unknown", &domain.UnknownTaskError{Name: "x"}, domain.KindUnknownTask},
		{"arguments", &domain.ArgumentError{Task: "x", Index: 0, Reason: "want int"}, domain.KindBadArguments},
		{"soft", &domain.TaskTimeoutError{Limit: time.Second}, domain.KindSoftTimeLimit},
		{"hard", &domain.TaskTimeoutError{Limit: time.Second, Hard: true}, domain.KindTimeLimit},
		{"panic", &domain.HandlerExecutionError{Task: "x", Err: errors.New("nil map"), Panic: true}, domain.KindPanic},
		{"handler", &domain.HandlerExecutionError{Task: "x", Err: errors.New("boom")}, domain.KindHandlerError},
		{"empty message", &domain.HandlerExecutionError{Task: "x", Err: errors.New("")}, domain.KindHandlerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := failureInfo(tt.err)
			assert.Equal(t, tt.kind, info.Kind)
			assert.NotEmpty(t, info.Summary)
		})
	}
}

func TestDefaultID(t *testing.T) {
	id := DefaultID()
	assert.Regexp(t, `^worker@.+-[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, DefaultID())
}
