package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/metrics"
	"github.com/bft-labs/niftysave/internal/ports"
)

type mockLogger struct{}

func (mockLogger) Debug(msg string, fields ...ports.Field) {}
func (mockLogger) Info(msg string, fields ...ports.Field)  {}
func (mockLogger) Warn(msg string, fields ...ports.Field)  {}
func (mockLogger) Error(msg string, fields ...ports.Field) {}

// stateLog records every state a Lifecycle moves through.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) OnStateChange(_, current State, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, current)
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

// lifecycleAt walks a fresh Lifecycle along allowed edges until it reaches s.
func lifecycleAt(t *testing.T, s State) *Lifecycle {
	t.Helper()
	paths := map[State][]State{
		StateStopped:  nil,
		StateStarting: {StateStarting},
		StateRunning:  {StateStarting, StateRunning},
		StateStopping: {StateStarting, StateRunning, StateStopping},
		StateCrashed:  {StateStarting, StateCrashed},
	}
	l := NewLifecycle(mockLogger{}, nil)
	for _, next := range paths[s] {
		require.NoError(t, l.TransitionTo(next, "setup"))
	}
	require.Equal(t, s, l.State())
	return l
}

func TestLifecycle_TransitionMatrix(t *testing.T) {
	states := []State{StateStopped, StateStarting, StateRunning, StateStopping, StateCrashed}
	for _, from := range states {
		for _, to := range states {
			l := lifecycleAt(t, from)
			err := l.TransitionTo(to, "test")

			if allowed(from, to) {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, l.State())
				continue
			}
			assert.Equal(t, from, l.State(), "%s -> %s moved the state", from, to)
			if from == StateStopped || from == StateCrashed {
				assert.ErrorIs(t, err, domain.ErrNotRunning, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, domain.ErrAlreadyRunning, "%s -> %s", from, to)
			}
		}
	}
}

func TestLifecycle_RejectedTransitionIsSilent(t *testing.T) {
	log := &stateLog{}
	l := NewLifecycle(mockLogger{}, log)

	require.Error(t, l.TransitionTo(StateRunning, "skip starting"))
	assert.Empty(t, log.snapshot())

	require.NoError(t, l.TransitionTo(StateStarting, "run"))
	assert.Equal(t, []State{StateStarting}, log.snapshot())
}

func TestLifecycle_StartStopGuards(t *testing.T) {
	tests := []struct {
		state    State
		canStart bool
		canStop  bool
	}{
		{StateStopped, true, false},
		{StateStarting, false, true},
		{StateRunning, false, true},
		{StateStopping, false, false},
		{StateCrashed, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			l := lifecycleAt(t, tt.state)
			assert.Equal(t, tt.canStart, l.CanStart())
			assert.Equal(t, tt.canStop, l.CanStop())
		})
	}
	assert.Equal(t, "Unknown", State(42).String())
}

func TestLifecycle_WaitWithTimeout(t *testing.T) {
	l := NewLifecycle(mockLogger{}, nil)
	assert.NoError(t, l.WaitWithTimeout(time.Millisecond), "nothing tracked")

	l.AddWorker()
	l.AddWorker()
	assert.ErrorIs(t, l.WaitWithTimeout(20*time.Millisecond), domain.ErrShutdownTimeout)

	l.WorkerDone()
	assert.ErrorIs(t, l.WaitWithTimeout(20*time.Millisecond), domain.ErrShutdownTimeout, "one loop still running")

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.WorkerDone()
	}()
	assert.NoError(t, l.WaitWithTimeout(time.Second))
}

func TestLifecycle_CancelReachesRunContext(t *testing.T) {
	l := NewLifecycle(mockLogger{}, nil)
	l.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	l.SetCancel(cancel)
	l.Cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestStateGauge(t *testing.T) {
	m := metrics.New()
	g := stateGauge{m}
	for _, s := range []State{StateStarting, StateRunning, StateStopping, StateCrashed, StateStopped} {
		g.OnStateChange(StateStopped, s, "test")
		assert.Equal(t, float64(s), testutil.ToFloat64(m.State), s.String())
	}

	assert.NotPanics(t, func() { stateGauge{}.OnStateChange(StateStopped, StateStarting, "no metrics") })
}

func newMeteredRunner(t *testing.T, h *harness, m *metrics.Metrics) *Runner {
	t.Helper()
	filler := newTestFiller(h, h.queue, FillerConfig{DomainStart: at(0), DomainEnd: at(300), SliceWidth: 100 * time.Second})
	r, err := NewRunner(RunnerConfig{
		FillSchedule:    "* * * * *",
		PurgeSchedule:   "* * * * *",
		HealthInterval:  10 * time.Millisecond,
		IdleBackoffMax:  20 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}, filler, newTestWorker(h, newMemSource(nil), 1000), newTestPurge(h, PurgeConfig{}),
		NewHealthReporter(HealthConfig{DomainStart: at(0)}, h.queue, h.store, h.cursors, h.clock, nil),
		h.clock, mockLogger{}, m)
	require.NoError(t, err)
	return r
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunner_LifecycleGauge(t *testing.T) {
	h := newHarness(t)
	m := metrics.New()
	r := newMeteredRunner(t, h, m)
	gauge := func() State { return State(testutil.ToFloat64(m.State)) }

	assert.Equal(t, StateStopped, r.State())

	// Two full Run/Stop cycles: Stopped is a valid starting point again.
	for i := 0; i < 2; i++ {
		done := make(chan error, 1)
		go func() { done <- r.Run(context.Background()) }()

		require.Eventually(t, func() bool { return gauge() == StateRunning }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, StateRunning, r.State())

		require.NoError(t, r.Stop())
		require.NoError(t, waitRun(t, done))
		assert.Equal(t, StateStopped, r.State())
		assert.Equal(t, StateStopped, gauge())
		assert.ErrorIs(t, r.Stop(), domain.ErrNotRunning)
	}
}

func TestRunner_RunRecordsStateSequence(t *testing.T) {
	h := newHarness(t)
	r := newMeteredRunner(t, h, nil)
	log := &stateLog{}
	r.lifecycle = NewLifecycle(mockLogger{}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, log.snapshot())
}

func TestRunner_RestartsAfterCrash(t *testing.T) {
	h := newHarness(t)
	r := newMeteredRunner(t, h, nil)
	r.lifecycle = lifecycleAt(t, StateCrashed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, StateStopped, r.State())
}
