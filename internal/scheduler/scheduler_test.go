package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type staticTasks struct {
	mu   sync.Mutex
	defs []types.TaskDefinition
}

func (s *staticTasks) List() []types.TaskDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.TaskDefinition(nil), s.defs...)
}

func (s *staticTasks) add(def types.TaskDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append(s.defs, def)
}

// triggerLog records trigger calls and can fail selected tasks
type triggerLog struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (l *triggerLog) trigger(ctx context.Context, name string) (types.JobID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
	if l.fail[name] {
		return "", errors.New("dispatcher closed")
	}
	return types.JobID(fmt.Sprintf("job-%08d", len(l.calls))), nil
}

func (l *triggerLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == name {
			n++
		}
	}
	return n
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func autoDef(name string, intervalSec int) types.TaskDefinition {
	return types.TaskDefinition{Name: name, Kind: types.KindShell, Command: "true", Auto: true, IntervalSec: intervalSec}
}

// ============================================================================
// Tests
// ============================================================================

func TestTickRespectsInterval(t *testing.T) {
	tasks := &staticTasks{defs: []types.TaskDefinition{autoDef("scan_market", 60)}}
	calls := &triggerLog{}
	s := New(tasks, calls.trigger, time.Second)
	ctx := context.Background()

	tests := []struct {
		offset time.Duration
		want   int
	}{
		{0, 1},                 // never run: fires
		{10 * time.Second, 1},  // 10s elapsed
		{59 * time.Second, 1},  // just under
		{60 * time.Second, 2},  // exactly the interval
		{90 * time.Second, 2},  // 30s since last
		{120 * time.Second, 3}, // interval again
	}
	for _, tt := range tests {
		s.Tick(ctx, t0.Add(tt.offset))
		assert.Equal(t, tt.want, calls.count("scan_market"), "at +%s", tt.offset)
	}

	last, ok := s.LastRun("scan_market")
	require.True(t, ok)
	assert.Equal(t, t0.Add(120*time.Second), last)
}

func TestTickSkipsNonAuto(t *testing.T) {
	manual := types.TaskDefinition{Name: "test_trade", Kind: types.KindShell, Command: "true"}
	tasks := &staticTasks{defs: []types.TaskDefinition{manual}}
	calls := &triggerLog{}
	s := New(tasks, calls.trigger, time.Second)

	for i := 0; i < 100; i++ {
		s.Tick(context.Background(), t0.Add(time.Duration(i)*time.Hour))
	}
	assert.Equal(t, 0, calls.count("test_trade"))
}

func TestTickDefaultInterval(t *testing.T) {
	tasks := &staticTasks{defs: []types.TaskDefinition{autoDef("hourly", 0)}}
	calls := &triggerLog{}
	s := New(tasks, calls.trigger, time.Second)

	s.Tick(context.Background(), t0)
	s.Tick(context.Background(), t0.Add(59*time.Minute))
	assert.Equal(t, 1, calls.count("hourly"))
	s.Tick(context.Background(), t0.Add(time.Hour))
	assert.Equal(t, 2, calls.count("hourly"))
}

func TestTickFailureContinuesAndRetries(t *testing.T) {
	tasks := &staticTasks{defs: []types.TaskDefinition{autoDef("broken", 60), autoDef("healthy", 60)}}
	calls := &triggerLog{fail: map[string]bool{"broken": true}}
	s := New(tasks, calls.trigger, time.Second)

	triggered := s.Tick(context.Background(), t0)
	assert.Equal(t, []string{"healthy"}, triggered)

	_, ok := s.LastRun("broken")
	assert.False(t, ok, "last run only advances on success")

	// the failed task is retried on the very next tick
	s.Tick(context.Background(), t0.Add(time.Second))
	assert.Equal(t, 2, calls.count("broken"))
	assert.Equal(t, 1, calls.count("healthy"))
}

func TestTickPicksUpNewTasks(t *testing.T) {
	tasks := &staticTasks{}
	calls := &triggerLog{}
	s := New(tasks, calls.trigger, time.Second)

	s.Tick(context.Background(), t0)
	tasks.add(autoDef("late_arrival", 60))
	s.Tick(context.Background(), t0.Add(time.Second))

	assert.Equal(t, 1, calls.count("late_arrival"))
}

func TestTickCancelled(t *testing.T) {
	tasks := &staticTasks{defs: []types.TaskDefinition{autoDef("a", 60), autoDef("b", 60)}}
	calls := &triggerLog{}
	s := New(tasks, calls.trigger, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, s.Tick(ctx, t0))
}

type fakeObserver struct {
	mu     sync.Mutex
	ok     int
	failed int
}

func (o *fakeObserver) SchedulerTriggered(task string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failed++
	} else {
		o.ok++
	}
}

func TestObserver(t *testing.T) {
	tasks := &staticTasks{defs: []types.TaskDefinition{autoDef("broken", 60), autoDef("healthy", 60)}}
	calls := &triggerLog{fail: map[string]bool{"broken": true}}
	obs := &fakeObserver{}
	s := New(tasks, calls.trigger, time.Second, WithObserver(obs))

	s.Tick(context.Background(), t0)
	assert.Equal(t, 1, obs.ok)
	assert.Equal(t, 1, obs.failed)
}

func TestRunFiresImmediatelyAndStops(t *testing.T) {
	tasks := &staticTasks{defs: []types.TaskDefinition{autoDef("scan_market", 3600)}}
	calls := &triggerLog{}
	s := New(tasks, calls.trigger, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.count("scan_market") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, calls.count("scan_market"), "interval not yet elapsed")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunUsesInjectedClock(t *testing.T) {
	var mu sync.Mutex
	now := t0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute) // each tick fast-forwards one minute
		return now
	}

	tasks := &staticTasks{defs: []types.TaskDefinition{autoDef("scan_market", 60)}}
	calls := &triggerLog{}
	s := New(tasks, calls.trigger, 5*time.Millisecond, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return calls.count("scan_market") >= 3 }, time.Second, 5*time.Millisecond)
}
