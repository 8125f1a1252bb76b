package sched

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

func testPipes(t *testing.T, metrics ...string) []*pipes.Pipe {
	t.Helper()
	out := make([]*pipes.Pipe, 0, len(metrics))
	for _, m := range metrics {
		p, err := pipes.New("sql:src", m, "")
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func selectorOf(ps []*pipes.Pipe) SelectFunc {
	return func(context.Context) ([]*pipes.Pipe, error) { return ps, nil }
}

// countingSync records per-pipe call counts.
type countingSync struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingSync() *countingSync {
	return &countingSync{calls: map[string]int{}}
}

func (c *countingSync) fn(tuple meta.SuccessTuple) SyncFunc {
	return func(_ context.Context, p *pipes.Pipe) meta.SuccessTuple {
		c.mu.Lock()
		c.calls[p.String()]++
		c.mu.Unlock()
		return tuple
	}
}

func (c *countingSync) count(p *pipes.Pipe) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[p.String()]
}

func TestRunOnce(t *testing.T) {
	ps := testPipes(t, "weather", "power", "tides")
	counter := newCountingSync()
	r := New(selectorOf(ps), counter.fn(meta.OK("synced")), Options{})

	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 || !results.AnySuccess() || results.Succeeded() != 3 {
		t.Fatalf("results = %v", results)
	}
	for _, p := range ps {
		if counter.count(p) != 1 {
			t.Errorf("pipe %s synced %d times", p, counter.count(p))
		}
	}
}

func TestPoolBound(t *testing.T) {
	ps := testPipes(t, "m1", "m2", "m3", "m4", "m5", "m6")
	var cur, peak atomic.Int32
	syncFn := func(context.Context, *pipes.Pipe) meta.SuccessTuple {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return meta.OK("synced")
	}
	r := New(selectorOf(ps), syncFn, Options{Workers: 2})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPerPipeTimeout(t *testing.T) {
	ps := testPipes(t, "slow")
	syncFn := func(ctx context.Context, _ *pipes.Pipe) meta.SuccessTuple {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return meta.Fail("timeout")
		}
		return meta.Fail("cancelled")
	}
	r := New(selectorOf(ps), syncFn, Options{Timeout: 25 * time.Millisecond})

	start := time.Now()
	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("run took %v", elapsed)
	}
	tuple := results[ps[0].String()]
	if tuple.Success || tuple.Message != "timeout" {
		t.Errorf("tuple = %+v", tuple)
	}
}

func TestCountedIterations(t *testing.T) {
	ps := testPipes(t, "weather")
	counter := newCountingSync()
	r := New(selectorOf(ps), counter.fn(meta.OK("synced")), Options{Count: 3})

	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counter.count(ps[0]) != 3 {
		t.Errorf("pipe synced %d times, want 3", counter.count(ps[0]))
	}
	if len(results) != 1 || !results.AnySuccess() {
		t.Errorf("final results = %v", results)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	ps := testPipes(t, "weather")
	counter := newCountingSync()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	r := New(selectorOf(ps), counter.fn(meta.OK("synced")), Options{
		Loop:        true,
		MinInterval: time.Millisecond,
	})

	results, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counter.count(ps[0]) < 1 {
		t.Error("no iterations ran before cancel")
	}
	if !results.AnySuccess() {
		t.Errorf("results = %v", results)
	}
}

func TestAllFailedStillReturnsResults(t *testing.T) {
	ps := testPipes(t, "weather", "power")
	counter := newCountingSync()
	r := New(selectorOf(ps), counter.fn(meta.Fail("boom")), Options{})

	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results.AnySuccess() || results.Succeeded() != 0 {
		t.Errorf("results = %v", results)
	}
	if len(results) != 2 {
		t.Errorf("len = %d", len(results))
	}
}

func TestEmptySelectionIsConfigError(t *testing.T) {
	r := New(selectorOf(nil), func(context.Context, *pipes.Pipe) meta.SuccessTuple {
		return meta.OK("synced")
	}, Options{})

	if _, err := r.Run(context.Background()); meta.KindOf(err) != meta.KindConfig {
		t.Errorf("err = %v", err)
	}
}

func TestScheduleFires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timed schedule test in short mode")
	}
	ps := testPipes(t, "weather")
	counter := newCountingSync()
	sched, err := Parse("every 1 seconds", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	r := New(selectorOf(ps), counter.fn(meta.OK("synced")), Options{
		Schedule: sched,
		Count:    2,
	})

	start := time.Now()
	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("run finished in %v, schedule not honoured", elapsed)
	}
	if counter.count(ps[0]) != 2 {
		t.Errorf("pipe synced %d times, want 2", counter.count(ps[0]))
	}
	if !results.AnySuccess() {
		t.Errorf("results = %v", results)
	}
}

func TestScheduleNeverFiresIsConfigError(t *testing.T) {
	ps := testPipes(t, "weather")
	sched, err := Parse("mon and tue starting 2024-05-01", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	r := New(selectorOf(ps), func(context.Context, *pipes.Pipe) meta.SuccessTuple {
		return meta.OK("synced")
	}, Options{Schedule: sched})

	if _, err := r.Run(context.Background()); meta.KindOf(err) != meta.KindConfig {
		t.Errorf("err = %v", err)
	}
}

func TestLockConflict(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "sched.lock")
	held := flock.New(lockPath)
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("pre-lock: %v, %v", locked, err)
	}
	defer func() { _ = held.Unlock() }()

	ps := testPipes(t, "weather")
	r := New(selectorOf(ps), func(context.Context, *pipes.Pipe) meta.SuccessTuple {
		return meta.OK("synced")
	}, Options{Loop: true, LockPath: lockPath})

	if _, err := r.Run(context.Background()); meta.KindOf(err) != meta.KindConfig {
		t.Errorf("err = %v", err)
	}
}

func TestConfigWatchReselects(t *testing.T) {
	dir := t.TempDir()
	first := testPipes(t, "weather")
	second := testPipes(t, "power")

	var selections atomic.Int32
	selector := func(context.Context) ([]*pipes.Pipe, error) {
		if selections.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}

	counter := newCountingSync()
	r := New(selector, counter.fn(meta.OK("synced")), Options{
		Count:       5,
		MinInterval: 25 * time.Millisecond,
		WatchDir:    dir,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			time.Sleep(20 * time.Millisecond)
			name := filepath.Join(dir, "pipes.yaml")
			if err := os.WriteFile(name, []byte("touched\n"), 0o644); err != nil {
				t.Errorf("write config: %v", err)
				return
			}
		}
	}()

	results, err := r.Run(context.Background())
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if selections.Load() < 2 {
		t.Fatalf("selector ran %d times, want >= 2", selections.Load())
	}
	if _, ok := results[second[0].String()]; !ok {
		t.Errorf("final results %v missing re-selected pipe", results)
	}
}
