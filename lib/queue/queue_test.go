package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/qplex/lib/future"
	"github.com/ValentinKolb/qplex/lib/qerr"
)

// blockQueue creates a single worker queue whose only slot is held by a blocking action.
// Calling the returned function releases the slot
func blockQueue(t *testing.T) (*Queue[string], func()) {
	t.Helper()
	q := New[string](Config{Workers: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := q.Enqueue("test", "blocker", PriorityActiveEntity, func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "blocker", nil
	})
	if err != nil {
		t.Fatalf("failed to enqueue blocker: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("blocker was not dispatched")
	}

	var once sync.Once
	return q, func() { once.Do(func() { close(release) }) }
}

// recordAction returns an action that appends its name to order
func recordAction(mu *sync.Mutex, order *[]string, name string) Action[string] {
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		*order = append(*order, name)
		mu.Unlock()
		return name, nil
	}
}

func awaitAll(t *testing.T, futures ...*future.Future[string]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range futures {
		if _, err := f.Await(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("timeout waiting for future")
		}
	}
}

// TestPriorityOrder tests that queued actions run by priority, ties by enqueue order
func TestPriorityOrder(t *testing.T) {
	q, release := blockQueue(t)
	defer q.Close()
	defer release()

	var mu sync.Mutex
	var order []string

	enqueue := func(key string, p Priority) *future.Future[string] {
		f, err := q.Enqueue("test", key, p, recordAction(&mu, &order, key))
		if err != nil {
			t.Fatalf("failed to enqueue %s: %v", key, err)
		}
		return f
	}

	fs := []*future.Future[string]{
		enqueue("bg-1", PriorityBackground),
		enqueue("active-1", PriorityActiveEntity),
		enqueue("inactive-1", PriorityInactiveEntity),
		enqueue("bg-2", PriorityBackground),
		enqueue("active-2", PriorityActiveEntity),
	}

	if q.Len() != 5 {
		t.Errorf("expected 5 queued entries, got %d", q.Len())
	}

	release()
	awaitAll(t, fs...)

	expected := []string{"active-1", "active-2", "inactive-1", "bg-1", "bg-2"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(expected) {
		t.Fatalf("expected %d executions, got %v", len(expected), order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("position %d: expected %s, got %s (order %v)", i, expected[i], order[i], order)
		}
	}
}

// TestDuplicateKey tests that a key can not be queued twice while pending or running
func TestDuplicateKey(t *testing.T) {
	q, release := blockQueue(t)
	defer q.Close()
	defer release()

	noop := func(ctx context.Context) (string, error) { return "", nil }

	if _, err := q.Enqueue("test", "blocker", PriorityBackground, noop); !errors.Is(err, qerr.ErrDuplicateKey) {
		t.Errorf("expected duplicate error for running key, got %v", err)
	}
	if _, err := q.Enqueue("test", "a", PriorityBackground, noop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Enqueue("other", "a", PriorityActiveEntity, noop); !errors.Is(err, qerr.ErrDuplicateKey) {
		t.Errorf("expected duplicate error for queued key, got %v", err)
	}

	entry, _, ok := q.Lookup("a")
	if !ok || entry.Running || entry.Priority != PriorityBackground || entry.OwnerID != "test" {
		t.Errorf("unexpected lookup result %+v (ok=%v)", entry, ok)
	}
	if entry, _, ok := q.Lookup("blocker"); !ok || !entry.Running {
		t.Errorf("blocker should be reported as running, got %+v", entry)
	}
}

// TestUpdatePriority tests that a priority change reorders queued entries
func TestUpdatePriority(t *testing.T) {
	q, release := blockQueue(t)
	defer q.Close()
	defer release()

	var mu sync.Mutex
	var order []string

	fa, _ := q.Enqueue("view-a", "a", PriorityActiveEntity, recordAction(&mu, &order, "a"))
	fb, _ := q.Enqueue("view-b", "b", PriorityBackground, recordAction(&mu, &order, "b"))
	fc, _ := q.Enqueue("view-b", "c", PriorityBackground, recordAction(&mu, &order, "c"))

	if !q.UpdatePriority("a", PriorityBackground) {
		t.Error("UpdatePriority on queued key should succeed")
	}
	if q.UpdatePriority("missing", PriorityActiveEntity) {
		t.Error("UpdatePriority on unknown key should fail")
	}
	if q.UpdatePriority("blocker", PriorityBackground) {
		t.Error("UpdatePriority on running key should fail")
	}
	if n := q.UpdateOwnerPriority("view-b", PriorityActiveEntity); n != 2 {
		t.Errorf("expected 2 updated entries, got %d", n)
	}

	release()
	awaitAll(t, fa, fb, fc)

	mu.Lock()
	defer mu.Unlock()
	expected := []string{"b", "c", "a"}
	for i := range expected {
		if i >= len(order) || order[i] != expected[i] {
			t.Fatalf("expected order %v, got %v", expected, order)
		}
	}
}

// TestClearQueue tests removing all queued entries of one owner
func TestClearQueue(t *testing.T) {
	q, release := blockQueue(t)
	defer q.Close()
	defer release()

	noop := func(ctx context.Context) (string, error) { return "ok", nil }
	f1, _ := q.Enqueue("closed-view", "1", PriorityActiveEntity, noop)
	f2, _ := q.Enqueue("closed-view", "2", PriorityBackground, noop)
	f3, _ := q.Enqueue("open-view", "3", PriorityBackground, noop)

	if n := q.ClearQueue("closed-view"); n != 2 {
		t.Fatalf("expected 2 cleared entries, got %d", n)
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 remaining entry, got %d", q.Len())
	}

	for _, f := range []*future.Future[string]{f1, f2} {
		_, ok, err := f.Result()
		if !ok || !errors.Is(err, qerr.ErrCancelled) {
			t.Errorf("cleared entry should be cancelled, got ok=%v err=%v", ok, err)
		}
	}

	release()
	if v, err := f3.Await(context.Background()); err != nil || v != "ok" {
		t.Errorf("remaining entry should run, got (%q, %v)", v, err)
	}
}

// TestCancelRunning tests cancelling a dispatched action
func TestCancelRunning(t *testing.T) {
	q := New[string](Config{Workers: 2})
	defer q.Close()

	started := make(chan struct{})
	f, err := q.Enqueue("test", "slow", PriorityActiveEntity, func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "too late", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if !q.Cancel("slow") {
		t.Fatal("Cancel on running key should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.Await(ctx)
	if !errors.Is(err, qerr.ErrCancelled) {
		t.Errorf("expected cancelled error, got %v", err)
	}
	if qerr.IsUserVisible(err) {
		t.Error("cancellation must not be user visible")
	}
	if q.Cancel("slow") {
		t.Error("Cancel on finished key should fail")
	}
}

// TestWorkerBound tests that no more than Workers actions run at once
func TestWorkerBound(t *testing.T) {
	const workers = 3
	q := New[string](Config{Workers: workers})
	defer q.Close()

	var mu sync.Mutex
	current, peak := 0, 0

	var fs []*future.Future[string]
	for i := 0; i < 20; i++ {
		f, err := q.Enqueue("test", string(rune('a'+i)), PriorityBackground, func(ctx context.Context) (string, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
			return "", nil
		})
		if err != nil {
			t.Fatal(err)
		}
		fs = append(fs, f)
	}
	awaitAll(t, fs...)

	if peak > workers {
		t.Errorf("expected at most %d concurrent actions, got %d", workers, peak)
	}
}

// TestActionError tests that action errors and panics settle the future
func TestActionError(t *testing.T) {
	q := New[string](Config{Workers: 1})
	defer q.Close()

	boom := errors.New("boom")
	f1, _ := q.Enqueue("test", "err", PriorityBackground, func(ctx context.Context) (string, error) {
		return "", boom
	})
	f2, _ := q.Enqueue("test", "panic", PriorityBackground, func(ctx context.Context) (string, error) {
		panic("kaputt")
	})

	if _, err := f1.Await(context.Background()); err != boom {
		t.Errorf("expected boom, got %v", err)
	}
	if _, err := f2.Await(context.Background()); err == nil {
		t.Error("expected panic to be converted into an error")
	}
}

// TestClose tests that closing the queue cancels all pending entries
func TestClose(t *testing.T) {
	q, release := blockQueue(t)

	f, _ := q.Enqueue("test", "pending", PriorityBackground, func(ctx context.Context) (string, error) {
		return "", nil
	})

	done := make(chan struct{})
	go func() {
		_ = q.Close()
		close(done)
	}()

	// wait until Close marked the queue closed, entries added before are cancelled too
	deadline := time.Now().Add(time.Second)
	for {
		_, err := q.Enqueue("test", "check", PriorityBackground, func(ctx context.Context) (string, error) {
			return "", nil
		})
		if errors.Is(err, qerr.ErrCancelled) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue was not closed")
		}
		time.Sleep(time.Millisecond)
	}

	// the blocker ignores its context, Close waits until it returns
	select {
	case <-done:
		t.Fatal("Close returned before the running action")
	default:
	}
	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	if _, _, err := f.Result(); !errors.Is(err, qerr.ErrCancelled) {
		t.Errorf("pending entry should be cancelled on close, got %v", err)
	}
	if _, err := q.Enqueue("test", "late", PriorityBackground, func(ctx context.Context) (string, error) {
		return "", nil
	}); !errors.Is(err, qerr.ErrCancelled) {
		t.Errorf("enqueue after close should fail with cancelled, got %v", err)
	}
}

// TestQueueLengthGauge tests that the length gauge follows queued entries
func TestQueueLengthGauge(t *testing.T) {
	q, release := blockQueue(t)
	defer func() {
		release()
		_ = q.Close()
	}()

	base := queuedGauge.Get()
	for _, key := range []string{"a", "b"} {
		if _, err := q.Enqueue("test", key, PriorityBackground, func(ctx context.Context) (string, error) {
			return key, nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if got := queuedGauge.Get() - base; got != 2 {
		t.Errorf("expected 2 more queued entries, got %v", got)
	}

	q.Cancel("a")
	if got := queuedGauge.Get() - base; got != 1 || q.Len() != 1 {
		t.Errorf("expected 1 queued entry after cancel, got %v (len %d)", got, q.Len())
	}
}

func TestParsePriority(t *testing.T) {
	for _, p := range Levels {
		parsed, err := ParsePriority(p.String())
		if err != nil || parsed != p {
			t.Errorf("ParsePriority(%q) = %v, %v", p.String(), parsed, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
	if PriorityUnset.Or(PriorityBackground) != PriorityBackground {
		t.Error("unset priority should fall back to default")
	}
}
