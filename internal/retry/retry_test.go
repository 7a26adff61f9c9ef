package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lumetrade/streamcore/errs"
)

// recordingSleeper captures backoff delays instead of waiting them out.
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestExecutor(op string, cfg Config) (*Executor, *recordingSleeper) {
	exec := New(op, cfg)
	rec := &recordingSleeper{}
	exec.sleep = rec.sleep
	return exec, rec
}

func TestAlwaysFailingOpPerformsExactlyMaxAttempts(t *testing.T) {
	exec, rec := newTestExecutor("test/op", Config{BaseDelay: time.Second, MaxAttempts: 3})

	var calls int
	failure := errors.New("transient")
	err := exec.Execute(context.Background(), func(context.Context) error {
		calls++
		return failure
	})

	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
	if !errors.Is(err, failure) {
		t.Errorf("final error does not wrap cause: %v", err)
	}
	if !errs.IsCode(err, errs.CodeRequest) {
		t.Errorf("exhaustion error code = %q, want request", errs.CodeOf(err))
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", rec.delays, want)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rec.delays[i], want[i])
		}
	}
}

func TestDelayCappedAtMaxDelay(t *testing.T) {
	exec, rec := newTestExecutor("test/op", Config{BaseDelay: time.Second, MaxDelay: 3 * time.Second, MaxAttempts: 5})

	_ = exec.Execute(context.Background(), func(context.Context) error {
		return errors.New("transient")
	})

	if len(rec.delays) != 4 {
		t.Fatalf("delays = %v", rec.delays)
	}
	prev := time.Duration(0)
	for i, d := range rec.delays {
		if d < prev {
			t.Errorf("delay[%d] = %v decreased from %v", i, d, prev)
		}
		if d > 3*time.Second {
			t.Errorf("delay[%d] = %v exceeds cap", i, d)
		}
		prev = d
	}
}

func TestSuccessResetsStateForNextRun(t *testing.T) {
	exec, rec := newTestExecutor("test/op", Config{BaseDelay: time.Second, MaxAttempts: 3})

	calls := 0
	err := exec.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// A fresh run starts again from attempt 0 with the base delay.
	rec.delays = nil
	_ = exec.Execute(context.Background(), func(context.Context) error {
		return errors.New("transient")
	})
	if len(rec.delays) == 0 || rec.delays[0] != time.Second {
		t.Errorf("first delay after success = %v, want 1s", rec.delays)
	}
}

func TestShouldRetryStopsImmediately(t *testing.T) {
	exec, rec := newTestExecutor("test/op", Config{BaseDelay: time.Second, MaxAttempts: 3})

	permanent := errs.New("rest/auth", errs.CodeUnauthorized)
	calls := 0
	err := exec.ExecuteRetryIf(context.Background(), func(context.Context) error {
		calls++
		return permanent
	}, func(err error) bool {
		return !errs.IsCode(err, errs.CodeUnauthorized)
	})

	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("unexpected delays: %v", rec.delays)
	}
	if !errs.IsCode(err, errs.CodeUnauthorized) {
		t.Errorf("error code = %q, want unauthorized", errs.CodeOf(err))
	}
}

func TestContextCancellationAbortsWait(t *testing.T) {
	exec := New("test/op", Config{BaseDelay: 50 * time.Millisecond, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := exec.Execute(ctx, func(context.Context) error {
		calls++
		return errors.New("transient")
	})

	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
