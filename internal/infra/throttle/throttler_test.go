package throttle_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"telegram-sync-worker/internal/infra/throttle"
)

var errServerWait = errors.New("server told us to wait")

// waitOnServerErr — экстрактор, распознающий errServerWait как паузу в 1 мс.
func waitOnServerErr(err error) (time.Duration, bool) {
	if errors.Is(err, errServerWait) {
		return time.Millisecond, true
	}
	return 0, false
}

func newFastPacer(opts ...throttle.Option) *throttle.Pacer {
	opts = append(opts, throttle.WithRandom(func() float64 { return 0 }))
	return throttle.New(time.Millisecond, time.Millisecond, opts...)
}

func TestPacerDoSuccess(t *testing.T) {
	t.Parallel()

	p := newFastPacer()
	calls := 0
	if err := p.Do(context.Background(), func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Do() = %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestPacerDoRetriesOnServerWait(t *testing.T) {
	t.Parallel()

	p := newFastPacer(throttle.WithWaitExtractors(waitOnServerErr))

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errServerWait
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestPacerDoMaxRetries(t *testing.T) {
	t.Parallel()

	p := newFastPacer(
		throttle.WithWaitExtractors(waitOnServerErr),
		throttle.WithMaxRetries(2),
	)

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return errServerWait
	})
	if err == nil {
		t.Fatal("Do() must fail after exhausting retries")
	}
	if !strings.Contains(err.Error(), "max retries") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(err, errServerWait) {
		t.Fatalf("original error must be wrapped, got: %v", err)
	}
	// Исходный вызов плюс два повтора.
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

type fatalErr struct{}

func (fatalErr) Error() string   { return "unrecoverable" }
func (fatalErr) StopRetry() bool { return true }

func TestPacerDoStopRetryer(t *testing.T) {
	t.Parallel()

	// Экстрактор распознал бы паузу, но StopRetryer имеет приоритет.
	p := newFastPacer(throttle.WithWaitExtractors(func(error) (time.Duration, bool) {
		return time.Millisecond, true
	}))

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return fatalErr{}
	})
	var stop fatalErr
	if !errors.As(err, &stop) {
		t.Fatalf("Do() = %v, want fatalErr", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestPacerDoUnrecognizedError(t *testing.T) {
	t.Parallel()

	p := newFastPacer(throttle.WithWaitExtractors(waitOnServerErr))

	plain := errors.New("something else")
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return plain
	})
	if !errors.Is(err, plain) {
		t.Fatalf("Do() = %v, want %v", err, plain)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestPacerWaitCanceledContext(t *testing.T) {
	t.Parallel()

	p := throttle.New(time.Hour, time.Hour, throttle.WithRandom(func() float64 { return 0 }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() = %v, want context.Canceled", err)
	}
}
