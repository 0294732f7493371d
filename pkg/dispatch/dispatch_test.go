package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis_rate/v10"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/provider"
	"github.com/pario-ai/llmbatch/pkg/provider/mock"
)

func TestInFlightBounded(t *testing.T) {
	const maxConc = 3
	client := mock.New(mock.Options{Latency: 20 * time.Millisecond})
	d := New(client, Options{MaxConcurrency: maxConc})

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.Submit(context.Background(), models.Request{User: string(rune('a' + i))})
			if err != nil {
				t.Error(err)
				return
			}
			if resp.Text != "MOCK: "+string(rune('a'+i)) {
				t.Errorf("response routed to wrong caller: %q", resp.Text)
			}
		}()
	}
	wg.Wait()

	if d.Peak() > maxConc || client.Peak() > maxConc {
		t.Errorf("in-flight exceeded bound: dispatcher %d, provider %d", d.Peak(), client.Peak())
	}
	if d.Peak() != maxConc {
		t.Errorf("expected the bound to be reached, peak %d", d.Peak())
	}
	if d.InFlight() != 0 {
		t.Errorf("slots leaked: %d", d.InFlight())
	}
}

func TestDefaultConcurrency(t *testing.T) {
	d := New(mock.New(mock.Options{}), Options{})
	if d.MaxConcurrency() != DefaultMaxConcurrency {
		t.Errorf("expected %d, got %d", DefaultMaxConcurrency, d.MaxConcurrency())
	}
}

func TestLocalLimiterSpacing(t *testing.T) {
	d := New(mock.New(mock.Options{}), Options{
		MaxConcurrency: 4,
		Limiter:        NewLocalLimiter(20 * time.Millisecond),
	})
	start := time.Now()
	for range 4 {
		if _, err := d.Submit(context.Background(), models.Request{}); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("expected spacing of ~60ms for 4 requests, took %v", elapsed)
	}
}

func TestLocalLimiterDeadlineIsContextError(t *testing.T) {
	l := NewLocalLimiter(time.Second)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if ctx.Err() == nil {
		t.Error("expected Wait to return once the deadline passed")
	}
}

func TestRequestTimeout(t *testing.T) {
	d := New(mock.New(mock.Options{Latency: time.Hour}), Options{RequestTimeout: 10 * time.Millisecond})
	_, err := d.Submit(context.Background(), models.Request{})
	if k, _ := provider.KindOf(err); k != provider.KindTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestCallerCancelIsNotTimeout(t *testing.T) {
	d := New(mock.New(mock.Options{Latency: time.Hour}), Options{RequestTimeout: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Submit(ctx, models.Request{})
	if _, ok := provider.KindOf(err); ok {
		t.Errorf("caller deadline should not be reported as provider error: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestAcquireHonorsCancel(t *testing.T) {
	d := New(mock.New(mock.Options{Latency: time.Hour}), Options{MaxConcurrency: 1})
	bg, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _, _ = d.Submit(bg, models.Request{}) }()
	for d.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Submit(ctx, models.Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled while waiting for a slot, got %v", err)
	}
}

func TestOpenStreamHoldsSlot(t *testing.T) {
	d := New(mock.New(mock.Options{}), Options{MaxConcurrency: 1})
	s, err := d.OpenStream(context.Background(), models.Request{User: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if d.InFlight() != 1 {
		t.Fatalf("expected slot held while streaming, got %d", d.InFlight())
	}
	_ = s.Close()
	_ = s.Close()
	if d.InFlight() != 0 {
		t.Errorf("expected slot released after close, got %d", d.InFlight())
	}
}

func TestOpenStreamUnsupported(t *testing.T) {
	d := New(provider.ClientFunc(func(context.Context, models.Request) (*models.Response, error) {
		return &models.Response{}, nil
	}), Options{})
	if _, err := d.OpenStream(context.Background(), models.Request{}); !errors.Is(err, provider.ErrUnsupportedOperation) {
		t.Errorf("expected ErrUnsupportedOperation, got %v", err)
	}
}

type fakeAllower struct {
	mu      sync.Mutex
	results []*redis_rate.Result
	err     error
	calls   int
}

func (f *fakeAllower) Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r, nil
}

func TestRedisLimiterWaitsRetryAfter(t *testing.T) {
	fa := &fakeAllower{results: []*redis_rate.Result{
		{Allowed: 0, RetryAfter: 30 * time.Millisecond},
		{Allowed: 0, RetryAfter: 20 * time.Millisecond},
		{Allowed: 1},
	}}
	l := NewRedisLimiter(fa, "gpt-4o", 50*time.Millisecond)
	var slept []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fa.calls != 3 {
		t.Errorf("expected 3 allow calls, got %d", fa.calls)
	}
	if len(slept) != 2 || slept[0] != 30*time.Millisecond || slept[1] != 20*time.Millisecond {
		t.Errorf("unexpected sleeps %v", slept)
	}
	if l.limit.Period != 50*time.Millisecond || l.limit.Rate != 1 {
		t.Errorf("unexpected limit %+v", l.limit)
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	fa := &fakeAllower{err: errors.New("dial tcp: connection refused")}
	l := NewRedisLimiter(fa, "k", time.Second)
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("expected fail-open, got %v", err)
	}
}
