package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/testutil/fakes"
)

func newTestLimiter(t *testing.T, capacity int, window time.Duration) (*Limiter, *fakes.FakeClock) {
	t.Helper()
	clk := fakes.NewFakeClock(time.Unix(1_700_000_000, 0))
	l, err := New(map[Class]BucketConfig{
		ClassOrder: {Capacity: capacity, Window: window, Header: "X-MBX-ORDER-COUNT-10S"},
		ClassQuery: {Capacity: capacity, Window: window, Header: "X-MBX-USED-WEIGHT-1M"},
	}, WithClock(clk))
	require.NoError(t, err)
	return l, clk
}

func TestReserveGrantsImmediatelyWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t, 10, 10*time.Second)
	p, err := l.Reserve(context.Background(), ClassOrder, 4, time.Second)
	require.NoError(t, err)
	require.Equal(t, 4, p.Weight)
	require.Zero(t, p.Waited)

	b, ok := l.Budget(ClassOrder)
	require.True(t, ok)
	require.InDelta(t, 6, b.Remaining, 0.001)
}

func TestReserveBlocksUntilRefill(t *testing.T) {
	l, clk := newTestLimiter(t, 2, 2*time.Second)
	_, err := l.Reserve(context.Background(), ClassOrder, 2, time.Second)
	require.NoError(t, err)

	type result struct {
		permit Permit
		err    error
	}
	done := make(chan result, 1)
	go func() {
		p, err := l.Reserve(context.Background(), ClassOrder, 1, 5*time.Second)
		done <- result{p, err}
	}()

	require.True(t, clk.BlockUntil(1, time.Second))
	select {
	case <-done:
		t.Fatal("reservation must block while the bucket is empty")
	default:
	}

	clk.Advance(time.Second)
	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, time.Second, res.permit.Waited)
	case <-time.After(time.Second):
		t.Fatal("reservation did not resume after refill")
	}
}

func TestReserveReturnsBackpressureWhenTimeoutTooShort(t *testing.T) {
	l, clk := newTestLimiter(t, 2, 2*time.Second)
	_, err := l.Reserve(context.Background(), ClassOrder, 2, time.Second)
	require.NoError(t, err)

	_, err = l.Reserve(context.Background(), ClassOrder, 2, 500*time.Millisecond)
	require.True(t, errs.Is(err, errs.CodeBackpressure))

	// The abandoned reservation returned its tokens, so one window refills the bucket.
	clk.Advance(2 * time.Second)
	_, err = l.Reserve(context.Background(), ClassOrder, 2, time.Millisecond)
	require.NoError(t, err)
}

func TestReserveRejectsOversizedWeightAndUnknownClass(t *testing.T) {
	l, _ := newTestLimiter(t, 5, time.Second)
	_, err := l.Reserve(context.Background(), ClassOrder, 6, time.Minute)
	require.True(t, errs.Is(err, errs.CodeBackpressure))
	_, err = l.Reserve(context.Background(), Class("nope"), 1, time.Minute)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestGrantsFollowArrivalOrder(t *testing.T) {
	l, clk := newTestLimiter(t, 1, time.Second)
	_, err := l.Reserve(context.Background(), ClassOrder, 1, time.Second)
	require.NoError(t, err)

	reserve := func(out chan<- Permit, errc chan<- error) {
		p, err := l.Reserve(context.Background(), ClassOrder, 1, 10*time.Second)
		errc <- err
		out <- p
	}
	first, second := make(chan Permit, 1), make(chan Permit, 1)
	errc := make(chan error, 2)
	go reserve(first, errc)
	require.True(t, clk.BlockUntil(1, time.Second))
	go reserve(second, errc)
	require.True(t, clk.BlockUntil(2, time.Second))

	clk.Advance(5 * time.Second)
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)
	a, b := <-first, <-second
	require.Less(t, a.Seq, b.Seq)
}

func TestCanceledContextReturnsBackpressure(t *testing.T) {
	l, clk := newTestLimiter(t, 1, time.Second)
	_, err := l.Reserve(context.Background(), ClassOrder, 1, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Reserve(ctx, ClassOrder, 1, 10*time.Second)
		done <- err
	}()
	require.True(t, clk.BlockUntil(1, time.Second))
	cancel()
	err = <-done
	require.True(t, errs.Is(err, errs.CodeBackpressure))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPauseDelaysGrants(t *testing.T) {
	l, clk := newTestLimiter(t, 10, time.Second)
	l.Pause("", clk.Now().Add(3*time.Second))

	_, err := l.Reserve(context.Background(), ClassQuery, 1, time.Second)
	require.True(t, errs.Is(err, errs.CodeBackpressure))

	done := make(chan Permit, 1)
	errc := make(chan error, 1)
	go func() {
		p, err := l.Reserve(context.Background(), ClassQuery, 1, 5*time.Second)
		errc <- err
		done <- p
	}()
	require.True(t, clk.BlockUntil(1, time.Second))
	clk.Advance(3 * time.Second)
	require.NoError(t, <-errc)
	p := <-done
	require.Equal(t, 3*time.Second, p.Waited)

	b, _ := l.Budget(ClassOrder)
	require.False(t, b.PausedUntil.IsZero())
}

func TestObserveDrainsToExchangeView(t *testing.T) {
	l, _ := newTestLimiter(t, 100, time.Minute)
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "90")
	l.Observe(h)

	b, ok := l.Budget(ClassQuery)
	require.True(t, ok)
	require.Equal(t, 90, b.ExchangeUsed)
	require.InDelta(t, 10, b.Remaining, 0.01)

	order, _ := l.Budget(ClassOrder)
	require.InDelta(t, 100, order.Remaining, 0.01)
	require.Len(t, l.Budgets(), 2)
}
