package pool

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "wstunnel-go/internal/core/errors"
)

func TestBackoff_NonDecreasingAndCapped(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 300*time.Millisecond)

	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i+1)
		assert.LessOrEqual(t, d, 300*time.Millisecond, "attempt %d", i+1)
		prev = d
	}
	assert.Equal(t, 300*time.Millisecond, prev)
	assert.True(t, b.Exhausted())
	assert.Equal(t, 10, b.Attempts())

	b.Reset()
	assert.False(t, b.Exhausted())
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	want := []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
		800 * time.Millisecond, time.Second, time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i+1)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)
	for i := 0; i < 200; i++ {
		d := b.Jitter(2 * time.Second)
		assert.GreaterOrEqual(t, d, 1400*time.Millisecond)
		assert.LessOrEqual(t, d, 2600*time.Millisecond)
	}
	for i := 0; i < 200; i++ {
		assert.LessOrEqual(t, b.Jitter(10*time.Second), 10*time.Second)
	}
}

func TestBackoff_WaitCancelled(t *testing.T) {
	b := NewBackoff(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.Canceled)
}

func pipeDialer(dials *atomic.Int32) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		dials.Add(1)
		a, b := net.Pipe()
		go func() {
			<-ctx.Done()
			b.Close()
		}()
		return a, nil
	}
}

func TestPool_AcquireDialsOnDemand(t *testing.T) {
	var dials atomic.Int32
	p := New(context.Background(), pipeDialer(&dials), Options{Name: "test"})
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, 1, p.Stats().Active)

	conn.MarkUnhealthy()
	require.NoError(t, conn.Close())
	conn.Close()

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, uint64(1), stats.Unhealthy)
}

func TestPool_KeepsMinIdleWarm(t *testing.T) {
	var dials atomic.Int32
	p := New(context.Background(), pipeDialer(&dials), Options{Name: "test", MinIdle: 2})
	defer p.Close()

	require.Eventually(t, func() bool { return p.Stats().Idle == 2 }, time.Second, 10*time.Millisecond)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	// 借出一条后补齐到 2 条空闲
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Idle == 2 && s.Active == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), dials.Load())
}

func TestPool_RetriesThenExhausts(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context) (net.Conn, error) {
		dials.Add(1)
		return nil, coreerrors.New(coreerrors.CodeTransportError, "refused")
	}
	p := New(context.Background(), dial, Options{
		Name: "test", BaseBackoff: time.Millisecond, MaxBackoff: 8 * time.Millisecond,
	})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodePoolExhausted))
	// 1,2,4,8ms 四次等待，之后再失败一次放弃
	assert.Equal(t, int32(5), dials.Load())
	assert.Equal(t, 0, p.Stats().Connecting)
}

func TestPool_NonRetryableFailsFast(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context) (net.Conn, error) {
		dials.Add(1)
		return nil, coreerrors.New(coreerrors.CodeRestrictionDenied, "denied")
	}
	p := New(context.Background(), dial, Options{Name: "test"})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	assert.True(t, coreerrors.IsRestrictionDenied(err))
	assert.Equal(t, int32(1), dials.Load())
}

func TestPool_RecoversAfterFailures(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context) (net.Conn, error) {
		if dials.Add(1) < 3 {
			return nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		}
		a, _ := net.Pipe()
		return a, nil
	}
	p := New(context.Background(), dial, Options{
		Name: "test", BaseBackoff: time.Millisecond, MaxBackoff: time.Second,
	})
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, uint64(2), p.Stats().Failures)
}

func TestPool_AcquireCancelled(t *testing.T) {
	dial := func(ctx context.Context) (net.Conn, error) {
		return nil, coreerrors.New(coreerrors.CodeTransportError, "refused")
	}
	p := New(context.Background(), dial, Options{Name: "test", BaseBackoff: time.Hour, MaxBackoff: time.Hour * 2})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeCancelled))
}
