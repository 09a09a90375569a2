package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 5, 12, 9, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2026, 5, 12, 9, 1, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一个 tick 不正确: %s", got)
	}
	exact := time.Date(2026, 5, 12, 9, 1, 0, 0, time.UTC)
	if got := s.nextTick(exact); !got.Equal(exact.Add(time.Minute)) {
		t.Fatalf("整点时应跳到下一个区间: %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 90 * time.Second}, zerolog.Nop())
	now := time.Date(2026, 5, 12, 9, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(90 * time.Second)) {
		t.Fatalf("未对齐时应为 now+interval: %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(now) {
		t.Fatalf("未对齐时 bucketStart 应原样返回: %s", got)
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("interval 为 0 时应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}

func TestTriggerRunsTickAndCoalesces(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	// two triggers before Run starts collapse into one pending wake-up
	s.Trigger()
	s.Trigger()

	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, at time.Time) error {
			ticks.Add(1)
			return nil
		})
	}()

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("Trigger 后应执行一次 tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if n := ticks.Load(); n != 1 {
		t.Fatalf("重复 Trigger 应合并为一次, 实际 %d 次", n)
	}
}

func TestTickTimeoutBoundsTick(t *testing.T) {
	s := New(Options{Interval: time.Hour, TickTimeout: 20 * time.Millisecond, RunImmediately: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tickErr := make(chan error, 1)
	go func() {
		_ = s.Run(ctx, func(ctx context.Context, at time.Time) error {
			<-ctx.Done()
			tickErr <- ctx.Err()
			return ctx.Err()
		})
	}()

	select {
	case err := <-tickErr:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("tick 应因超时结束, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("TickTimeout 未生效")
	}
}

func TestTriggerDuringTickIsDropped(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunImmediately: true}, zerolog.Nop())

	var ticks atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, at time.Time) error {
			if ticks.Add(1) == 1 {
				close(started)
				<-release
			}
			return nil
		})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("首个 tick 未启动")
	}
	if !s.Running() {
		t.Fatal("tick 执行期间 Running 应为 true")
	}
	s.Trigger()
	s.Trigger()
	close(release)

	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if n := ticks.Load(); n != 1 {
		t.Fatalf("运行中的 Trigger 应被丢弃, 实际 tick %d 次", n)
	}
	if s.Running() {
		t.Fatal("tick 结束后 Running 应为 false")
	}
}
