// Package scheduler 按整点对齐周期性地执行任务，例如后台刷新行情。
package scheduler

import (
	"context"
	"time"

	"dealscan/internal/logger"
)

// AlignedScheduler 在每个 Interval 边界之后 Offset 执行一次任务。
// 任务同步执行，耗时超过一个周期时会跳过错过的边界。
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start 阻塞直到 ctx 结束。
func (s *AlignedScheduler) Start(task func(ctx context.Context)) {
	if s == nil {
		return
	}
	log := logger.Named("scheduler:" + s.Name)
	if task == nil {
		log.Warnf("task is nil, exit")
		return
	}
	if s.Interval <= 0 {
		log.Warnf("invalid interval=%s, exit", s.Interval)
		return
	}
	if s.Offset < 0 || s.Offset >= s.Interval {
		log.Warnf("offset=%s out of range, clamp to 0", s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	log.Infof("started interval=%s offset=%s run_immediately=%v at=%s",
		s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task(s.ctx)
	}

	for {
		now := s.nowFn().UTC()
		boundary, wakeAt, wait := s.nextTimes(now)
		log.Debugf("距离周期边界=%s (边界=%s) 将在=%s 执行 | uptime=%s",
			boundary.Sub(now).Truncate(time.Second),
			boundary.Format(time.RFC3339),
			wakeAt.Format(time.RFC3339),
			now.Sub(startAt).Truncate(time.Second),
		)

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			log.Infof("ctx done, exit")
			return
		case <-timer.C:
		}
		task(s.ctx)
	}
}

// nextTimes 返回 now 之后的下一个周期边界与唤醒时间，wait 恒为正。
func (s *AlignedScheduler) nextTimes(now time.Time) (boundary, wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	boundary = now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = boundary.Add(s.Offset)
	if prev := boundary.Add(-s.Interval).Add(s.Offset); prev.After(now) {
		wakeAt = prev
	}
	return boundary, wakeAt, wakeAt.Sub(now)
}
