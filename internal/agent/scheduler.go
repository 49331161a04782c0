package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncTagCheckUpdates 是后台周期同步使用的唯一标签。
const SyncTagCheckUpdates = "check-updates"

// ErrUnknownSyncTag is returned by Sync for tags the coordinator does not handle.
var ErrUnknownSyncTag = errors.New("unknown sync tag")

// Sync 处理一次周期同步事件：check-updates 读取版本信息并广播 UPDATE_CHECK。
func (c *Coordinator) Sync(ctx context.Context, tag string) error {
	if tag != SyncTagCheckUpdates {
		c.logger.WithFields(logrus.Fields{"action": "periodic_sync", "tag": tag}).Warn("unknown sync tag ignored")
		return fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	ev := newEvent(ctx, "periodicsync")
	ev.WaitUntil(func(ctx context.Context) error {
		_ = c.checkForUpdate(ctx, MessageUpdateCheck)
		return nil
	})
	err := ev.Wait()
	c.metrics.ObserveLifecycle("periodicsync", "ok")
	return err
}

// Scheduler 按固定间隔触发 check-updates，间隔为 0 时不启动。
type Scheduler struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewScheduler(coordinator *Coordinator, interval time.Duration) *Scheduler {
	return &Scheduler{
		coordinator: coordinator,
		interval:    interval,
		logger:      coordinator.logger,
	}
}

// Start 启动后台循环，重复调用无副作用。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.interval <= 0 {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)
	s.logger.WithFields(logrus.Fields{
		"action":   "periodic_sync",
		"interval": s.interval.String(),
	}).Info("scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.coordinator.Sync(ctx, SyncTagCheckUpdates); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).WithField("action", "periodic_sync").Warn("periodic sync failed")
			}
		}
	}
}

// Stop 结束后台循环并等待其退出。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}
