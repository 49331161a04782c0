package agent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Event 表示一次被调度的事件（install/activate/fetch/message/push/sync）。
// 处理函数通过 WaitUntil 登记异步工作，事件只有在 Wait 返回后才算完成，
// 未登记的工作不会被等待。
type Event struct {
	name  string
	ctx   context.Context
	group errgroup.Group
}

func newEvent(ctx context.Context, name string) *Event {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Event{name: name, ctx: ctx}
}

func (e *Event) Name() string { return e.name }

// WaitUntil 登记一个异步任务。任务之间互不取消，返回的第一个错误由 Wait 透出。
func (e *Event) WaitUntil(task func(ctx context.Context) error) {
	ctx := e.ctx
	e.group.Go(func() error {
		return task(ctx)
	})
}

// Wait 阻塞直到全部已登记任务结束。
func (e *Event) Wait() error {
	return e.group.Wait()
}
