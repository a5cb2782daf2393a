package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Loop 单一串行执行队列
//
// 所有对观察者可见的快照写入、事件投递和定时器回调都在 Loop 上按提交顺序执行。
// Post 不会阻塞，可以在 Loop 内部调用。
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
	running atomic.Bool
	logger  *zap.Logger
}

// New 创建 Loop，需调用 Run 才开始执行
func New(logger *zap.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run 执行任务直到 ctx 取消或 Stop
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.stopped {
				l.queue = nil
				l.mu.Unlock()
				return
			}
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			task := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.exec(task)
		}
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Dispatch task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Post 提交任务；Loop 已停止时返回 false
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop 停止 Loop，丢弃未执行的任务
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done Run 退出后关闭
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Sync 等待此前提交的任务全部执行完毕。不能在 Loop 内调用
func (l *Loop) Sync(ctx context.Context) error {
	ch := make(chan struct{})
	if !l.Post(func() { close(ch) }) {
		return context.Canceled
	}
	select {
	case <-ch:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call 在 Loop 上执行 fn 并等待其返回。不能在 Loop 内调用
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ch := make(chan struct{})
	if !l.Post(func() {
		defer close(ch)
		fn()
	}) {
		return context.Canceled
	}
	select {
	case <-ch:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer Loop 定时器；Stop 之后回调保证不再执行
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// Stop 取消定时器，返回是否在触发前取消
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	first := t.stopped.CompareAndSwap(false, true)
	t.t.Stop()
	return first
}

// AfterFunc d 之后在 Loop 上执行 fn
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return timer
}

// Ticker Loop 周期任务
type Ticker struct {
	stop    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

// Stop 停止周期任务
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.stop)
	})
}

// Every 每隔 d 在 Loop 上执行一次 fn
func (l *Loop) Every(d time.Duration, fn func()) *Ticker {
	tk := &Ticker{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-tk.stop:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Post(func() {
					if !tk.stopped.Load() {
						fn()
					}
				})
			}
		}
	}()
	return tk
}
