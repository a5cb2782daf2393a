package coordinator

import (
	"sync"
	"sync/atomic"

	"wisefido-snapshot/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Observer 事件观察者；所有回调都在 dispatch loop 上执行
type Observer interface {
	OnEvent(models.Event)
}

// ObserverFunc 函数适配器
type ObserverFunc func(models.Event)

func (f ObserverFunc) OnEvent(e models.Event) { f(e) }

// Liveness 观察者可选实现；返回 false 时在下一次清理中移除
type Liveness interface {
	Alive() bool
}

// Subscription 注册句柄
type Subscription struct {
	id          string
	c           *Coordinator
	observer    Observer
	closed      atomic.Bool
	muteRefresh atomic.Bool
	once        sync.Once
}

func newSubscription(c *Coordinator, observer Observer) *Subscription {
	return &Subscription{id: uuid.NewString(), c: c, observer: observer}
}

// ID 订阅标识
func (s *Subscription) ID() string {
	return s.id
}

// Unsubscribe 注销；可重复调用
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.c.remove(s)
		s.c.logger.Debug("Observer unsubscribed", zap.String("subscription_id", s.id))
	})
}

// SetMuteRefresh 请求/释放静音过期扫描
func (s *Subscription) SetMuteRefresh(active bool) {
	if s.closed.Load() || s.c.alerts == nil {
		return
	}
	if s.muteRefresh.Swap(active) == active {
		return
	}
	s.c.alerts.SetMuteRefresh(active)
}

// releaseMuteRefresh 注销时归还扫描请求，返回是否持有过
func (s *Subscription) releaseMuteRefresh() bool {
	return s.muteRefresh.Swap(false)
}

func (s *Subscription) alive() bool {
	if s.closed.Load() {
		return false
	}
	if l, ok := s.observer.(Liveness); ok {
		return l.Alive()
	}
	return true
}

func (s *Subscription) notify(e models.Event, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Observer panicked",
				zap.String("subscription_id", s.id),
				zap.String("event", string(e.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	s.observer.OnEvent(e)
}
