// Package event 提供会话层对外的类型化事件总线
package event

import (
	"slices"
	"sync"
	"time"
)

// Kind 事件种类
type Kind uint8

const (
	KindConnected     Kind = iota + 1 // 传输层握手完成
	KindClosed                        // 连接关闭
	KindFailed                        // 传输层报告失败
	KindLoggingIn                     // 发起一次登录尝试
	KindAuthenticated                 // 登录成功
	KindLoggedOut                     // 已登出
	KindSubscribed                    // 订阅就绪
	KindUnsubscribed                  // 订阅已取消
	KindReconnected                   // 重连后的恢复流程完成
	KindAdded                         // 文档新增
	KindChanged                       // 文档变更
	KindRemoved                       // 文档删除
	KindFatal                         // 会话不可恢复
)

var kindNames = map[Kind]string{
	KindConnected:     "connected",
	KindClosed:        "closed",
	KindFailed:        "failed",
	KindLoggingIn:     "logging_in",
	KindAuthenticated: "authenticated",
	KindLoggedOut:     "logged_out",
	KindSubscribed:    "subscribed",
	KindUnsubscribed:  "unsubscribed",
	KindReconnected:   "reconnected",
	KindAdded:         "added",
	KindChanged:       "changed",
	KindRemoved:       "removed",
	KindFatal:         "fatal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event 每种 Kind 对应一个值类型的载荷
type Event interface {
	Kind() Kind
}

type Connected struct{}

type Closed struct {
	Code   int
	Reason string
}

type Failed struct {
	Payload any
}

type LoggingIn struct{}

// LoginResult 服务端 login 方法的返回值
type LoginResult struct {
	UserID       string
	Token        string
	TokenExpires time.Time
	Raw          map[string]any
}

type Authenticated struct {
	Result LoginResult
}

type LoggedOut struct{}

type Subscribed struct {
	Name string
}

type Unsubscribed struct {
	Name string
}

type Reconnected struct{}

type Added struct {
	Collection string
	ID         string
	Fields     map[string]any
}

type Changed struct {
	Collection string
	ID         string
	Fields     map[string]any
	Cleared    []string
}

type Removed struct {
	Collection string
	ID         string
}

type Fatal struct {
	Err error
}

func (Connected) Kind() Kind     { return KindConnected }
func (Closed) Kind() Kind        { return KindClosed }
func (Failed) Kind() Kind        { return KindFailed }
func (LoggingIn) Kind() Kind     { return KindLoggingIn }
func (Authenticated) Kind() Kind { return KindAuthenticated }
func (LoggedOut) Kind() Kind     { return KindLoggedOut }
func (Subscribed) Kind() Kind    { return KindSubscribed }
func (Unsubscribed) Kind() Kind  { return KindUnsubscribed }
func (Reconnected) Kind() Kind   { return KindReconnected }
func (Added) Kind() Kind         { return KindAdded }
func (Changed) Kind() Kind       { return KindChanged }
func (Removed) Kind() Kind       { return KindRemoved }
func (Fatal) Kind() Kind         { return KindFatal }

type Handler func(Event)

type HandlerID uint64

type observer struct {
	id HandlerID
	fn Handler
}

// Bus 同步分发: Emit 在调用方 goroutine 上按注册顺序依次调用观察者, 不捕获 panic
type Bus struct {
	mu       sync.Mutex
	nextID   HandlerID
	handlers map[Kind][]observer
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]observer)}
}

func (b *Bus) On(kind Kind, fn Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], observer{id: b.nextID, fn: fn})
	return b.nextID
}

// Off 移除观察者, 返回是否存在
func (b *Bus) Off(id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, list := range b.handlers {
		i := slices.IndexFunc(list, func(o observer) bool { return o.id == id })
		if i < 0 {
			continue
		}
		b.handlers[kind] = slices.Delete(slices.Clone(list), i, i+1)
		return true
	}
	return false
}

// Emit 锁只用于拷贝观察者列表, 观察者内部可以再次 Emit 或注册
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	list := b.handlers[e.Kind()]
	b.mu.Unlock()
	for _, o := range list {
		o.fn(e)
	}
}

// Listen 按载荷类型注册观察者, T 必须是值类型载荷
func Listen[T Event](b *Bus, fn func(T)) HandlerID {
	var zero T
	return b.On(zero.Kind(), func(e Event) {
		if v, ok := e.(T); ok {
			fn(v)
		}
	})
}
