// Package subscription 跟踪会话中的订阅, 断线重连后据此重新订阅
package subscription

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/ddp"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/logger"
)

var (
	ErrDuplicateSubscription = errors.New("subscription already exists")
	ErrUnknownSubscription   = errors.New("subscription not found")
)

type State int

const (
	Pending State = iota // 已发送 sub, 等待 ready
	Active               // 服务端已确认
	Failed               // 服务端拒绝, 随即移出注册表
	Removed              // 已取消订阅
)

var stateNames = map[State]string{
	Pending: "pending",
	Active:  "active",
	Failed:  "failed",
	Removed: "removed",
}

func (s State) String() string {
	return stateNames[s]
}

type Subscription struct {
	Name     string
	Params   []any
	RemoteID string
	State    State
}

// Entry 重新订阅所需的信息
type Entry struct {
	Name   string
	Params []any
}

// Subscriber 注册表使用的传输层子集
type Subscriber interface {
	Subscribe(name string, params []any, onResult ddp.SubscribeFunc) string
	Unsubscribe(id string)
}

// Registry 按名称索引订阅, 并记录注册顺序
type Registry struct {
	transport Subscriber

	mu      sync.Mutex
	entries map[string]*Subscription
	order   []string
}

func NewRegistry(transport Subscriber) *Registry {
	return &Registry{
		transport: transport,
		entries:   make(map[string]*Subscription),
	}
}

// Register 发起订阅. onResult 在服务端确认或拒绝时调用一次, 订阅已被移除时不再调用
func (r *Registry) Register(name string, params []any, onResult func(error)) error {
	r.mu.Lock()
	if _, ok := r.entries[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, name)
	}
	sub := &Subscription{Name: name, Params: slices.Clone(params), State: Pending}
	r.entries[name] = sub
	r.order = append(r.order, name)
	r.mu.Unlock()

	id := r.transport.Subscribe(name, params, func(_ string, err error) {
		r.resolve(sub, err, onResult)
	})

	r.mu.Lock()
	sub.RemoteID = id
	// Unregister 发生在 id 返回之前, 由这里补发 unsub
	cancelled := sub.State == Removed
	r.mu.Unlock()

	if cancelled {
		r.transport.Unsubscribe(id)
	}
	return nil
}

func (r *Registry) resolve(sub *Subscription, err error, onResult func(error)) {
	r.mu.Lock()
	if r.entries[sub.Name] != sub {
		r.mu.Unlock()
		logger.DebugF("[subscription] Ignore late result for %s", sub.Name)
		return
	}
	if err != nil {
		sub.State = Failed
		r.remove(sub.Name)
	} else {
		sub.State = Active
	}
	r.mu.Unlock()

	if err != nil {
		logger.WarnF("[subscription] Subscribe %s failed, details: %v", sub.Name, err)
	}
	if onResult != nil {
		onResult(err)
	}
}

// Unregister 取消订阅, 无论当前处于什么状态
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	sub, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, name)
	}
	sub.State = Removed
	remoteID := sub.RemoteID
	r.remove(name)
	r.mu.Unlock()

	// remoteID 为空时 Register 仍在等待传输层返回 id, 由 Register 取消
	if remoteID != "" {
		r.transport.Unsubscribe(remoteID)
	}
	return nil
}

// Snapshot 按注册顺序返回当前订阅
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, Entry{Name: name, Params: slices.Clone(r.entries[name].Params)})
	}
	return entries
}

// Clear 丢弃所有订阅, 不通知服务端
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
	r.order = nil
}

func (r *Registry) Lookup(name string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.entries[name]
	if !ok {
		return Subscription{}, false
	}
	cp := *sub
	cp.Params = slices.Clone(sub.Params)
	return cp, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// remove 调用方需持有 mu
func (r *Registry) remove(name string) {
	delete(r.entries, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool {
		return n == name
	})
}
