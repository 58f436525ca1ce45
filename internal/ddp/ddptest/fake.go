// Package ddptest 提供可编排的内存 DDP 传输, 用于测试会话层
package ddptest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/ddp"
)

// Call 一次被记录的方法调用, 由测试决定何时应答
type Call struct {
	Method   string
	Args     []any
	onResult ddp.ResultFunc
	once     sync.Once
}

func (c *Call) Reply(result any) {
	c.once.Do(func() { c.onResult(result, nil) })
}

func (c *Call) Fail(err error) {
	c.once.Do(func() { c.onResult(nil, err) })
}

// Sub 一次被记录的订阅请求
type Sub struct {
	ID       string
	Name     string
	Params   []any
	onResult ddp.SubscribeFunc
	once     sync.Once
}

func (s *Sub) Ready() {
	s.once.Do(func() { s.onResult(s.ID, nil) })
}

func (s *Sub) Fail(err error) {
	s.once.Do(func() { s.onResult(s.ID, err) })
}

// Transport 实现 ddp.Transport, 记录所有出站请求, 入站事件由测试触发
type Transport struct {
	// OnCall 和 OnSubscribe 在请求被记录后同步调用, 可用于自动应答
	OnCall      func(c *Call)
	OnSubscribe func(s *Sub)
	ConnectErr  error

	mu       sync.Mutex
	listener ddp.Listener
	open     bool
	connects int
	closes   int
	calls    []*Call
	subs     []*Sub
	unsubs   []string
	nextID   int
}

var _ ddp.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{}
}

func (t *Transport) SetListener(l ddp.Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *Transport) Connect() error {
	t.mu.Lock()
	t.connects++
	if t.ConnectErr == nil {
		t.open = true
	}
	t.mu.Unlock()
	return t.ConnectErr
}

// Close 与真实传输一致, 关闭已打开的连接时触发 OnSocketClosed(1000)
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closes++
	wasOpen := t.open
	t.open = false
	t.mu.Unlock()
	if wasOpen {
		t.Listener().OnSocketClosed(1000, "client closed")
	}
	return nil
}

func (t *Transport) Call(method string, args []any, onResult ddp.ResultFunc) {
	if onResult == nil {
		onResult = func(any, error) {}
	}
	c := &Call{Method: method, Args: args, onResult: onResult}
	t.mu.Lock()
	t.calls = append(t.calls, c)
	hook := t.OnCall
	t.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

func (t *Transport) Subscribe(name string, params []any, onResult ddp.SubscribeFunc) string {
	if onResult == nil {
		onResult = func(string, error) {}
	}
	t.mu.Lock()
	t.nextID++
	s := &Sub{ID: fmt.Sprintf("sub-%d", t.nextID), Name: name, Params: params, onResult: onResult}
	t.subs = append(t.subs, s)
	hook := t.OnSubscribe
	t.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return s.ID
}

func (t *Transport) Unsubscribe(id string) {
	t.mu.Lock()
	t.unsubs = append(t.unsubs, id)
	t.mu.Unlock()
}

func (t *Transport) Listener() ddp.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *Transport) Calls() []*Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.calls)
}

// CallsTo 返回指定方法的调用, 按发生顺序
func (t *Transport) CallsTo(method string) []*Call {
	var out []*Call
	for _, c := range t.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// LastCall 最近一次调用, 没有时返回 nil
func (t *Transport) LastCall() *Call {
	calls := t.Calls()
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

func (t *Transport) Subs() []*Sub {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.subs)
}

func (t *Transport) LastSub() *Sub {
	subs := t.Subs()
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (t *Transport) Unsubs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.unsubs)
}

// 以下方法模拟服务端推送

func (t *Transport) FireConnected() {
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	t.Listener().OnConnected()
}

// Drop 模拟连接意外断开
func (t *Transport) Drop(code int, reason string) {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
	t.Listener().OnSocketClosed(code, reason)
}

func (t *Transport) FireFailed(payload any) {
	t.Listener().OnFailed(payload)
}

func (t *Transport) FireAdded(collection, id string, fields map[string]any) {
	t.Listener().OnAdded(collection, id, fields)
}

func (t *Transport) FireChanged(collection, id string, fields map[string]any, cleared []string) {
	t.Listener().OnChanged(collection, id, fields, cleared)
}

func (t *Transport) FireRemoved(collection, id string) {
	t.Listener().OnRemoved(collection, id)
}
