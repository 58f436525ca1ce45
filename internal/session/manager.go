// Package session 维护与 DDP 服务端的会话: 连接状态, 登录凭据, 订阅与本地文档镜像
package session

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/collection"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/ddp"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/subscription"
	"github.com/looplab/fsm"
)

// 连接状态
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	eventConnect    = "connect"
	eventConnected  = "connected"
	eventDisconnect = "disconnect"
)

func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateConnecting},
			// 传输层自动重连时不经过 connecting
			{Name: eventConnected, Src: []string{StateConnecting, StateDisconnected}, Dst: StateConnected},
			{Name: eventDisconnect, Src: []string{StateConnecting, StateConnected}, Dst: StateDisconnected},
		},
		fsm.Callbacks{},
	)
}

// Manager 会话管理器. 传输层推送在读 goroutine 上到达, 调用方可以在任意 goroutine 上操作
type Manager struct {
	transport ddp.Transport
	bus       *event.Bus
	registry  *subscription.Registry

	storeMu sync.RWMutex
	store   *collection.Store

	mu             sync.Mutex
	state          *fsm.FSM
	everConnected  bool
	epoch          uint64 // 每次 connected 递增, 用于丢弃过期的重新认证结果
	authenticating bool
	restoring      bool // 重连后到 reconnected 之前, 镜像与订阅尚未恢复
	credentials    *credentials
	token          string
	fatalErr       error
}

func New(transport ddp.Transport, bus *event.Bus) *Manager {
	if bus == nil {
		bus = event.NewBus()
	}
	m := &Manager{
		transport: transport,
		bus:       bus,
		registry:  subscription.NewRegistry(transport),
		store:     collection.NewStore(),
		state:     newStateMachine(),
	}
	transport.SetListener(listener{m})
	return m
}

func (m *Manager) Events() *event.Bus {
	return m.bus
}

// Connect 清除之前的致命错误并打开传输层连接
func (m *Manager) Connect() error {
	m.mu.Lock()
	m.fatalErr = nil
	m.transition(eventConnect)
	m.mu.Unlock()

	if err := m.transport.Connect(); err != nil {
		m.mu.Lock()
		m.transition(eventDisconnect)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	m.transition(eventDisconnect)
	m.mu.Unlock()
	return m.transport.Close()
}

func (m *Manager) State() string {
	return m.state.Current()
}

// Ready 已连接, 且重连后的认证与恢复都已完成
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Current() == StateConnected && !m.authenticating && !m.restoring && m.fatalErr == nil
}

// Err 返回导致会话终止的错误, 会话可用时为 nil
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

func (m *Manager) ResumeToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Manager) Call(method string, args []any, onResult ddp.ResultFunc) {
	m.transport.Call(method, args, onResult)
}

// Subscribe 注册订阅, 服务端确认后触发 subscribed
func (m *Manager) Subscribe(name string, params []any, onResult func(error)) error {
	return m.registry.Register(name, params, func(err error) {
		if onResult != nil {
			onResult(err)
		}
		if err == nil {
			m.bus.Emit(event.Subscribed{Name: name})
		}
	})
}

func (m *Manager) Unsubscribe(name string) error {
	if err := m.registry.Unregister(name); err != nil {
		return err
	}
	m.bus.Emit(event.Unsubscribed{Name: name})
	return nil
}

func (m *Manager) Subscription(name string) (subscription.Subscription, bool) {
	return m.registry.Lookup(name)
}

// Find 在读锁下取出匹配的文档副本
func (m *Manager) Find(collectionName string, selector collection.Selector) iter.Seq[collection.Document] {
	m.storeMu.RLock()
	docs := slices.Collect(m.store.Find(collectionName, selector))
	m.storeMu.RUnlock()
	return slices.Values(docs)
}

func (m *Manager) FindOne(collectionName string, selector collection.Selector) (collection.Document, bool) {
	m.storeMu.RLock()
	defer m.storeMu.RUnlock()
	return m.store.FindOne(collectionName, selector)
}

// transition 调用方需持有 mu
func (m *Manager) transition(name string) {
	err := m.state.Event(context.Background(), name)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	logger.DebugF("[session] Ignore %s in state %s: %v", name, m.state.Current(), err)
}

func (m *Manager) onConnected() {
	m.mu.Lock()
	reconnect := m.everConnected
	m.everConnected = true
	m.epoch++
	epoch := m.epoch
	m.transition(eventConnected)
	token, creds := m.token, m.credentials
	needAuth := reconnect && (token != "" || creds != nil)
	m.authenticating = needAuth
	m.restoring = reconnect
	m.mu.Unlock()

	m.bus.Emit(event.Connected{})
	if !reconnect {
		logger.Info("[session] Connected")
		return
	}

	logger.Info("[session] Reconnected, restoring session")
	if !needAuth {
		m.restore()
		return
	}
	m.authenticate(token, creds, func(result event.LoginResult, err error) {
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			logger.Debug("[session] Drop stale re-authentication result")
			return
		}
		m.authenticating = false
		if err != nil {
			m.restoring = false
		}
		m.mu.Unlock()

		switch {
		case err == nil:
			m.bus.Emit(event.Authenticated{Result: result})
			m.restore()
		case errors.Is(err, ddp.ErrConnectionLost):
			logger.WarnF("[session] Connection lost during re-authentication, waiting for next connect")
		default:
			m.fail(err)
		}
	})
}

// restore 清空本地镜像, 按原顺序重新订阅, 最后触发 reconnected
func (m *Manager) restore() {
	m.storeMu.Lock()
	m.store.Reset()
	m.storeMu.Unlock()

	entries := m.registry.Snapshot()
	m.registry.Clear()
	for _, entry := range entries {
		if err := m.Subscribe(entry.Name, entry.Params, nil); err != nil {
			logger.WarnF("[session] Fail to resubscribe %s, details: %v", entry.Name, err)
		}
	}
	logger.InfoF("[session] Restored %d subscriptions", len(entries))
	m.mu.Lock()
	m.restoring = false
	m.mu.Unlock()
	m.bus.Emit(event.Reconnected{})
}

// fail 重新认证彻底失败, 会话不可恢复
func (m *Manager) fail(err error) {
	err = authError(err)
	m.mu.Lock()
	m.fatalErr = err
	m.restoring = false
	m.credentials = nil
	m.token = ""
	m.transition(eventDisconnect)
	m.mu.Unlock()

	logger.ErrorF("[session] Session terminated: %v", err)
	m.bus.Emit(event.Fatal{Err: err})
	if cerr := m.transport.Close(); cerr != nil {
		logger.WarnF("[session] Fail to close transport, details: %v", cerr)
	}
}

func (m *Manager) onSocketClosed(code int, reason string) {
	m.mu.Lock()
	m.transition(eventDisconnect)
	m.mu.Unlock()
	logger.InfoF("[session] Connection closed, code %d, reason %s", code, reason)
	m.bus.Emit(event.Closed{Code: code, Reason: reason})
}

func (m *Manager) onAdded(collectionName, id string, fields map[string]any) {
	m.storeMu.Lock()
	m.store.Upsert(collectionName, id, fields)
	m.storeMu.Unlock()
	m.bus.Emit(event.Added{Collection: collectionName, ID: id, Fields: fields})
}

func (m *Manager) onChanged(collectionName, id string, fields map[string]any, cleared []string) {
	m.storeMu.Lock()
	m.store.ApplyChanged(collectionName, id, fields, cleared)
	m.storeMu.Unlock()
	m.bus.Emit(event.Changed{Collection: collectionName, ID: id, Fields: fields, Cleared: cleared})
}

func (m *Manager) onRemoved(collectionName, id string) {
	m.storeMu.Lock()
	m.store.Remove(collectionName, id)
	m.storeMu.Unlock()
	m.bus.Emit(event.Removed{Collection: collectionName, ID: id})
}

// listener 把传输层推送转交给 Manager, 避免在 Manager 上暴露回调方法
type listener struct {
	m *Manager
}

func (l listener) OnConnected()                           { l.m.onConnected() }
func (l listener) OnSocketClosed(code int, reason string) { l.m.onSocketClosed(code, reason) }
func (l listener) OnFailed(payload any) {
	logger.WarnF("[session] Transport failed: %v", payload)
	l.m.bus.Emit(event.Failed{Payload: payload})
}
func (l listener) OnAdded(collectionName, id string, fields map[string]any) {
	l.m.onAdded(collectionName, id, fields)
}
func (l listener) OnChanged(collectionName, id string, fields map[string]any, cleared []string) {
	l.m.onChanged(collectionName, id, fields, cleared)
}
func (l listener) OnRemoved(collectionName, id string) { l.m.onRemoved(collectionName, id) }
