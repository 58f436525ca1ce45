package ddp

import "errors"

var (
	ErrConnectionLost = errors.New("ddp: connection lost")
	ErrNotOpen        = errors.New("ddp: connection not open")
	ErrNoSub          = errors.New("ddp: subscription stopped by server")
)

// ResultFunc 方法调用回调, result 与 err 只有一个有效
type ResultFunc func(result any, err error)

// SubscribeFunc 订阅回调, id 为发起订阅时返回的远端 id
type SubscribeFunc func(id string, err error)

// Transport 会话层依赖的 DDP 连接
type Transport interface {
	SetListener(l Listener)
	Connect() error
	Close() error
	Call(method string, args []any, onResult ResultFunc)
	Subscribe(name string, params []any, onResult SubscribeFunc) string
	Unsubscribe(id string)
}

// Listener 接收传输层推送, 所有方法在同一个 goroutine 上调用
type Listener interface {
	OnConnected()
	OnSocketClosed(code int, reason string)
	OnFailed(payload any)
	OnAdded(collection, id string, fields map[string]any)
	OnChanged(collection, id string, fields map[string]any, cleared []string)
	OnRemoved(collection, id string)
}

type noopListener struct{}

func (noopListener) OnConnected()                                       {}
func (noopListener) OnSocketClosed(int, string)                         {}
func (noopListener) OnFailed(any)                                       {}
func (noopListener) OnAdded(string, string, map[string]any)             {}
func (noopListener) OnChanged(string, string, map[string]any, []string) {}
func (noopListener) OnRemoved(string, string)                           {}
