package ddp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/logger"
)

const (
	DefaultReconnectDelay   = 500 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second

	maxReconnectDelay = 30 * time.Second
	closeWriteTimeout = time.Second
)

type Options struct {
	URL              string
	AutoReconnect    bool
	ReconnectDelay   time.Duration // 第一次重连前的等待, 之后指数增长
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Client 基于 websocket 的 DDP 传输, 实现 Transport
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	mu       sync.Mutex
	listener Listener
	conn     *websocket.Conn
	session  string
	methods  map[string]ResultFunc
	subs     map[string]SubscribeFunc
	ctx      context.Context // Close 时取消, 终止重连
	cancel   context.CancelFunc

	writeMu sync.Mutex
}

var _ Transport = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		listener: noopListener{},
		methods:  make(map[string]ResultFunc),
		subs:     make(map[string]SubscribeFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Client) SetListener(l Listener) {
	if l == nil {
		l = noopListener{}
	}
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Session 服务端在 connected 消息中分配的会话 id
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect 建立连接并发送 connect 握手, 已连接时直接返回
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.ctx.Err() != nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	ctx := c.ctx
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return backoff.Permanent(ctx.Err())
	}
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(conn, connectMessage()); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("send connect: %w", err)
	}
	logger.DebugF("[ddp] Connected to %s", c.opts.URL)

	go c.readLoop(conn)
	return nil
}

// Close 停止重连并关闭当前连接, 之后可以再次 Connect
func (c *Client) Close() error {
	c.mu.Lock()
	c.cancel()
	conn := c.conn
	c.conn = nil
	pending := c.takePending()
	listener := c.listener
	c.mu.Unlock()

	failPending(pending)
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
		time.Now().Add(closeWriteTimeout))
	c.writeMu.Unlock()
	err := conn.Close()

	listener.OnSocketClosed(websocket.CloseNormalClosure, "client closed")
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

func (c *Client) Call(method string, args []any, onResult ResultFunc) {
	if onResult == nil {
		onResult = func(any, error) {}
	}
	if args == nil {
		args = []any{}
	}
	id := uuid.NewString()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		onResult(nil, ErrNotOpen)
		return
	}
	c.methods[id] = onResult
	c.mu.Unlock()

	if err := c.write(conn, &Message{Msg: MsgMethod, ID: id, Method: method, Params: args}); err != nil {
		if cb := c.popMethod(id); cb != nil {
			cb(nil, fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}
	}
}

// Subscribe 发送 sub 请求并返回订阅 id, 结果在 ready 或 nosub 到达时回调
func (c *Client) Subscribe(name string, params []any, onResult SubscribeFunc) string {
	if onResult == nil {
		onResult = func(string, error) {}
	}
	id := uuid.NewString()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		onResult(id, ErrNotOpen)
		return id
	}
	c.subs[id] = onResult
	c.mu.Unlock()

	if err := c.write(conn, &Message{Msg: MsgSub, ID: id, Name: name, Params: params}); err != nil {
		if cb := c.popSub(id); cb != nil {
			cb(id, fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}
	}
	return id
}

func (c *Client) Unsubscribe(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.write(conn, &Message{Msg: MsgUnsub, ID: id}); err != nil {
		logger.WarnF("[ddp] Fail to send unsub %s, details: %v", id, err)
	}
}

func (c *Client) write(conn *websocket.Conn, m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}
		msg, err := Decode(data)
		if err != nil {
			logger.WarnF("[ddp] Drop message, details: %v", err)
			continue
		}
		c.dispatch(conn, msg)
	}
}

func (c *Client) dispatch(conn *websocket.Conn, msg *Message) {
	listener := c.currentListener()

	switch msg.Msg {
	case MsgConnected:
		c.mu.Lock()
		c.session = msg.Session
		c.mu.Unlock()
		listener.OnConnected()
	case MsgFailed:
		listener.OnFailed(msg.Version)
	case MsgPing:
		if err := c.write(conn, &Message{Msg: MsgPong, ID: msg.ID}); err != nil {
			logger.WarnF("[ddp] Fail to send pong, details: %v", err)
		}
	case MsgResult:
		cb := c.popMethod(msg.ID)
		if cb == nil {
			logger.DebugF("[ddp] Result for unknown method %s", msg.ID)
			return
		}
		if msg.Error != nil {
			cb(nil, msg.Error)
			return
		}
		cb(msg.Result, nil)
	case MsgReady:
		for _, id := range msg.Subs {
			if cb := c.popSub(id); cb != nil {
				cb(id, nil)
			}
		}
	case MsgNoSub:
		cb := c.popSub(msg.ID)
		if cb == nil {
			logger.DebugF("[ddp] Subscription %s stopped", msg.ID)
			return
		}
		if msg.Error != nil {
			cb(msg.ID, msg.Error)
			return
		}
		cb(msg.ID, ErrNoSub)
	case MsgAdded:
		listener.OnAdded(msg.Collection, msg.ID, msg.Fields)
	case MsgChanged:
		listener.OnChanged(msg.Collection, msg.ID, msg.Fields, msg.Cleared)
	case MsgRemoved:
		listener.OnRemoved(msg.Collection, msg.ID)
	case MsgError:
		logger.WarnF("[ddp] Server rejected a message: %s", msg.Reason)
	default:
		// pong, updated, addedBefore, movedBefore
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// 已被 Close 替换或关闭
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.takePending()
	listener := c.listener
	ctx := c.ctx
	c.mu.Unlock()

	_ = conn.Close()
	failPending(pending)

	code, reason := websocket.CloseAbnormalClosure, err.Error()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Text
	}
	logger.WarnF("[ddp] Connection lost, code %d, reason %s", code, reason)
	listener.OnSocketClosed(code, reason)

	if c.opts.AutoReconnect && ctx.Err() == nil {
		go c.reconnect(ctx)
	}
}

func (c *Client) reconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.opts.ReconnectDelay):
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectDelay
	b.MaxInterval = maxReconnectDelay
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return c.dial(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.WarnF("[ddp] Reconnect failed, retry in %s, details: %v", next, err)
	})
	if err != nil {
		logger.DebugF("[ddp] Reconnect stopped: %v", err)
	}
}

func (c *Client) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Client) popMethod(id string) ResultFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb := c.methods[id]
	delete(c.methods, id)
	return cb
}

func (c *Client) popSub(id string) SubscribeFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb := c.subs[id]
	delete(c.subs, id)
	return cb
}

// takePending 取出等待中的方法回调并丢弃订阅回调, 调用方需持有 mu
func (c *Client) takePending() []ResultFunc {
	pending := make([]ResultFunc, 0, len(c.methods))
	for _, cb := range c.methods {
		pending = append(pending, cb)
	}
	clear(c.methods)
	clear(c.subs)
	return pending
}

func failPending(pending []ResultFunc) {
	for _, cb := range pending {
		cb(nil, ErrConnectionLost)
	}
}
