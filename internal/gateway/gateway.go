// Package gateway 是应用访问会话的入口, 所有出站请求都要等待会话就绪
package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/collection"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/ddp"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/session"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

var ErrNotConnected = errors.New("not connected")

type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Session 网关依赖的会话操作, 由 *session.Manager 实现
type Session interface {
	Connect() error
	Close() error
	Ready() bool
	Err() error
	Events() *event.Bus
	Call(method string, args []any, onResult ddp.ResultFunc)
	Subscribe(name string, params []any, onResult func(error)) error
	Unsubscribe(name string) error
	Login(user, password, token string, onResult func(event.LoginResult, error))
	Logout(onResult func(error))
	Find(collectionName string, selector collection.Selector) iter.Seq[collection.Document]
	FindOne(collectionName string, selector collection.Selector) (collection.Document, bool)
}

var _ Session = (*session.Manager)(nil)

type Gateway struct {
	session Session
	opts    Options
}

func New(s Session, opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Gateway{session: s, opts: opts}
}

// wait 轮询直到会话就绪, 超时或 ctx 结束时返回 ErrNotConnected, 会话已终止时返回其错误
func (g *Gateway) wait(ctx context.Context) error {
	if err := g.session.Err(); err != nil {
		return err
	}
	if g.session.Ready() {
		return nil
	}

	timer := time.NewTimer(g.opts.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		case <-timer.C:
			return fmt.Errorf("%w: session not ready after %s", ErrNotConnected, g.opts.Timeout)
		case <-ticker.C:
			if err := g.session.Err(); err != nil {
				return err
			}
			if g.session.Ready() {
				return nil
			}
		}
	}
}

// Call 调用远程方法, onResult 可以为 nil
func (g *Gateway) Call(ctx context.Context, method string, args []any, onResult ddp.ResultFunc) error {
	if err := g.wait(ctx); err != nil {
		logger.WarnF("[gateway] Call %s rejected: %v", method, err)
		return err
	}
	g.session.Call(method, args, onResult)
	return nil
}

func (g *Gateway) Subscribe(ctx context.Context, name string, params []any, onResult func(error)) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	return g.session.Subscribe(name, params, onResult)
}

func (g *Gateway) Unsubscribe(ctx context.Context, name string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	return g.session.Unsubscribe(name)
}

// Insert 调用 /<collection>/insert
func (g *Gateway) Insert(ctx context.Context, collectionName string, doc map[string]any, onResult ddp.ResultFunc) error {
	return g.Call(ctx, "/"+collectionName+"/insert", []any{doc}, onResult)
}

// Update 调用 /<collection>/update, modifier 为 Mongo 风格的更新操作
func (g *Gateway) Update(ctx context.Context, collectionName string, selector, modifier map[string]any, onResult ddp.ResultFunc) error {
	return g.Call(ctx, "/"+collectionName+"/update", []any{selector, modifier}, onResult)
}

func (g *Gateway) Remove(ctx context.Context, collectionName string, selector map[string]any, onResult ddp.ResultFunc) error {
	return g.Call(ctx, "/"+collectionName+"/remove", []any{selector}, onResult)
}

func (g *Gateway) Login(ctx context.Context, user, password, token string, onResult func(event.LoginResult, error)) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	g.session.Login(user, password, token, onResult)
	return nil
}

func (g *Gateway) Logout(onResult func(error)) {
	g.session.Logout(onResult)
}

func (g *Gateway) Find(collectionName string, selector collection.Selector) iter.Seq[collection.Document] {
	return g.session.Find(collectionName, selector)
}

func (g *Gateway) FindOne(collectionName string, selector collection.Selector) (collection.Document, bool) {
	return g.session.FindOne(collectionName, selector)
}

func (g *Gateway) Connect() error {
	return g.session.Connect()
}

func (g *Gateway) Close() error {
	return g.session.Close()
}

func (g *Gateway) Events() *event.Bus {
	return g.session.Events()
}
