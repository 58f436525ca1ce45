package main

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/collection"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/ddp"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/gateway"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/session"
)

func main() {
	cfg, err := config.GetConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)

	client := ddp.NewClient(ddp.Options{
		URL:              cfg.Server.URL,
		AutoReconnect:    cfg.Server.AutoReconnect,
		ReconnectDelay:   cfg.Server.ReconnectDelay(),
		HandshakeTimeout: cfg.Server.Handshake(),
	})
	gw := gateway.New(session.New(client, nil), gateway.Options{
		Timeout:      cfg.Gateway.WaitTimeout(),
		PollInterval: cfg.Gateway.Interval(),
	})
	watch(gw, client, cfg.Demo.Collection)

	if err := gw.Connect(); err != nil {
		logger.FatalF("Fail to connect to %s, details: %v", cfg.Server.URL, err)
		cleaner.Clean()
		return
	}
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		return gw.Close()
	}))

	ctx := context.Background()
	if cfg.Auth.User != "" || cfg.Auth.ResumeToken != "" {
		err := gw.Login(ctx, cfg.Auth.User, cfg.Auth.Password, cfg.Auth.ResumeToken, func(result event.LoginResult, err error) {
			if err != nil {
				logger.ErrorF("Login failed: %v", err)
				return
			}
			logger.InfoF("Logged in as %s, token expires at %s", result.UserID, result.TokenExpires)
		})
		if err != nil {
			logger.ErrorF("Fail to login, details: %v", err)
		}
	}

	name := cfg.Demo.Subscription
	err = gw.Subscribe(ctx, name, cfg.Demo.Params, func(err error) {
		if err != nil {
			logger.ErrorF("Subscription %s failed: %v", name, err)
		}
	})
	if err != nil {
		logger.ErrorF("Fail to subscribe %s, details: %v", name, err)
	} else {
		cleaner.Add(event.CallableFunc(func(ctx context.Context) error {
			err := gw.Unsubscribe(ctx, name)
			if errors.Is(err, gateway.ErrNotConnected) {
				return nil
			}
			return err
		}))
	}

	cleaner.Wait(ctx)
}

// item 被观察集合中的文档, 只取演示需要的字段
type item struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
}

// describe 把文档解码为 item, 无法解码的文档跳过
func describe(docs []collection.Document) []item {
	items := make([]item, 0, len(docs))
	for _, doc := range docs {
		var it item
		if err := doc.Decode(&it); err != nil {
			logger.WarnF("Skip document %s: %v", doc.ID(), err)
			continue
		}
		items = append(items, it)
	}
	slices.SortFunc(items, func(a, b item) int { return strings.Compare(a.ID, b.ID) })
	return items
}

// watch 打印会话事件, 每次有文档加入时输出被观察集合的全部内容
func watch(gw *gateway.Gateway, client *ddp.Client, collectionName string) {
	bus := gw.Events()
	event.Listen(bus, func(event.Connected) { logger.InfoF("* CONNECTED session %s", client.Session()) })
	event.Listen(bus, func(e event.Closed) { logger.InfoF("* CLOSED %d %s", e.Code, e.Reason) })
	event.Listen(bus, func(event.Reconnected) { logger.Info("* RECONNECTED") })
	event.Listen(bus, func(e event.Subscribed) { logger.InfoF("* SUBSCRIBED %s", e.Name) })
	event.Listen(bus, func(e event.Unsubscribed) { logger.InfoF("* UNSUBSCRIBED %s", e.Name) })
	event.Listen(bus, func(e event.Fatal) { logger.FatalF("* FATAL %v", e.Err) })
	event.Listen(bus, func(e event.Added) {
		logger.InfoF("* ADDED %s %s", e.Collection, e.ID)
		for key, value := range e.Fields {
			logger.InfoF("  - FIELD %s %v", key, value)
		}
		items := describe(slices.Collect(gw.Find(collectionName, nil)))
		for _, it := range items {
			logger.InfoF("%s %s: %s", collectionName, it.ID, it.Name)
		}
		logger.InfoF("Num %s: %d", collectionName, len(items))
	})
}
