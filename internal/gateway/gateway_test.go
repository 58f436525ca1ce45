package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/ddp/ddptest"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Options{Timeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}

func newGateway(t *testing.T, opts Options) (*Gateway, *session.Manager, *ddptest.Transport) {
	t.Helper()
	tr := ddptest.New()
	m := session.New(tr, nil)
	return New(m, opts), m, tr
}

func ready(t *testing.T, opts Options) (*Gateway, *session.Manager, *ddptest.Transport) {
	t.Helper()
	gw, m, tr := newGateway(t, opts)
	require.NoError(t, gw.Connect())
	tr.FireConnected()
	return gw, m, tr
}

func TestDefaults(t *testing.T) {
	gw := New(nil, Options{})
	assert.Equal(t, DefaultTimeout, gw.opts.Timeout)
	assert.Equal(t, DefaultPollInterval, gw.opts.PollInterval)
}

func TestTimeoutWithoutTransportCall(t *testing.T) {
	gw, _, tr := newGateway(t, fast)
	ctx := context.Background()

	start := time.Now()
	err := gw.Call(ctx, "echo", []any{1}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.GreaterOrEqual(t, time.Since(start), fast.Timeout)

	assert.ErrorIs(t, gw.Subscribe(ctx, "lists", nil, nil), ErrNotConnected)
	assert.ErrorIs(t, gw.Unsubscribe(ctx, "lists"), ErrNotConnected)
	assert.ErrorIs(t, gw.Insert(ctx, "todos", map[string]any{"text": "milk"}, nil), ErrNotConnected)
	assert.ErrorIs(t, gw.Login(ctx, "alice", "secret", "", nil), ErrNotConnected)

	assert.Empty(t, tr.Calls())
	assert.Empty(t, tr.Subs())
	assert.Empty(t, tr.Unsubs())
}

func TestContextCancelled(t *testing.T) {
	gw, _, tr := newGateway(t, Options{Timeout: time.Minute, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := gw.Call(ctx, "echo", nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, tr.Calls())
}

func TestWaitsForConnection(t *testing.T) {
	gw, _, tr := newGateway(t, Options{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	require.NoError(t, gw.Connect())

	go func() {
		time.Sleep(30 * time.Millisecond)
		tr.FireConnected()
	}()

	require.NoError(t, gw.Call(context.Background(), "echo", []any{"hi"}, nil))
	require.Len(t, tr.Calls(), 1)
	assert.Equal(t, "echo", tr.LastCall().Method)
}

func TestWaitsForReauthentication(t *testing.T) {
	gw, m, tr := ready(t, Options{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	m.Login("alice", "secret", "", nil)
	tr.LastCall().Reply(map[string]any{"id": "u1", "token": "t1"})

	tr.Drop(1006, "abnormal")
	tr.FireConnected()
	resume := tr.LastCall()

	done := make(chan error, 1)
	go func() { done <- gw.Call(context.Background(), "echo", nil, nil) }()

	select {
	case <-done:
		t.Fatal("call went through while re-authenticating")
	case <-time.After(30 * time.Millisecond):
	}
	resume.Reply(map[string]any{"id": "u1", "token": "t2"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("call still blocked after re-authentication")
	}
	assert.Equal(t, "echo", tr.LastCall().Method)
}

func TestFatalSessionFailsImmediately(t *testing.T) {
	gw, m, tr := ready(t, Options{Timeout: 5 * time.Second})
	m.Login("alice", "secret", "", nil)
	tr.LastCall().Reply(map[string]any{"id": "u1", "token": "t1"})
	tr.Drop(1006, "abnormal")
	tr.FireConnected()
	tr.LastCall().Fail(errors.New("expired"))
	tr.LastCall().Fail(errors.New("incorrect password"))
	calls := len(tr.Calls())

	start := time.Now()
	err := gw.Call(context.Background(), "echo", nil, nil)
	assert.ErrorIs(t, err, session.ErrAuthentication)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, tr.Calls(), calls)

	require.NoError(t, gw.Connect())
	tr.FireConnected()
	assert.NoError(t, gw.Call(context.Background(), "echo", nil, nil))
}

func TestCollectionMethods(t *testing.T) {
	gw, _, tr := ready(t, fast)
	ctx := context.Background()
	doc := map[string]any{"text": "milk"}
	selector := map[string]any{"_id": "1"}
	modifier := map[string]any{"$set": map[string]any{"done": true}}

	require.NoError(t, gw.Insert(ctx, "todos", doc, nil))
	require.NoError(t, gw.Update(ctx, "todos", selector, modifier, nil))
	require.NoError(t, gw.Remove(ctx, "todos", selector, nil))

	calls := tr.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "/todos/insert", calls[0].Method)
	assert.Equal(t, []any{doc}, calls[0].Args)
	assert.Equal(t, "/todos/update", calls[1].Method)
	assert.Equal(t, []any{selector, modifier}, calls[1].Args)
	assert.Equal(t, "/todos/remove", calls[2].Method)
	assert.Equal(t, []any{selector}, calls[2].Args)
}

func TestCallResult(t *testing.T) {
	gw, _, tr := ready(t, fast)
	var got any

	require.NoError(t, gw.Call(context.Background(), "add", []any{1, 2}, func(result any, err error) {
		require.NoError(t, err)
		got = result
	}))
	tr.LastCall().Reply(3.0)
	assert.Equal(t, 3.0, got)
}

func TestSubscriptionPassThrough(t *testing.T) {
	gw, _, tr := ready(t, fast)
	ctx := context.Background()

	require.NoError(t, gw.Subscribe(ctx, "lists", []any{"home"}, nil))
	tr.LastSub().Ready()
	tr.FireAdded("lists", "l1", map[string]any{"name": "home"})

	doc, ok := gw.FindOne("lists", nil)
	require.True(t, ok)
	assert.Equal(t, "l1", doc.ID())
	n := 0
	for range gw.Find("lists", nil) {
		n++
	}
	assert.Equal(t, 1, n)

	require.NoError(t, gw.Unsubscribe(ctx, "lists"))
	assert.Equal(t, []string{tr.LastSub().ID}, tr.Unsubs())
}

func TestLoginAndLogout(t *testing.T) {
	gw, m, tr := ready(t, fast)

	require.NoError(t, gw.Login(context.Background(), "alice", "secret", "", nil))
	tr.LastCall().Reply(map[string]any{"id": "u1", "token": "t1"})
	assert.Equal(t, "t1", m.ResumeToken())

	gw.Logout(nil)
	assert.Equal(t, "logout", tr.LastCall().Method)
	assert.Equal(t, "", m.ResumeToken())

	require.NoError(t, gw.Close())
	assert.Equal(t, session.StateDisconnected, m.State())
	assert.NotNil(t, gw.Events())
}

// 在 connected 观察者中发起的订阅要等到重连恢复完成后才发送
func TestSubscribeFromConnectedListenerOnReconnect(t *testing.T) {
	gw, m, tr := ready(t, Options{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, gw.Subscribe(ctx, "A", nil, nil))
	tr.LastSub().Ready()
	tr.FireAdded("lists", "l1", map[string]any{"name": "home"})
	tr.Drop(1006, "abnormal")

	var readyDuringConnected bool
	subscribed := make(chan error, 1)
	var calls atomic.Int32
	gw.Events().On(event.KindConnected, func(event.Event) {
		readyDuringConnected = m.Ready()
		go func() {
			subscribed <- gw.Subscribe(ctx, "C", nil, func(err error) {
				calls.Add(1)
			})
		}()
	})
	tr.FireConnected()

	select {
	case err := <-subscribed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscribe still blocked after restore")
	}

	assert.False(t, readyDuringConnected)
	var names []string
	for _, s := range tr.Subs() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"A", "A", "C"}, names)
	assert.Empty(t, tr.Unsubs())
	_, stale := gw.FindOne("lists", nil)
	assert.False(t, stale)

	tr.LastSub().Ready()
	assert.Equal(t, int32(1), calls.Load())
}
