package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/ddp"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/logger"
)

var (
	ErrAuthentication = errors.New("authentication failed")

	errMissingToken = errors.New("login result without token")
)

// credentials 只保存在内存中, 用于重连后重新登录
type credentials struct {
	user   map[string]any
	digest string
}

func newCredentials(user, password string) *credentials {
	if user == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(password))
	c := &credentials{digest: hex.EncodeToString(sum[:])}
	if strings.Contains(user, "@") {
		c.user = map[string]any{"email": user}
	} else {
		c.user = map[string]any{"username": user}
	}
	return c
}

func (c *credentials) params() map[string]any {
	return map[string]any{
		"user": c.user,
		"password": map[string]any{
			"algorithm": "sha-256",
			"digest":    c.digest,
		},
	}
}

func authError(err error) error {
	if errors.Is(err, ErrAuthentication) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAuthentication, err)
}

// Login 用账号密码登录, token 不为空时先尝试恢复会话, 被拒绝后回退到账号密码一次
func (m *Manager) Login(user, password, token string, onResult func(event.LoginResult, error)) {
	creds := newCredentials(user, password)
	m.mu.Lock()
	m.credentials = creds
	m.token = token
	m.mu.Unlock()

	m.authenticate(token, creds, func(result event.LoginResult, err error) {
		if err != nil {
			err = authError(err)
			m.mu.Lock()
			m.credentials = nil
			m.token = ""
			m.mu.Unlock()
			logger.WarnF("[session] Login failed: %v", err)
			if onResult != nil {
				onResult(result, err)
			}
			return
		}

		m.mu.Lock()
		m.fatalErr = nil
		m.mu.Unlock()
		logger.InfoF("[session] Logged in as %s", result.UserID)
		if onResult != nil {
			onResult(result, nil)
		}
		m.bus.Emit(event.Authenticated{Result: result})
	})
}

// Logout 立即丢弃凭据并触发 logged_out, 不等待服务端应答
func (m *Manager) Logout(onResult func(error)) {
	m.mu.Lock()
	m.credentials = nil
	m.token = ""
	m.mu.Unlock()

	m.transport.Call("logout", nil, func(_ any, err error) {
		if onResult != nil {
			onResult(err)
		}
	})
	m.bus.Emit(event.LoggedOut{})
}

// authenticate 先用 token, 失败后用账号密码, 各最多一次. 连接断开时不再回退
func (m *Manager) authenticate(token string, creds *credentials, done func(event.LoginResult, error)) {
	if token == "" {
		if creds == nil {
			done(event.LoginResult{}, errors.New("no credentials"))
			return
		}
		m.attempt(creds.params(), done)
		return
	}

	m.attempt(map[string]any{"resume": token}, func(result event.LoginResult, err error) {
		if err == nil || creds == nil || errors.Is(err, ddp.ErrConnectionLost) {
			done(result, err)
			return
		}
		logger.WarnF("[session] Resume token rejected, retry with credentials: %v", err)
		m.mu.Lock()
		if m.token == token {
			m.token = ""
		}
		m.mu.Unlock()
		m.attempt(creds.params(), done)
	})
}

func (m *Manager) attempt(params map[string]any, done func(event.LoginResult, error)) {
	m.bus.Emit(event.LoggingIn{})
	m.transport.Call("login", []any{params}, func(raw any, err error) {
		if err != nil {
			done(event.LoginResult{}, err)
			return
		}
		result, err := parseLoginResult(raw)
		if err != nil {
			done(event.LoginResult{}, err)
			return
		}
		m.mu.Lock()
		m.token = result.Token
		m.mu.Unlock()
		done(result, nil)
	})
}

func parseLoginResult(raw any) (event.LoginResult, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return event.LoginResult{}, fmt.Errorf("%w: got %T", errMissingToken, raw)
	}
	result := event.LoginResult{Raw: fields}
	result.UserID, _ = fields["id"].(string)
	result.Token, _ = fields["token"].(string)
	if result.Token == "" {
		return event.LoginResult{}, errMissingToken
	}
	result.TokenExpires = parseDate(fields["tokenExpires"])
	return result, nil
}

// parseDate 解析 EJSON 日期 {"$date": 毫秒}, 也接受 RFC3339 字符串
func parseDate(v any) time.Time {
	switch d := v.(type) {
	case map[string]any:
		if ms, ok := d["$date"].(float64); ok {
			return time.UnixMilli(int64(ms)).UTC()
		}
	case string:
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			return t
		}
	}
	return time.Time{}
}
