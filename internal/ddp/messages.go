// Package ddp 实现了 DDP 协议的消息定义与基于 websocket 的客户端传输
package ddp

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// MessageType DDP 消息的 msg 字段
type MessageType string

const (
	MsgConnect     MessageType = "connect"     // 客户端发起会话
	MsgConnected   MessageType = "connected"   // 会话建立
	MsgFailed      MessageType = "failed"      // 协议版本不被接受
	MsgPing        MessageType = "ping"        // 心跳请求
	MsgPong        MessageType = "pong"        // 心跳响应
	MsgMethod      MessageType = "method"      // 远程方法调用
	MsgResult      MessageType = "result"      // 方法返回值
	MsgUpdated     MessageType = "updated"     // 方法写入已全部推送
	MsgSub         MessageType = "sub"         // 订阅请求
	MsgUnsub       MessageType = "unsub"       // 取消订阅
	MsgReady       MessageType = "ready"       // 订阅初始数据已推送完毕
	MsgNoSub       MessageType = "nosub"       // 订阅失败或被服务端终止
	MsgAdded       MessageType = "added"       // 文档新增
	MsgChanged     MessageType = "changed"     // 文档字段变更
	MsgRemoved     MessageType = "removed"     // 文档删除
	MsgAddedBefore MessageType = "addedBefore" // 有序集合新增
	MsgMovedBefore MessageType = "movedBefore" // 有序集合移动
	MsgError       MessageType = "error"       // 服务端无法解析客户端消息
)

// Version 使用的协议版本, SupportedVersions 按优先级排列
const Version = "1"

var SupportedVersions = []string{"1", "pre2", "pre1"}

// serverMessages 服务端可能发出的消息类型
var serverMessages = map[MessageType]bool{
	MsgConnected:   true,
	MsgFailed:      true,
	MsgPing:        true,
	MsgPong:        true,
	MsgResult:      true,
	MsgUpdated:     true,
	MsgReady:       true,
	MsgNoSub:       true,
	MsgAdded:       true,
	MsgChanged:     true,
	MsgRemoved:     true,
	MsgAddedBefore: true,
	MsgMovedBefore: true,
	MsgError:       true,
}

var ErrMalformedMessage = errors.New("ddp: malformed message")

// Message 所有 DDP 消息共用的线上结构, 未用到的字段省略
type Message struct {
	Msg        MessageType    `json:"msg"`
	ID         string         `json:"id,omitempty"`
	Session    string         `json:"session,omitempty"`
	Version    string         `json:"version,omitempty"`
	Support    []string       `json:"support,omitempty"`
	Method     string         `json:"method,omitempty"`
	Name       string         `json:"name,omitempty"`
	Params     []any          `json:"params,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      *Error         `json:"error,omitempty"`
	Methods    []string       `json:"methods,omitempty"`
	Subs       []string       `json:"subs,omitempty"`
	Collection string         `json:"collection,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Cleared    []string       `json:"cleared,omitempty"`
	Before     string         `json:"before,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Error 服务端返回的方法或订阅错误
type Error struct {
	Code      any    `json:"error"` // 数字或字符串
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	Details   any    `json:"details,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Reason != "":
		return fmt.Sprintf("%s [%v]", e.Reason, e.Code)
	default:
		return fmt.Sprintf("ddp error [%v]", e.Code)
	}
}

func Encode(m *Message) ([]byte, error) {
	if m.Msg == "" {
		return nil, fmt.Errorf("%w: empty msg", ErrMalformedMessage)
	}
	return json.Marshal(m)
}

// Decode 解析服务端消息, 拒绝未知类型
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if !serverMessages[m.Msg] {
		return nil, fmt.Errorf("%w: unexpected msg %q", ErrMalformedMessage, m.Msg)
	}
	return &m, nil
}

func connectMessage() *Message {
	return &Message{Msg: MsgConnect, Version: Version, Support: SupportedVersions}
}
