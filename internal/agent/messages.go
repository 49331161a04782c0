package agent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType 是消息协议中的 type 字段。
type MessageType string

// 页面 → 协调器。
const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageClearCache  MessageType = "CLEAR_CACHE"
	MessageCheckUpdate MessageType = "CHECK_UPDATE"
	MessageWhiteScreen MessageType = "WHITE_SCREEN_DETECTED"
)

// 协调器 → 页面。
const (
	MessageActivated       MessageType = "SW_ACTIVATED"
	MessageUpdateAvailable MessageType = "UPDATE_AVAILABLE"
	MessageUpdateCheck     MessageType = "UPDATE_CHECK"
	MessageCacheCleared    MessageType = "CACHE_CLEARED"
	MessageFocus           MessageType = "FOCUS"
)

// ErrUnknownMessage is returned by DecodeCommand for type tags outside the protocol.
var ErrUnknownMessage = errors.New("unknown message type")

// Command 是入站消息的封闭联合类型，只有本包内的四种实现。
type Command interface {
	Type() MessageType
	command()
}

type SkipWaiting struct{}

type ClearCache struct{}

type CheckUpdate struct{}

// WhiteScreenDetected 由页面白屏检测脚本发送，Detail 仅用于日志。
type WhiteScreenDetected struct {
	Detail json.RawMessage `json:"detail,omitempty"`
}

func (SkipWaiting) Type() MessageType         { return MessageSkipWaiting }
func (ClearCache) Type() MessageType          { return MessageClearCache }
func (CheckUpdate) Type() MessageType         { return MessageCheckUpdate }
func (WhiteScreenDetected) Type() MessageType { return MessageWhiteScreen }

func (SkipWaiting) command()         {}
func (ClearCache) command()          {}
func (CheckUpdate) command()         {}
func (WhiteScreenDetected) command() {}

type envelope struct {
	Type   MessageType     `json:"type"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// DecodeCommand 解析 {"type": "..."} 形式的入站消息。
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case MessageSkipWaiting:
		return SkipWaiting{}, nil
	case MessageClearCache:
		return ClearCache{}, nil
	case MessageCheckUpdate:
		return CheckUpdate{}, nil
	case MessageWhiteScreen:
		return WhiteScreenDetected{Detail: env.Detail}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// Outbound 是广播给页面的消息，字段按类型选择性出现。
type Outbound struct {
	Type           MessageType     `json:"type"`
	Version        string          `json:"version,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	CurrentVersion string          `json:"currentVersion,omitempty"`
	Action         string          `json:"action,omitempty"`
	URL            string          `json:"url,omitempty"`
}

func activatedMessage(version string) Outbound {
	return Outbound{Type: MessageActivated, Version: version}
}

func updateAvailableMessage(data json.RawMessage, current string) Outbound {
	return Outbound{Type: MessageUpdateAvailable, Data: data, CurrentVersion: current}
}

func updateCheckMessage(data json.RawMessage) Outbound {
	return Outbound{Type: MessageUpdateCheck, Data: data}
}

func cacheClearedMessage() Outbound {
	return Outbound{Type: MessageCacheCleared, Action: "reload"}
}

func focusMessage(url string) Outbound {
	return Outbound{Type: MessageFocus, URL: url}
}

// Reply 是 CLEAR_CACHE 在调用方回复通道上收到的确认。
type Reply struct {
	Success bool `json:"success"`
}
