package clients

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MessageType 是消息信封中的 type 字段。
type MessageType string

const (
	MessageClearBadges     MessageType = "clearBadges"
	MessageSkipWaiting     MessageType = "SKIP_WAITING"
	MessagePrepareCaches   MessageType = "PREPARE_CACHES_FOR_UPDATE"
	MessageVisibility      MessageType = "visibility"
	MessageBadge           MessageType = "badge"
	MessageText            MessageType = "message"
	MessageNotification    MessageType = "notification"
	MessageBackgroundFetch MessageType = "background-fetch-success"
)

const (
	VisibilityVisible = "visible"
	VisibilityHidden  = "hidden"
)

var (
	// ErrUnknownMessage 表示信封 type 没有注册处理器。
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrInvalidEnvelope 表示信封无法解析或校验失败。
	ErrInvalidEnvelope = errors.New("invalid message envelope")
	// ErrClientNotFound 表示目标客户端已断开。
	ErrClientNotFound = errors.New("client not attached")
)

// Envelope 是客户端发来的消息。
type Envelope struct {
	Type  MessageType `json:"type" validate:"required"`
	State string      `json:"state,omitempty" validate:"omitempty,oneof=visible hidden"`

	// Raw 保留原始 JSON，供处理器读取额外字段。
	Raw json.RawMessage `json:"-"`
}

var envelopeValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseEnvelope 解析并校验入站信封。
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := envelopeValidator.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

// BadgeMessage 更新客户端的未读角标。
type BadgeMessage struct {
	Type  MessageType `json:"type"`
	Count int         `json:"count"`
}

// TextMessage 把错误或提示转发给客户端。
type TextMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// BackgroundFetchMessage 通知客户端后台下载完成。
type BackgroundFetchMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}
