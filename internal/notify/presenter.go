package notify

import (
	"context"

	"github.com/any-hub/offline-edge/internal/clients"
)

// Presenter 负责把通知展示给用户。
type Presenter interface {
	Show(ctx context.Context, title string, opts Options) error
}

// PresenterFunc 让普通函数满足 Presenter。
type PresenterFunc func(ctx context.Context, title string, opts Options) error

// Show 实现 Presenter。
func (f PresenterFunc) Show(ctx context.Context, title string, opts Options) error {
	return f(ctx, title, opts)
}

// Broadcaster 是向全部客户端发送消息的能力。
type Broadcaster interface {
	Broadcast(msg any) error
}

// NotificationMessage 是下发给客户端的通知消息，由窗口负责真正弹出。
type NotificationMessage struct {
	Type    clients.MessageType `json:"type"`
	Title   string              `json:"title"`
	Options Options             `json:"options"`
}

// ClientPresenter 通过消息通道把通知广播给所有客户端。
type ClientPresenter struct {
	out Broadcaster
}

// NewClientPresenter 创建基于 Broadcaster 的 Presenter。
func NewClientPresenter(out Broadcaster) *ClientPresenter {
	return &ClientPresenter{out: out}
}

// Show 实现 Presenter。
func (p *ClientPresenter) Show(ctx context.Context, title string, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.out.Broadcast(NotificationMessage{
		Type:    clients.MessageNotification,
		Title:   title,
		Options: opts,
	})
}
