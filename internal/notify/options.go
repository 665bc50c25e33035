package notify

import (
	"time"

	"github.com/any-hub/offline-edge/internal/config"
)

// Action 是通知上的按钮。
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Options 对应一次通知展示的全部参数。
type Options struct {
	Body               string         `json:"body"`
	Icon               string         `json:"icon,omitempty"`
	Vibrate            []int          `json:"vibrate,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	Actions            []Action       `json:"actions,omitempty"`
	RequireInteraction bool           `json:"requireInteraction,omitempty"`
}

// DefaultActions 返回固定的确认/关闭按钮。
func DefaultActions() []Action {
	return []Action{
		{Action: "confirm", Title: "OK"},
		{Action: "close", Title: "Close notification"},
	}
}

// NewOptions 按配置生成通知参数，每次调用都是独立副本并带上 dateOfArrival。
func NewOptions(cfg config.NotificationConfig, body string, requireInteraction bool) Options {
	return Options{
		Body:    body,
		Icon:    cfg.Icon,
		Vibrate: append([]int(nil), cfg.Vibrate...),
		Data: map[string]any{
			"dateOfArrival": time.Now().UnixMilli(),
		},
		Actions:            DefaultActions(),
		RequireInteraction: requireInteraction,
	}
}
