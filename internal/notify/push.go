package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-edge/internal/clients"
	"github.com/any-hub/offline-edge/internal/config"
)

// ClientSource 是 PushHandler 需要的客户端能力。
type ClientSource interface {
	MatchAll(includeUncontrolled bool) []clients.Client
	Broadcast(msg any) error
}

// PushPayload 是推送消息体。
type PushPayload struct {
	Title       string `json:"title" validate:"required"`
	Message     string `json:"message"`
	Interaction bool   `json:"interaction"`
}

// PushHandler 展示推送通知并维护角标。
type PushHandler struct {
	presenter Presenter
	clients   ClientSource
	badge     *Badge
	cfg       config.NotificationConfig
	logger    *logrus.Logger
	validate  *validator.Validate
}

// NewPushHandler 组装 PushHandler。
func NewPushHandler(presenter Presenter, source ClientSource, badge *Badge, cfg config.NotificationConfig, logger *logrus.Logger) *PushHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &PushHandler{
		presenter: presenter,
		clients:   source,
		badge:     badge,
		cfg:       cfg,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ParsePushPayload 解析并校验推送 JSON。
func (h *PushHandler) ParsePushPayload(data []byte) (PushPayload, error) {
	var payload PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PushPayload{}, fmt.Errorf("decode push payload: %w", err)
	}
	if err := h.validate.Struct(payload); err != nil {
		return PushPayload{}, fmt.Errorf("invalid push payload: %w", err)
	}
	return payload, nil
}

// Handle 展示通知；没有可见窗口时角标加一。展示失败会转发给全部客户端，并返回 badged=false。
func (h *PushHandler) Handle(ctx context.Context, payload PushPayload) (badged bool, err error) {
	opts := NewOptions(h.cfg, payload.Message, payload.Interaction)
	if err := h.presenter.Show(ctx, payload.Title, opts); err != nil {
		h.forward(err)
		return false, err
	}

	if hasVisibleClient(h.clients.MatchAll(true)) {
		return false, nil
	}
	count := h.badge.Increment()
	if err := h.clients.Broadcast(clients.BadgeMessage{Type: clients.MessageBadge, Count: count}); err != nil {
		h.forward(err)
		return true, err
	}
	return true, nil
}

// ClearBadges 是 clearBadges 消息的处理器。
func (h *PushHandler) ClearBadges(_ context.Context, _ clients.Client, _ clients.Envelope) error {
	h.badge.Clear()
	return h.clients.Broadcast(clients.BadgeMessage{Type: clients.MessageBadge, Count: 0})
}

func (h *PushHandler) forward(cause error) {
	h.logger.WithError(cause).WithField("action", "push").Warn("push_failed")
	if err := h.clients.Broadcast(clients.TextMessage{Type: clients.MessageText, Message: cause.Error()}); err != nil {
		h.logger.WithError(err).WithField("action", "push").Warn("push_error_forward_failed")
	}
}

func hasVisibleClient(list []clients.Client) bool {
	for _, c := range list {
		if c.Visible() {
			return true
		}
	}
	return false
}
