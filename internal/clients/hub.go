package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-edge/internal/metrics"
)

var errHubClosed = errors.New("client hub closed")

// Client 是已连接窗口的只读快照。
type Client struct {
	ID              string    `json:"id"`
	VisibilityState string    `json:"visibility_state"`
	Controlled      bool      `json:"controlled"`
	ConnectedAt     time.Time `json:"connected_at"`
}

// Visible 表示窗口当前对用户可见。
func (c Client) Visible() bool {
	return c.VisibilityState == VisibilityVisible
}

// HubOptions 注入 Hub 依赖。
type HubOptions struct {
	Logger     *logrus.Logger
	Dispatcher *Dispatcher
	Metrics    *metrics.Registry
	// Controlled 在客户端接入时判断是否已有激活代际接管。
	Controlled func() bool
}

// Hub 维护所有已连接客户端。
type Hub struct {
	logger     *logrus.Logger
	dispatcher *Dispatcher
	metrics    *metrics.Registry
	controlled func() bool

	mu    sync.RWMutex
	peers map[string]*peer

	// 独立执行的处理器随 Hub 关闭而取消，不随单个连接断开
	ctx     context.Context
	cancel  context.CancelFunc
	tasksMu sync.Mutex
	tasks   sync.WaitGroup
	closed  bool
}

// NewHub 创建 Hub，并注册内置的 visibility 处理器。
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	controlled := opts.Controlled
	if controlled == nil {
		controlled = func() bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:     logger,
		dispatcher: dispatcher,
		metrics:    opts.Metrics,
		controlled: controlled,
		peers:      make(map[string]*peer),
		ctx:        ctx,
		cancel:     cancel,
	}
	dispatcher.Register(MessageVisibility, h.handleVisibility)
	return h
}

// Dispatcher 返回入站消息分派表。
func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// MatchAll 返回已连接客户端，includeUncontrolled 为 false 时只返回被接管的窗口。
func (h *Hub) MatchAll(includeUncontrolled bool) []Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]Client, 0, len(h.peers))
	for _, p := range h.peers {
		snapshot := p.snapshot()
		if !includeUncontrolled && !snapshot.Controlled {
			continue
		}
		result = append(result, snapshot)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Count 返回全部已连接客户端数量（包含未接管的）。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast 将消息编码后发给所有客户端；发送队列已满的客户端会被跳过。
func (h *Hub) Broadcast(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		if !p.enqueue(data) {
			h.logger.WithFields(logrus.Fields{"action": "clients", "client_id": p.id}).
				Warn("client_send_queue_full")
		}
	}
	return nil
}

// Claim 将所有已连接客户端标记为被接管，激活新代际后调用。
func (h *Hub) Claim() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		p.claim()
	}
}

// PostMessage 只发给指定客户端。
func (h *Hub) PostMessage(id string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	h.mu.RLock()
	p, ok := h.peers[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	if !p.enqueue(data) {
		return fmt.Errorf("client %s send queue full", id)
	}
	return nil
}

func (h *Hub) attach(p *peer) {
	h.mu.Lock()
	h.peers[p.id] = p
	count := len(h.peers)
	h.mu.Unlock()

	h.metrics.SetClients(count)
	h.logger.WithFields(logrus.Fields{
		"action":     "clients",
		"client_id":  p.id,
		"controlled": p.snapshot().Controlled,
		"clients":    count,
	}).Info("client_attached")
}

func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	if current, ok := h.peers[p.id]; ok && current == p {
		delete(h.peers, p.id)
		p.closeSend()
	}
	count := len(h.peers)
	h.mu.Unlock()

	h.metrics.SetClients(count)
	h.logger.WithFields(logrus.Fields{
		"action":    "clients",
		"client_id": p.id,
		"clients":   count,
	}).Info("client_detached")
}

func (h *Hub) newPeer(visibility string) *peer {
	if visibility != VisibilityHidden {
		visibility = VisibilityVisible
	}
	return &peer{
		id:          uuid.NewString(),
		send:        make(chan []byte, sendBufferSize),
		visibility:  visibility,
		controlled:  h.controlled(),
		connectedAt: time.Now(),
	}
}

func (h *Hub) handleVisibility(_ context.Context, from Client, env Envelope) error {
	if from.ID == "" {
		return errors.New("visibility requires an attached client")
	}
	h.mu.RLock()
	p, ok := h.peers[from.ID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, from.ID)
	}
	p.setVisibility(env.State)
	return nil
}

// Close 取消仍在执行的独立处理器、断开全部客户端，并等待处理器退出。
func (h *Hub) Close(ctx context.Context) error {
	h.tasksMu.Lock()
	h.closed = true
	h.tasksMu.Unlock()
	h.cancel()

	h.mu.RLock()
	for _, p := range h.peers {
		p.closeSend()
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) dispatch(ctx context.Context, p *peer, data []byte) {
	from := p.snapshot()
	env, err := ParseEnvelope(data)
	if err != nil {
		h.logMessageFailed(from, err)
		return
	}
	if !h.dispatcher.Detached(env.Type) {
		h.logMessageFailed(from, h.dispatcher.DispatchEnvelope(ctx, from, env))
		return
	}

	h.tasksMu.Lock()
	if h.closed {
		h.tasksMu.Unlock()
		h.logMessageFailed(from, errHubClosed)
		return
	}
	h.tasks.Add(1)
	h.tasksMu.Unlock()

	go func() {
		defer h.tasks.Done()
		h.logMessageFailed(from, h.dispatcher.DispatchEnvelope(h.ctx, from, env))
	}()
}

func (h *Hub) logMessageFailed(from Client, err error) {
	if err == nil {
		return
	}
	h.logger.WithError(err).WithFields(logrus.Fields{
		"action":    "clients",
		"client_id": from.ID,
	}).Warn("client_message_failed")
}
