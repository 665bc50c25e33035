package clients

import (
	"context"
	"fmt"
	"sync"
)

// Handler 处理某一类入站消息，from 为发送方快照（HTTP 入口为空值）。
type Handler func(ctx context.Context, from Client, env Envelope) error

// Dispatcher 按消息类型分派，每个类型只对应一个处理器。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[MessageType]route
}

type route struct {
	handler  Handler
	detached bool
}

// NewDispatcher 创建空的分派表。
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[MessageType]route)}
}

// Register 注册（或替换）处理器，websocket 读循环内联执行。
func (d *Dispatcher) Register(msgType MessageType, handler Handler) {
	d.register(msgType, handler, false)
}

// RegisterDetached 注册耗时处理器，websocket 入站时在独立 goroutine 中执行，
// 同一客户端的后续消息不必等待。
func (d *Dispatcher) RegisterDetached(msgType MessageType, handler Handler) {
	d.register(msgType, handler, true)
}

// Detached 判断该类型是否以独立 goroutine 执行。
func (d *Dispatcher) Detached(msgType MessageType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[msgType].detached
}

func (d *Dispatcher) register(msgType MessageType, handler Handler, detached bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = route{handler: handler, detached: detached}
}

// Types 返回已注册的消息类型。
func (d *Dispatcher) Types() []MessageType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]MessageType, 0, len(d.handlers))
	for msgType := range d.handlers {
		types = append(types, msgType)
	}
	return types
}

// Dispatch 解析原始消息并调用对应处理器。
func (d *Dispatcher) Dispatch(ctx context.Context, from Client, data []byte) error {
	env, err := ParseEnvelope(data)
	if err != nil {
		return err
	}
	return d.DispatchEnvelope(ctx, from, env)
}

// DispatchEnvelope 调用已解析信封对应的处理器。
func (d *Dispatcher) DispatchEnvelope(ctx context.Context, from Client, env Envelope) error {
	d.mu.RLock()
	r, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, env.Type)
	}
	return r.handler(ctx, from, env)
}
