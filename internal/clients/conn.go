package clients

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// ClientsPath 是客户端接入 websocket 的路径。
const ClientsPath = "/-/clients"

type peer struct {
	id          string
	send        chan []byte
	connectedAt time.Time

	mu         sync.Mutex
	visibility string
	controlled bool
	closed     bool
}

func (p *peer) snapshot() Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Client{
		ID:              p.id,
		VisibilityState: p.visibility,
		Controlled:      p.controlled,
		ConnectedAt:     p.connectedAt,
	}
}

func (p *peer) setVisibility(state string) {
	if state != VisibilityVisible && state != VisibilityHidden {
		return
	}
	p.mu.Lock()
	p.visibility = state
	p.mu.Unlock()
}

func (p *peer) claim() {
	p.mu.Lock()
	p.controlled = true
	p.mu.Unlock()
}

func (p *peer) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *peer) closeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeHTTP 将请求升级为 websocket 并在连接期间阻塞。初始可见性取自 ?visibility=。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("action", "clients").Warn("client_upgrade_failed")
		return
	}

	p := h.newPeer(r.URL.Query().Get("visibility"))
	h.attach(p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(conn, p)
	}()

	h.readPump(r.Context(), conn, p)
	h.detach(p)
	<-done
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, p *peer) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithFields(logrus.Fields{
					"action":    "clients",
					"client_id": p.id,
				}).Debug("client_read_failed")
			}
			return
		}
		h.dispatch(ctx, p, data)
	}
}

func (h *Hub) writePump(conn *websocket.Conn, p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Server 在独立端口上承载 websocket 接入。
type Server struct {
	httpServer *http.Server
	hub        *Hub
	logger     *logrus.Logger
}

// NewServer 构建监听 addr 的 websocket 服务。
func NewServer(hub *Hub, addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle(ClientsPath, hub)
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub:    hub,
		logger: hub.logger,
	}
}

// ListenAndServe 阻塞直到服务关闭；正常关闭返回 nil。
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logrus.Fields{"action": "clients", "addr": s.httpServer.Addr}).Info("clients_listen")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭；已升级的 websocket 连接不受 http.Server 管理，由 Hub 单独断开。
func (s *Server) Shutdown(ctx context.Context) error {
	return errors.Join(s.httpServer.Shutdown(ctx), s.hub.Close(ctx))
}
