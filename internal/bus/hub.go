package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxEventSize = 64 * 1024

// Hub is the relay side of the change bus. It is a Bus for the hosting
// process and fans every published or received event out to all connected
// peer processes. An event received from one connection is rebroadcast to
// every other connection on the same topic, plus the local subscribers.
type Hub struct {
	local *LocalBus

	mu    sync.RWMutex
	conns map[string]*hubConn
	wg    sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		local: NewLocalBus(),
		conns: make(map[string]*hubConn),
	}
}

func (h *Hub) Subscribe(topic string, handler Handler) (Subscription, error) {
	return h.local.Subscribe(topic, handler)
}

func (h *Hub) PublishClearAll(ctx context.Context, topic string) error {
	h.route(ctx, Event{Topic: topic, Kind: EventClearAll}, "")
	return nil
}

func (h *Hub) PublishEntityChange(ctx context.Context, topic string, key string) error {
	h.route(ctx, Event{Topic: topic, Kind: EventEntityChange, Key: key}, "")
	return nil
}

// route delivers an event to local subscribers and to every connection other
// than the one it arrived on. fromID is empty for locally published events.
func (h *Hub) route(ctx context.Context, ev Event, fromID string) {
	h.local.Dispatch(ctx, ev)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, conn := range h.conns {
		if id == fromID {
			continue
		}
		conn.send(ev)
	}
}

// WebsocketHandler upgrades the request and attaches the connection to the hub.
func (h *Hub) WebsocketHandler(ctx *gin.Context) {
	ws, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		slog.Warn("hub websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxEventSize)

	conn := newHubConn(uuid.NewString(), ws)

	h.mu.Lock()
	h.conns[conn.id] = conn
	active := len(h.conns)
	h.mu.Unlock()
	slog.Debug("hub registered", "connId", conn.id, "remote", ctx.ClientIP(), "active", active)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn.run(context.Background(), func(ev Event) {
			h.route(context.Background(), ev, conn.id)
		})

		h.mu.Lock()
		delete(h.conns, conn.id)
		active := len(h.conns)
		h.mu.Unlock()
		slog.Debug("hub removed", "connId", conn.id, "active", active)
	}()
}

func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close(websocket.StatusNormalClosure, "shutdown")
	}

	h.wg.Wait()
	slog.Info("hub shutdown")
}

var _ Bus = (*Hub)(nil)
