package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const connWriteTimeout = 20 * time.Second

// hubConn is one peer connection attached to the hub.
type hubConn struct {
	id   string
	conn *websocket.Conn

	tx        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newHubConn(id string, conn *websocket.Conn) *hubConn {
	return &hubConn{
		id:   id,
		conn: conn,
		tx:   make(chan Event, 256),
		done: make(chan struct{}),
	}
}

// send queues an event for delivery; drops it when the peer can't keep up.
func (c *hubConn) send(ev Event) {
	select {
	case c.tx <- ev:
	case <-c.done:
	default:
		slog.Warn("hub conn send buffer full", "connId", c.id, "topic", ev.Topic, "key", ev.Key)
	}
}

// run pumps the connection until it closes. Every inbound event is handed to
// onEvent; outbound events come from the tx queue.
func (c *hubConn) run(ctx context.Context, onEvent func(Event)) {
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx, onEvent)
	c.close(websocket.StatusNormalClosure, "closed")
	wg.Wait()
}

func (c *hubConn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close(status, reason)
	})
}

func (c *hubConn) readLoop(ctx context.Context, onEvent func(Event)) {
	for {
		var ev Event
		if err := wsjson.Read(ctx, c.conn, &ev); err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				// connection closed by peer
			} else if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusNoStatusRcvd {
				slog.Warn("hub conn reader", "connId", c.id, "error", err)
			}
			return
		}
		onEvent(ev)
	}
}

func (c *hubConn) writeLoop(ctx context.Context) {
	for {
		select {
		case ev := <-c.tx:
			writeCtx, cancel := context.WithTimeout(ctx, connWriteTimeout)
			err := wsjson.Write(writeCtx, c.conn, ev)
			cancel()
			if err != nil {
				slog.Warn("hub conn writer", "connId", c.id, "error", err)
				return
			}

		case <-c.done:
			return

		case <-ctx.Done():
			return
		}
	}
}
