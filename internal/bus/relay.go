package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// RelayBus is the peer side of the change bus. It dials a relay Hub, forwards
// every published event to it, and dispatches inbound events to the local
// subscribers. Events published here are also dispatched locally so that
// multiple managers inside one process stay consistent with each other.
type RelayBus struct {
	local *LocalBus
	conn  *websocket.Conn
	url   string

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// DialRelay connects to the relay endpoint of an aclsync server,
// e.g. ws://host:port/v1/events.
func DialRelay(ctx context.Context, url string) (*RelayBus, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %q: %w", url, err)
	}
	conn.SetReadLimit(maxEventSize)

	b := &RelayBus{
		local: NewLocalBus(),
		conn:  conn,
		url:   url,
		done:  make(chan struct{}),
	}
	go b.readLoop()

	slog.Info("relay connected", "url", url)
	return b, nil
}

func (b *RelayBus) Subscribe(topic string, h Handler) (Subscription, error) {
	return b.local.Subscribe(topic, h)
}

func (b *RelayBus) PublishClearAll(ctx context.Context, topic string) error {
	return b.publish(ctx, Event{Topic: topic, Kind: EventClearAll})
}

func (b *RelayBus) PublishEntityChange(ctx context.Context, topic string, key string) error {
	return b.publish(ctx, Event{Topic: topic, Kind: EventEntityChange, Key: key})
}

func (b *RelayBus) publish(ctx context.Context, ev Event) error {
	b.local.Dispatch(ctx, ev)

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if err := wsjson.Write(ctx, b.conn, ev); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

func (b *RelayBus) readLoop() {
	ctx := context.Background()
	for {
		var ev Event
		if err := wsjson.Read(ctx, b.conn, &ev); err != nil {
			select {
			case <-b.done:
				// closed locally
			default:
				if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
					slog.Warn("relay connection lost", "url", b.url)
				} else {
					slog.Error("relay reader", "url", b.url, "error", err)
				}
			}
			return
		}
		b.local.Dispatch(ctx, ev)
	}
}

func (b *RelayBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.conn.Close(websocket.StatusNormalClosure, "shutdown")
	})
	return nil
}

var _ Bus = (*RelayBus)(nil)
