package remotefs

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	notificationsPath      = "/api/v1/notifications"
	notifyBufferSize       = 16
	notifyReconnectDelay   = 1 * time.Second
	notifyMaxReconnectWait = 30 * time.Second
)

// Notifier listens for push notifications from the remote store. The server
// sends a small frame whenever the remote tree changed; the payload carries
// no detail, it is only a hint to schedule a change listing.
type Notifier struct {
	wsURL    string
	clientID string
	notify   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewNotifier creates a notifier for the remote store at baseURL.
func NewNotifier(baseURL string) (*Notifier, error) {
	if baseURL == "" {
		return nil, ErrNoServerURL
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + notificationsPath

	return &Notifier{
		wsURL:    u.String(),
		clientID: uuid.NewString(),
		notify:   make(chan struct{}, notifyBufferSize),
	}, nil
}

// Notifications returns the channel that receives a token per push
// notification. The channel is buffered; bursts collapse.
func (n *Notifier) Notifications() <-chan struct{} {
	return n.notify
}

// Run connects and keeps the notification stream alive until ctx is
// cancelled, reconnecting with linear backoff.
func (n *Notifier) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("remotefs: notifier already running")
	}
	n.running = true
	n.mu.Unlock()

	defer close(n.notify)

	delay := notifyReconnectDelay
	for {
		err := n.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("notifier disconnected", "error", err, "reconnectIn", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < notifyMaxReconnectWait {
			delay *= 2
		}
	}
}

func (n *Notifier) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, n.wsURL+"?client_id="+n.clientID, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	slog.Debug("notifier connected", "url", n.wsURL)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}

		select {
		case n.notify <- struct{}{}:
		default:
			// A listing hint is already pending, drop the burst.
		}
	}
}
