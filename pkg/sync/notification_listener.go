package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

// RemoteMessage is a change pushed by the remote node. Paths are relative to
// the synchronized root.
type RemoteMessage struct {
	Type   string `json:"type"`
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
	Folder bool   `json:"folder,omitempty"`
}

// Message types understood by the listener
const (
	MessageCreate = "create"
	MessageUpdate = "update"
	MessageDelete = "delete"
	MessageMove   = "move"
)

// NotificationListener subscribes to pushed remote change notifications over
// a websocket and forwards them to a RemoteEventSink. It complements the
// polling monitor with lower latency.
type NotificationListener struct {
	url        string
	root       string
	sink       RemoteEventSink
	dialer     *websocket.Dialer
	logger     *logging.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	received   atomic.Int64
	connected  atomic.Bool
}

// NewNotificationListener creates a listener for the websocket at url
func NewNotificationListener(url, root string, sink RemoteEventSink, logger *logging.Logger) (*NotificationListener, error) {
	if url == "" {
		return nil, fmt.Errorf("websocket url cannot be empty")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink cannot be nil")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &NotificationListener{
		url:        url,
		root:       filepath.Clean(root),
		sink:       sink,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger.WithComponent("notification-listener"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}, nil
}

// SetBackoff overrides the reconnect delays
func (l *NotificationListener) SetBackoff(min, max time.Duration) {
	l.minBackoff = min
	l.maxBackoff = max
}

// Received returns the number of messages handled so far
func (l *NotificationListener) Received() int64 {
	return l.received.Load()
}

// Connected reports whether a websocket session is currently open
func (l *NotificationListener) Connected() bool {
	return l.connected.Load()
}

// Run connects and processes messages until ctx ends, reconnecting with
// exponential backoff whenever the connection drops
func (l *NotificationListener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// a session that got going resets the backoff
			backoff = l.minBackoff
		}
		l.logger.Warn("Notification stream disconnected", map[string]interface{}{
			"url":   l.url,
			"retry": backoff.String(),
			"error": err,
		})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

// session handles one connection. It returns nil if at least one message was
// read before the connection ended.
func (l *NotificationListener) session(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	l.connected.Store(true)
	defer l.connected.Store(false)
	l.logger.Info("Notification stream connected", map[string]interface{}{"url": l.url})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	read := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if read > 0 || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		read++

		var msg RemoteMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("Malformed notification ignored", map[string]interface{}{"error": err})
			continue
		}
		if err := l.Handle(msg); err != nil {
			l.logger.Warn("Notification not applied", map[string]interface{}{
				"type":  msg.Type,
				"path":  msg.Path,
				"error": err,
			})
		}
	}
}

// Handle forwards one message to the sink
func (l *NotificationListener) Handle(msg RemoteMessage) error {
	l.received.Add(1)

	path, err := l.resolve(msg.Path)
	if err != nil {
		return err
	}

	switch msg.Type {
	case MessageCreate:
		err = l.sink.OnRemoteCreate(path, msg.Folder)
	case MessageUpdate:
		err = l.sink.OnRemoteUpdate(path)
	case MessageDelete:
		err = l.sink.OnRemoteDelete(path)
	case MessageMove:
		src, serr := l.resolve(msg.Source)
		if serr != nil {
			return serr
		}
		err = l.sink.OnRemoteMove(src, path, msg.Folder)
	default:
		return fmt.Errorf("unknown notification type %q", msg.Type)
	}

	if errors.Is(err, ErrExcludedPath) || errors.Is(err, ErrUnknownPath) {
		return nil
	}
	return err
}

func (l *NotificationListener) resolve(rel string) (string, error) {
	if rel == "" {
		return "", storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "notify", rel, fmt.Errorf("empty path"))
	}
	path := filepath.Join(l.root, filepath.FromSlash(rel))
	if err := storage.ValidatePathInBounds(path, l.root); err != nil {
		return "", storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "notify", rel, err)
	}
	return path, nil
}
