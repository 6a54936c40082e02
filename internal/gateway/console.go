package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"botbridge/internal/activity"
	"botbridge/internal/feed"
)

// Console streams the activity feed to WebSocket clients. It is a tail-only
// view for operators: clients receive recent history on connect, then every
// activity as it is observed.
type Console struct {
	feed   *feed.Feed
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*consoleClient
}

type consoleClient struct {
	conn      *websocket.Conn
	handlerID string
	mu        sync.Mutex
}

// ConsoleEvent is the wire format sent to console clients.
type ConsoleEvent struct {
	Direction  string            `json:"direction"`
	Channel    string            `json:"channel"`
	Activity   activity.Activity `json:"activity"`
	ObservedAt time.Time         `json:"observedAt"`
}

var consoleUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewConsole(f *feed.Feed, logger *slog.Logger) *Console {
	return &Console{
		feed:    f,
		logger:  logger,
		clients: make(map[string]*consoleClient),
	}
}

// HandleUpgrade upgrades the request and begins streaming. The optional
// channel query parameter narrows the stream to one platform.
func (c *Console) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := consoleUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("console upgrade failed", "err", err)
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "*"
	}

	client := &consoleClient{conn: conn}
	clientID := fmt.Sprintf("console-%p", conn)

	// Late joiners get the buffered history first, then live entries.
	for _, entry := range c.feed.Replay(channel, time.Time{}) {
		client.send(toEvent(entry))
	}

	client.handlerID = c.feed.On(channel, func(entry feed.Entry) {
		client.send(toEvent(entry))
	})

	c.mu.Lock()
	c.clients[clientID] = client
	c.mu.Unlock()

	c.logger.Info("console client connected", "client_id", clientID, "channel", channel)

	defer func() {
		c.feed.Off(channel, client.handlerID)
		c.mu.Lock()
		delete(c.clients, clientID)
		c.mu.Unlock()
		conn.Close()
		c.logger.Info("console client disconnected", "client_id", clientID)
	}()

	// Drain the connection; the console takes no input.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("console read error", "err", err)
			}
			return
		}
	}
}

// Close disconnects every client.
func (c *Console) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, client := range c.clients {
		client.conn.Close()
		delete(c.clients, id)
	}
}

func toEvent(entry feed.Entry) ConsoleEvent {
	return ConsoleEvent{
		Direction:  entry.Direction,
		Channel:    entry.Channel,
		Activity:   entry.Activity,
		ObservedAt: entry.ObservedAt,
	}
}

func (cc *consoleClient) send(ev ConsoleEvent) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if err := cc.conn.WriteJSON(ev); err != nil {
		// The read loop observes the broken connection and cleans up.
		return
	}
}
