// Package feed is the in-process pub/sub stream of activity traffic. The
// gateway emits every dispatched and sent activity here; the console and the
// transcript store subscribe.
package feed

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"botbridge/internal/activity"
)

// Directions of activity flow relative to the bot.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Entry is one observed activity.
type Entry struct {
	Direction  string
	Channel    string
	Activity   activity.Activity
	ObservedAt time.Time
}

// Handler is a callback for feed entries.
type Handler func(Entry)

type namedHandler struct {
	ID      string
	Handler Handler
}

// Feed fans observed activities out to subscribers, keyed by channel ID.
// Subscribe with "*" to observe all channels. A bounded history buffer
// supports replay for late subscribers (the console uses this).
type Feed struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Entry
	maxHistory int
}

// New creates a Feed with the default history buffer.
func New(logger *slog.Logger) *Feed {
	return &Feed{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 500,
	}
}

// On registers a handler for one channel ID ("*" for all). Returns the
// handler ID for Off.
func (f *Feed) On(channel string, handler Handler) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := channel + "-" + strconv.Itoa(len(f.handlers[channel]))
	f.handlers[channel] = append(f.handlers[channel], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (f *Feed) Off(channel, handlerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handlers := f.handlers[channel]
	for i, h := range handlers {
		if h.ID == handlerID {
			f.handlers[channel] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes one entry to all matching handlers, synchronously and in
// registration order. A panicking handler is isolated and logged.
func (f *Feed) Emit(entry Entry) {
	if entry.ObservedAt.IsZero() {
		entry.ObservedAt = time.Now()
	}
	if entry.Channel == "" {
		entry.Channel = entry.Activity.ChannelID
	}

	f.mu.Lock()
	if len(f.history) >= f.maxHistory {
		f.history = f.history[1:]
	}
	f.history = append(f.history, entry)
	f.mu.Unlock()

	f.mu.RLock()
	handlers := make([]namedHandler, 0)
	if h, ok := f.handlers[entry.Channel]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := f.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("feed handler panic", "channel", entry.Channel, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(entry)
		}(h)
	}
}

// Replay returns buffered entries for a channel ("*" for all) observed at or
// after since.
func (f *Feed) Replay(channel string, since time.Time) []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var result []Entry
	for _, e := range f.history {
		if e.ObservedAt.Before(since) {
			continue
		}
		if channel == "*" || e.Channel == channel {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the number of buffered entries.
func (f *Feed) HistoryLen() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.history)
}
